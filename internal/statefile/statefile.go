/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package statefile provides small single-record JSON state files with
// crash-safe replacement semantics: every write goes to a temp file that is
// fsynced and renamed over the target, under an exclusive file lock so
// concurrent read-modify-write cycles never interleave.
package statefile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// ErrNotFound is returned by Read when the state file does not exist.
var ErrNotFound = errors.New("state file not found")

// DefaultLockTimeout bounds how long a writer waits for the exclusive lock.
const DefaultLockTimeout = 5 * time.Second

// tmpSuffix marks in-flight writes; CleanTempFiles removes leftovers.
const tmpSuffix = ".tmp"

// File is a single JSON document on disk guarded by a sibling lock file.
// The flock serializes writers across processes (the service and the
// dispatcher runner); the mutex serializes goroutines within one process,
// which the flock alone does not.
type File struct {
	path        string
	mu          sync.Mutex
	lock        *flock.Flock
	lockTimeout time.Duration
}

// New returns a File for path. The parent directory is created if missing.
func New(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	return &File{
		path:        path,
		lock:        flock.New(path + ".lock"),
		lockTimeout: DefaultLockTimeout,
	}, nil
}

// Path returns the on-disk location of the state file.
func (f *File) Path() string {
	return f.path
}

// Read unmarshals the current document into v.
func (f *File) Read(v any) error {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", f.path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", f.path, err)
	}
	return nil
}

// Write atomically replaces the document with the JSON encoding of v.
// The temp file is fsynced before the rename so a torn write can never
// clobber a previously valid record.
func (f *File) Write(ctx context.Context, v any) error {
	unlock, err := f.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return f.writeLocked(v)
}

// Update runs fn on the current document (zero value when absent) and writes
// the result back, all under the exclusive lock.
func (f *File) Update(ctx context.Context, v any, fn func() error) error {
	unlock, err := f.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := f.Read(v); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return f.writeLocked(v)
}

// Remove deletes the state file. Missing files are not an error.
func (f *File) Remove(ctx context.Context) error {
	unlock, err := f.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", f.path, err)
	}
	return nil
}

func (f *File) writeLocked(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", f.path, err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*"+tmpSuffix)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// acquire takes the exclusive lock, retrying once after a timeout before
// giving up.
func (f *File) acquire(ctx context.Context) (func(), error) {
	f.mu.Lock()
	for attempt := 0; ; attempt++ {
		lockCtx, cancel := context.WithTimeout(ctx, f.lockTimeout)
		ok, err := f.lock.TryLockContext(lockCtx, 50*time.Millisecond)
		cancel()
		if err == nil && ok {
			return func() {
				_ = f.lock.Unlock()
				f.mu.Unlock()
			}, nil
		}
		if attempt >= 1 {
			if err == nil {
				err = context.DeadlineExceeded
			}
			f.mu.Unlock()
			return nil, fmt.Errorf("locking %s: %w", f.path, err)
		}
	}
}

// CleanTempFiles removes leftover temp files in dir from writes interrupted
// by a crash.
func CleanTempFiles(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), tmpSuffix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing stale temp %s: %w", e.Name(), err)
		}
	}
	return nil
}

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

// Package jobstore persists one JSON document per scheduled job under a
// well-known directory. Writes are atomic (temp file, fsync, rename) and
// serialized through an exclusive file lock shared with the out-of-process
// dispatcher runner.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/soakworks/tubd/internal/statefile"
)

// ErrJobNotFound is returned when no record exists for an id.
var ErrJobNotFound = errors.New("job not found")

// Store keeps job records in a directory, one <id>.json per job.
type Store struct {
	dir  string
	mu   sync.Mutex
	lock *flock.Flock
}

// Open prepares the store directory and removes any temp files left behind
// by a crash mid-write.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating job directory: %w", err)
	}
	if err := statefile.CleanTempFiles(dir); err != nil {
		return nil, err
	}
	return &Store{
		dir:  dir,
		lock: flock.New(filepath.Join(dir, ".jobs.lock")),
	}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes the job record atomically.
func (s *Store) Save(ctx context.Context, job Job) error {
	if !ValidID(job.ID) {
		return fmt.Errorf("invalid job id %q", job.ID)
	}
	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", job.ID, err)
	}
	data = append(data, '\n')

	path := s.path(job.ID)
	tmp, err := os.CreateTemp(s.dir, job.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing job %s: %w", job.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("syncing job %s: %w", job.ID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing job %s: %w", job.ID, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("renaming job %s: %w", job.ID, err)
	}
	return nil
}

// Load reads one job record.
func (s *Store) Load(ctx context.Context, id string) (*Job, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: invalid id %q", ErrJobNotFound, id)
	}
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	return &job, nil
}

// Delete removes one job record. Deleting a missing record returns
// ErrJobNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	if !ValidID(id) {
		return fmt.Errorf("%w: invalid id %q", ErrJobNotFound, id)
	}
	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrJobNotFound
		}
		return fmt.Errorf("deleting job %s: %w", id, err)
	}
	return nil
}

// List returns every job record, ordered by creation time then id.
func (s *Store) List(ctx context.Context) ([]Job, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading job directory: %w", err)
	}

	var jobs []Job
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if !ValidID(id) {
			continue
		}
		job, err := s.Load(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			// Deleted between ReadDir and Load.
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// acquire takes the store lock, retrying once after a timeout.
func (s *Store) acquire(ctx context.Context) (func(), error) {
	s.mu.Lock()
	for attempt := 0; ; attempt++ {
		lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		ok, err := s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
		cancel()
		if err == nil && ok {
			return func() {
				_ = s.lock.Unlock()
				s.mu.Unlock()
			}, nil
		}
		if attempt >= 1 {
			if err == nil {
				err = context.DeadlineExceeded
			}
			s.mu.Unlock()
			return nil, fmt.Errorf("locking job store: %w", err)
		}
	}
}

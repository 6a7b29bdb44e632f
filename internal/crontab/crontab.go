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

// Package crontab manages tagged entries in the host user's crontab. Every
// line owned by the service carries a trailing "# HOTTUB:<id>" comment; lines
// without the tag are never modified. All edits are read-modify-write cycles
// under an exclusive file lock so concurrent adds never lose entries.
package crontab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Tag is the ownership marker on crontab lines managed by this service.
const Tag = "HOTTUB:"

// ErrCrontabUnavailable indicates the host's crontab tool cannot be invoked.
var ErrCrontabUnavailable = errors.New("crontab unavailable")

// Adapter is the contract for crontab access. The system implementation
// shells out to crontab(1); tests substitute an in-memory one.
type Adapter interface {
	// AddEntry appends one line, preserving all existing entries.
	AddEntry(ctx context.Context, line string) error

	// RemoveByPattern removes every line containing the substring, keeping
	// all other lines in order. Returns the number of lines removed.
	RemoveByPattern(ctx context.Context, substring string) (int, error)

	// ListEntries returns the current crontab lines in order.
	ListEntries(ctx context.Context) ([]string, error)
}

// SystemAdapter edits the invoking user's crontab via crontab(1).
type SystemAdapter struct {
	mu   sync.Mutex
	lock *flock.Flock
}

// NewSystemAdapter returns an adapter whose edits are serialized through a
// lock file in lockDir (typically the service data directory).
func NewSystemAdapter(lockDir string) (*SystemAdapter, error) {
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	return &SystemAdapter{
		lock: flock.New(filepath.Join(lockDir, "crontab.lock")),
	}, nil
}

// AddEntry appends one line to the crontab.
func (a *SystemAdapter) AddEntry(ctx context.Context, line string) error {
	unlock, err := a.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	lines, err := a.read(ctx)
	if err != nil {
		return err
	}
	lines = append(lines, strings.TrimRight(line, "\n"))
	return a.write(ctx, lines)
}

// RemoveByPattern removes every line containing substring.
func (a *SystemAdapter) RemoveByPattern(ctx context.Context, substring string) (int, error) {
	unlock, err := a.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	lines, err := a.read(ctx)
	if err != nil {
		return 0, err
	}

	kept := lines[:0]
	removed := 0
	for _, l := range lines {
		if strings.Contains(l, substring) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, a.write(ctx, kept)
}

// ListEntries returns the current crontab lines.
func (a *SystemAdapter) ListEntries(ctx context.Context) ([]string, error) {
	unlock, err := a.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return a.read(ctx)
}

func (a *SystemAdapter) acquire(ctx context.Context) (func(), error) {
	a.mu.Lock()
	lockCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ok, err := a.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil || !ok {
		a.mu.Unlock()
		if err == nil {
			err = context.DeadlineExceeded
		}
		return nil, fmt.Errorf("locking crontab: %w", err)
	}
	return func() {
		_ = a.lock.Unlock()
		a.mu.Unlock()
	}, nil
}

// read lists the current crontab. An empty crontab is not an error: crontab
// exits 1 with "no crontab for <user>" on stderr.
func (a *SystemAdapter) read(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "crontab", "-l")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "no crontab") {
			return nil, nil
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return nil, fmt.Errorf("%w: %v", ErrCrontabUnavailable, err)
		}
		return nil, fmt.Errorf("%w: crontab -l: %v: %s", ErrCrontabUnavailable, err, strings.TrimSpace(stderr.String()))
	}

	raw := strings.TrimRight(stdout.String(), "\n")
	if raw == "" {
		return nil, nil
	}
	return strings.Split(raw, "\n"), nil
}

func (a *SystemAdapter) write(ctx context.Context, lines []string) error {
	var input string
	if len(lines) > 0 {
		input = strings.Join(lines, "\n") + "\n"
	}

	cmd := exec.CommandContext(ctx, "crontab", "-")
	cmd.Stdin = strings.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return fmt.Errorf("%w: %v", ErrCrontabUnavailable, err)
		}
		return fmt.Errorf("%w: crontab -: %v: %s", ErrCrontabUnavailable, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// TaggedEntries filters lines down to those owned by this service and maps
// each to the id in its trailing tag comment.
func TaggedEntries(lines []string) map[string]string {
	tagged := make(map[string]string)
	for _, l := range lines {
		idx := strings.LastIndex(l, "# "+Tag)
		if idx < 0 {
			continue
		}
		id := strings.TrimSpace(l[idx+len("# "+Tag):])
		if id != "" {
			tagged[id] = l
		}
	}
	return tagged
}

// Line builds the canonical crontab line for a job:
//
//	<m> <h> <dom> <mon> <dow> <dispatcherPath> <jobId> # HOTTUB:<jobId>
func Line(cronExpr, dispatcherPath, jobID string) string {
	return fmt.Sprintf("%s %s %s # %s%s", cronExpr, dispatcherPath, jobID, Tag, jobID)
}

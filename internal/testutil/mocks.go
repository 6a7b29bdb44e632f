// Package testutil provides shared test utilities and mock implementations
// for use across the tubd test suites.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/soakworks/tubd/internal/liveness"
)

// ============================================================================
// In-Memory Crontab
// ============================================================================

// MemCrontab is an in-memory crontab.Adapter for tests.
// Thread-safe for concurrent access in scheduler tests.
type MemCrontab struct {
	mu    sync.Mutex
	lines []string

	// Error injection - set these to simulate a broken host crontab
	AddError    error
	RemoveError error
	ListError   error

	// AddErrorAfter, when positive, fails every AddEntry past the Nth call.
	AddErrorAfter int

	// Call tracking
	AddCalls    []string
	RemoveCalls []string
}

// AddEntry appends one line.
func (m *MemCrontab) AddEntry(ctx context.Context, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AddCalls = append(m.AddCalls, line)
	if m.AddError != nil {
		return m.AddError
	}
	if m.AddErrorAfter > 0 && len(m.AddCalls) > m.AddErrorAfter {
		return fmt.Errorf("crontab full")
	}
	m.lines = append(m.lines, strings.TrimRight(line, "\n"))
	return nil
}

// RemoveByPattern removes every line containing substring.
func (m *MemCrontab) RemoveByPattern(ctx context.Context, substring string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RemoveCalls = append(m.RemoveCalls, substring)
	if m.RemoveError != nil {
		return 0, m.RemoveError
	}
	kept := m.lines[:0]
	removed := 0
	for _, l := range m.lines {
		if strings.Contains(l, substring) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	m.lines = kept
	return removed, nil
}

// ListEntries returns the current lines.
func (m *MemCrontab) ListEntries(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListError != nil {
		return nil, m.ListError
	}
	out := make([]string, len(m.lines))
	copy(out, m.lines)
	return out, nil
}

// Matching returns the lines containing substring.
func (m *MemCrontab) Matching(substring string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, l := range m.lines {
		if strings.Contains(l, substring) {
			out = append(out, l)
		}
	}
	return out
}

// ============================================================================
// Fake Liveness Client
// ============================================================================

// FakeLiveness is an in-memory liveness.Client that records the protocol
// interactions the scheduler and dispatcher perform.
type FakeLiveness struct {
	mu     sync.Mutex
	checks map[string]*liveness.Check

	// Error injection
	CreateError error
	CreateNil   bool // simulate auth failure: (nil, nil)
	PingFails   bool
	DeleteFails bool

	// Call tracking
	Pings   []string
	Deletes []string
}

// NewFakeLiveness builds an empty fake.
func NewFakeLiveness() *FakeLiveness {
	return &FakeLiveness{checks: make(map[string]*liveness.Check)}
}

// CreateCheck registers a check in state "new".
func (f *FakeLiveness) CreateCheck(ctx context.Context, name, cronSchedule, timezone string, graceSeconds int, channelID string) (*liveness.Check, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateError != nil {
		return nil, f.CreateError
	}
	if f.CreateNil {
		return nil, nil
	}
	id := uuid.NewString()
	check := &liveness.Check{
		UUID:     id,
		Name:     name,
		Schedule: cronSchedule,
		Timezone: timezone,
		Grace:    graceSeconds,
		Status:   "new",
		PingURL:  fmt.Sprintf("https://hc.invalid/ping/%s", id),
	}
	f.checks[id] = check
	return check, nil
}

// Ping arms the check addressed by pingURL.
func (f *FakeLiveness) Ping(ctx context.Context, pingURL string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pings = append(f.Pings, pingURL)
	if f.PingFails {
		return false
	}
	for _, c := range f.checks {
		if c.PingURL == pingURL {
			c.Status = "up"
		}
	}
	return true
}

// Delete removes a check; missing checks still count as success.
func (f *FakeLiveness) Delete(ctx context.Context, uuid string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deletes = append(f.Deletes, uuid)
	if f.DeleteFails {
		return false
	}
	delete(f.checks, uuid)
	return true
}

// GetCheck reads one check, or nil when absent.
func (f *FakeLiveness) GetCheck(ctx context.Context, uuid string) (*liveness.Check, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.checks[uuid]
	if !ok {
		return nil, nil
	}
	cc := *c
	return &cc, nil
}

// Count returns the number of live checks.
func (f *FakeLiveness) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.checks)
}

// ============================================================================
// Spy Webhook
// ============================================================================

// SpyWebhook records triggered equipment events.
type SpyWebhook struct {
	mu     sync.Mutex
	Events []string

	// Error injection
	TriggerError error
}

// Trigger records the event.
func (s *SpyWebhook) Trigger(ctx context.Context, event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TriggerError != nil {
		return s.TriggerError
	}
	s.Events = append(s.Events, event)
	return nil
}

// Triggered returns the recorded events.
func (s *SpyWebhook) Triggered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Events))
	copy(out, s.Events)
	return out
}

// ============================================================================
// Spy Supervisor
// ============================================================================

// SpySupervisor records control-loop cancellations.
type SpySupervisor struct {
	mu          sync.Mutex
	CancelCalls int
	CancelError error
}

// CancelTargetControl records the call.
func (s *SpySupervisor) CancelTargetControl(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelCalls++
	return s.CancelError
}

// Cancels returns how many times cancellation was requested.
func (s *SpySupervisor) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CancelCalls
}

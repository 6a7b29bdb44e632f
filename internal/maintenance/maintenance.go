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

// Package maintenance holds the idempotent deploy-time setup and the monthly
// housekeeping the setup installs: log rotation, event pruning, the
// singleton liveness check that proves the cron layer itself is alive, and
// explicit cleanup of orphaned crontab entries.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"github.com/soakworks/tubd/internal/crontab"
	"github.com/soakworks/tubd/internal/events"
	"github.com/soakworks/tubd/internal/jobstore"
	"github.com/soakworks/tubd/internal/liveness"
	"github.com/soakworks/tubd/internal/statefile"
)

// rotationTag identifies the monthly rotation crontab entry.
const rotationTag = crontab.Tag + "log-rotation"

// rotationSchedule fires at 03:00 on the first of the month.
const rotationSchedule = "0 3 1 * *"

// rotationGraceSeconds is deliberately huge: the rotation window is monthly,
// a few hours of slack costs nothing.
const rotationGraceSeconds = 6 * 60 * 60

// eventRetention bounds the heating-event log pruned during rotation.
const eventRetention = 365 * 24 * time.Hour

// CheckState is the persisted singleton record for the maintenance check,
// the idempotency anchor for deploy-time setup.
type CheckState struct {
	UUID      string    `json:"uuid"`
	PingURL   string    `json:"ping_url"`
	CreatedAt time.Time `json:"created_at"`
}

// SetupResult reports which halves of the setup ran.
type SetupResult struct {
	CronCreated        bool `json:"cron_created"`
	HealthcheckCreated bool `json:"healthcheck_created"`
}

// RotateResult reports one rotation run.
type RotateResult struct {
	PrunedEvents int64 `json:"pruned_events"`
	Pinged       bool  `json:"pinged"`
}

// Manager owns maintenance state and operations.
type Manager struct {
	cron      crontab.Adapter
	live      liveness.Client
	store     *jobstore.Store
	events    *events.Store
	checkFile *statefile.File
	script    string
	timezone  string
	channel   string
	log       logr.Logger
	now       func() time.Time
}

// NewManager wires maintenance.
func NewManager(dataDir string, cron crontab.Adapter, live liveness.Client, store *jobstore.Store, ev *events.Store, rotationScript, timezone, channel string, log logr.Logger) (*Manager, error) {
	cf, err := statefile.New(filepath.Join(dataDir, "maintenance-check.json"))
	if err != nil {
		return nil, err
	}
	return &Manager{
		cron:      cron,
		live:      live,
		store:     store,
		events:    ev,
		checkFile: cf,
		script:    rotationScript,
		timezone:  timezone,
		channel:   channel,
		log:       log.WithName("maintenance"),
		now:       time.Now,
	}, nil
}

// Setup is the idempotent deploy-time bootstrap: install the monthly
// rotation crontab entry and its liveness check exactly once each. It
// succeeds even when the liveness half fails — the cron half is what keeps
// logs rotating.
func (m *Manager) Setup(ctx context.Context) (SetupResult, error) {
	var result SetupResult

	lines, err := m.cron.ListEntries(ctx)
	if err != nil {
		return result, err
	}
	installed := false
	for _, l := range lines {
		if _, ok := crontab.TaggedEntries([]string{l})["log-rotation"]; ok {
			installed = true
			break
		}
	}
	if !installed {
		line := fmt.Sprintf("%s %s # %s", rotationSchedule, m.script, rotationTag)
		if err := m.cron.AddEntry(ctx, line); err != nil {
			return result, err
		}
		result.CronCreated = true
		m.log.Info("installed log-rotation crontab entry")
	}

	var state CheckState
	err = m.checkFile.Read(&state)
	if err == nil && state.UUID != "" {
		return result, nil
	}
	if err != nil && !errors.Is(err, statefile.ErrNotFound) {
		return result, err
	}

	check, err := m.live.CreateCheck(ctx, "maintenance log-rotation", rotationSchedule, m.timezone, rotationGraceSeconds, m.channel)
	if err != nil || check == nil {
		if err != nil {
			m.log.Error(err, "creating maintenance liveness check, setup continues without it")
		}
		return result, nil
	}
	if !m.live.Ping(ctx, check.PingURL) {
		m.log.Info("arming maintenance check failed")
	}

	state = CheckState{UUID: check.UUID, PingURL: check.PingURL, CreatedAt: m.now().UTC()}
	if err := m.checkFile.Write(ctx, &state); err != nil {
		return result, err
	}
	result.HealthcheckCreated = true
	m.log.Info("created maintenance liveness check", "uuid", check.UUID)
	return result, nil
}

// RotateLogs is the monthly housekeeping tick: prune the heating-event log
// and ping the maintenance check to prove the whole cron path still works.
func (m *Manager) RotateLogs(ctx context.Context) (RotateResult, error) {
	var result RotateResult

	if m.events != nil {
		pruned, err := m.events.Prune(ctx, m.now().Add(-eventRetention))
		if err != nil {
			return result, fmt.Errorf("pruning heating events: %w", err)
		}
		result.PrunedEvents = pruned
	}

	var state CheckState
	if err := m.checkFile.Read(&state); err == nil && state.PingURL != "" {
		result.Pinged = m.live.Ping(ctx, state.PingURL)
	}
	m.log.Info("rotation complete", "prunedEvents", result.PrunedEvents, "pinged", result.Pinged)
	return result, nil
}

// CleanupOrphans removes tagged crontab lines that have no backing job
// record. This is the explicit maintenance path; listing only reports them.
func (m *Manager) CleanupOrphans(ctx context.Context) ([]string, error) {
	lines, err := m.cron.ListEntries(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	for id := range crontab.TaggedEntries(lines) {
		if id == "log-rotation" {
			continue
		}
		if _, err := m.store.Load(ctx, id); errors.Is(err, jobstore.ErrJobNotFound) {
			if _, rerr := m.cron.RemoveByPattern(ctx, crontab.Tag+id); rerr != nil {
				return removed, rerr
			}
			removed = append(removed, id)
			m.log.Info("removed orphaned crontab entry", "id", id)
		}
	}
	return removed, nil
}

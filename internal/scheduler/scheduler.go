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

// Package scheduler turns user scheduling requests into durable jobs: a
// record in the job store, a tagged crontab entry that fires the out-of-band
// dispatcher, and an armed liveness check that alerts when the dispatch
// never happens. The crontab is the source of truth for what will fire;
// restarts need no reconciliation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-logr/logr"

	"github.com/soakworks/tubd/internal/crontab"
	"github.com/soakworks/tubd/internal/jobstore"
	"github.com/soakworks/tubd/internal/liveness"
	"github.com/soakworks/tubd/internal/metrics"
	"github.com/soakworks/tubd/internal/timeconv"
)

// Schedulable actions and the endpoints the dispatcher POSTs to.
var actionEndpoints = map[string]string{
	"heater-on":         "/api/equipment/heater/on",
	"heater-off":        "/api/equipment/heater/off",
	"pump-run":          "/api/equipment/pump/run",
	"heat-to-target":    "/api/equipment/heat-to-target",
	"heat-target-check": "/api/maintenance/heat-target-check",
	"maintenance":       "/api/maintenance/rotate-logs",
	"blinds-up":         "/api/equipment/blinds/up",
	"blinds-down":       "/api/equipment/blinds/down",
}

// heatingActions participate in the overlap policy: two jobs whose projected
// heating windows intersect would fight over the same heater.
var heatingActions = map[string]bool{
	"heater-on":      true,
	"heat-to-target": true,
}

// Target temperature bounds for heat-to-target, quarter-degree resolution.
const (
	MinTargetTempF = 80.0
	MaxTargetTempF = 110.0
)

// Errors surfaced to the HTTP layer.
var (
	ErrInvalidAction       = errors.New("invalid action")
	ErrInvalidParams       = errors.New("invalid params")
	ErrOverlappingSchedule = errors.New("overlapping schedule")
	ErrJobNotFound         = jobstore.ErrJobNotFound
	ErrInvalidScheduleTime = timeconv.ErrInvalidScheduleTime
)

// Options carries the static scheduler configuration.
type Options struct {
	APIBaseURL     string
	DispatcherPath string
	Channel        string
	GraceSeconds   int
	OverlapWindow  time.Duration
	Location       *time.Location
}

// Scheduler orchestrates the job store, crontab, time converter, and
// liveness client.
type Scheduler struct {
	store *jobstore.Store
	cron  crontab.Adapter
	live  liveness.Client
	opts  Options
	log   logr.Logger
	now   func() time.Time
}

// New builds a scheduler.
func New(store *jobstore.Store, cron crontab.Adapter, live liveness.Client, opts Options, log logr.Logger) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Scheduler{
		store: store,
		cron:  cron,
		live:  live,
		opts:  opts,
		log:   log.WithName("scheduler"),
		now:   time.Now,
	}
}

// JobInfo is a job joined with its next projected firing.
type JobInfo struct {
	jobstore.Job
	NextRun *time.Time `json:"nextRun,omitempty"`
}

// ListResult is the outcome of List: live jobs plus crontab entries that
// carry the service tag but have no backing record. Orphans are only
// reported here; explicit maintenance cleans them.
type ListResult struct {
	Jobs    []JobInfo `json:"jobs"`
	Orphans []string  `json:"orphans,omitempty"`
}

// Schedule validates the request, assigns an id, converts the time, creates
// and arms a liveness check, persists the record, and installs the crontab
// line. If persistence or the crontab install fails partway, everything
// already created is rolled back: success implies record + crontab +
// (optionally) monitoring.
func (s *Scheduler) Schedule(ctx context.Context, action, scheduledTime string, recurring bool, params map[string]any) (*jobstore.Job, error) {
	endpoint, ok := actionEndpoints[action]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	if err := validateParams(action, params); err != nil {
		return nil, err
	}

	now := s.now()
	var cronExpr string
	var firstRun time.Time
	if recurring {
		if !timeconv.IsDaily(scheduledTime) {
			return nil, fmt.Errorf("%w: recurring jobs take HH:MM or HH:MM±HH:MM, got %q", ErrInvalidScheduleTime, scheduledTime)
		}
		expr, err := timeconv.DailyToUTCCron(scheduledTime, now, s.opts.Location)
		if err != nil {
			return nil, err
		}
		cronExpr = expr
		firstRun, err = timeconv.NextRun(cronExpr, now)
		if err != nil {
			return nil, err
		}
	} else {
		instant, err := timeconv.ParseInstant(scheduledTime, now)
		if err != nil {
			return nil, err
		}
		cronExpr = timeconv.InstantToUTCCron(instant)
		firstRun = instant.UTC()
	}

	if err := s.checkOverlap(ctx, action, firstRun); err != nil {
		return nil, err
	}

	job := jobstore.Job{
		ID:            jobstore.NewJobID(recurring),
		Action:        action,
		Endpoint:      endpoint,
		APIBaseURL:    s.opts.APIBaseURL,
		ScheduledTime: scheduledTime,
		Recurring:     recurring,
		CreatedAt:     now.UTC(),
		Params:        params,
	}

	// Monitoring first, outside the store and crontab locks: the create is
	// a slow network call, and its failure must not fail scheduling.
	kind := "ONCE"
	if recurring {
		kind = "DAILY"
	}
	check, err := s.live.CreateCheck(ctx, fmt.Sprintf("%s %s %s", job.ID, action, kind), cronExpr, "UTC", s.opts.GraceSeconds, s.opts.Channel)
	if err != nil {
		metrics.LivenessFailures.WithLabelValues("create").Inc()
		s.log.Error(err, "creating liveness check, scheduling continues unmonitored", "job", job.ID)
		check = nil
	}
	if check != nil {
		job.HealthcheckUUID = check.UUID
		if recurring {
			job.HealthcheckPingURL = check.PingURL
		}
		// The first ping arms the alert clock; an unpinged check never
		// alerts.
		if !s.live.Ping(ctx, check.PingURL) {
			metrics.LivenessFailures.WithLabelValues("ping").Inc()
		}
	}

	if err := s.store.Save(ctx, job); err != nil {
		s.rollback(ctx, job, false)
		return nil, err
	}
	if err := s.cron.AddEntry(ctx, crontab.Line(cronExpr, s.opts.DispatcherPath, job.ID)); err != nil {
		s.rollback(ctx, job, true)
		return nil, err
	}

	metrics.JobsScheduled.WithLabelValues(action, kindLabel(recurring)).Inc()
	s.log.Info("scheduled job", "job", job.ID, "action", action, "cron", cronExpr, "recurring", recurring)
	return &job, nil
}

// ScheduleEvery installs a recurring job on a raw minute interval instead of
// a daily wall-clock time. The target-temperature loop uses it for its
// check tick. The interval expression is stored as the job's scheduledTime.
func (s *Scheduler) ScheduleEvery(ctx context.Context, action string, everyMinutes int, params map[string]any) (*jobstore.Job, error) {
	endpoint, ok := actionEndpoints[action]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	if everyMinutes < 1 || everyMinutes > 59 {
		return nil, fmt.Errorf("%w: interval %d minutes out of range", ErrInvalidScheduleTime, everyMinutes)
	}
	cronExpr := fmt.Sprintf("*/%d * * * *", everyMinutes)
	if err := timeconv.Validate(cronExpr); err != nil {
		return nil, err
	}

	job := jobstore.Job{
		ID:            jobstore.NewJobID(true),
		Action:        action,
		Endpoint:      endpoint,
		APIBaseURL:    s.opts.APIBaseURL,
		ScheduledTime: cronExpr,
		Recurring:     true,
		CreatedAt:     s.now().UTC(),
		Params:        params,
	}

	check, err := s.live.CreateCheck(ctx, fmt.Sprintf("%s %s DAILY", job.ID, action), cronExpr, "UTC", s.opts.GraceSeconds, s.opts.Channel)
	if err != nil {
		metrics.LivenessFailures.WithLabelValues("create").Inc()
		s.log.Error(err, "creating liveness check, scheduling continues unmonitored", "job", job.ID)
		check = nil
	}
	if check != nil {
		job.HealthcheckUUID = check.UUID
		job.HealthcheckPingURL = check.PingURL
		if !s.live.Ping(ctx, check.PingURL) {
			metrics.LivenessFailures.WithLabelValues("ping").Inc()
		}
	}

	if err := s.store.Save(ctx, job); err != nil {
		s.rollback(ctx, job, false)
		return nil, err
	}
	if err := s.cron.AddEntry(ctx, crontab.Line(cronExpr, s.opts.DispatcherPath, job.ID)); err != nil {
		s.rollback(ctx, job, true)
		return nil, err
	}

	metrics.JobsScheduled.WithLabelValues(action, "interval").Inc()
	s.log.Info("scheduled interval job", "job", job.ID, "action", action, "cron", cronExpr)
	return &job, nil
}

// List reads the store and joins against the crontab. Tagged entries with no
// record are reported as orphans (the maintenance log-rotation entry is its
// own singleton, not an orphan).
func (s *Scheduler) List(ctx context.Context) (*ListResult, error) {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	result := &ListResult{Jobs: make([]JobInfo, 0, len(jobs))}
	known := map[string]bool{"log-rotation": true}
	now := s.now()
	for _, job := range jobs {
		known[job.ID] = true
		info := JobInfo{Job: job}
		if next, err := s.nextRun(job, now); err == nil {
			info.NextRun = &next
		}
		result.Jobs = append(result.Jobs, info)
	}

	lines, err := s.cron.ListEntries(ctx)
	if err != nil {
		s.log.Error(err, "listing crontab for orphan detection")
		return result, nil
	}
	for id := range crontab.TaggedEntries(lines) {
		if !known[id] {
			result.Orphans = append(result.Orphans, id)
		}
	}
	return result, nil
}

// Cancel removes the crontab line, the liveness check, and the record. When
// the job is half of a ready-by pair, its partner goes too: the pair is
// cancelled atomically or not at all.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	job, err := s.store.Load(ctx, id)
	if err != nil {
		return err
	}

	if err := s.cancelOne(ctx, job); err != nil {
		return err
	}

	if pairID, ok := job.Params["pair_id"].(string); ok && pairID != "" {
		if partner := s.findPairPartner(ctx, pairID, job.ID); partner != nil {
			if err := s.cancelOne(ctx, partner); err != nil {
				return fmt.Errorf("cancelling pair partner %s: %w", partner.ID, err)
			}
		}
	}
	return nil
}

func (s *Scheduler) cancelOne(ctx context.Context, job *jobstore.Job) error {
	if _, err := s.cron.RemoveByPattern(ctx, crontab.Tag+job.ID); err != nil {
		return err
	}
	if job.HealthcheckUUID != "" {
		if !s.live.Delete(ctx, job.HealthcheckUUID) {
			metrics.LivenessFailures.WithLabelValues("delete").Inc()
			s.log.Info("liveness check delete failed, continuing cancel", "job", job.ID, "uuid", job.HealthcheckUUID)
		}
	}
	if err := s.store.Delete(ctx, job.ID); err != nil && !errors.Is(err, jobstore.ErrJobNotFound) {
		return err
	}
	metrics.JobsCancelled.Inc()
	s.log.Info("cancelled job", "job", job.ID)
	return nil
}

// CancelByAction cancels every job with the given action and returns their
// ids. The target-temperature service uses it to guarantee no check tick
// survives a cancel, even when its own state file went missing.
func (s *Scheduler) CancelByAction(ctx context.Context, action string) ([]string, error) {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var cancelled []string
	for i := range jobs {
		if jobs[i].Action != action {
			continue
		}
		if err := s.cancelOne(ctx, &jobs[i]); err != nil {
			return cancelled, err
		}
		cancelled = append(cancelled, jobs[i].ID)
	}
	return cancelled, nil
}

func (s *Scheduler) findPairPartner(ctx context.Context, pairID, selfID string) *jobstore.Job {
	jobs, err := s.store.List(ctx)
	if err != nil {
		s.log.Error(err, "listing jobs for pair cancel", "pair", pairID)
		return nil
	}
	for i := range jobs {
		if jobs[i].ID == selfID {
			continue
		}
		if p, ok := jobs[i].Params["pair_id"].(string); ok && p == pairID {
			return &jobs[i]
		}
	}
	return nil
}

// rollback undoes a partially applied schedule. Best effort: the goal is
// never to leave a record pointing at a check with no crontab line.
func (s *Scheduler) rollback(ctx context.Context, job jobstore.Job, recordSaved bool) {
	if recordSaved {
		if err := s.store.Delete(ctx, job.ID); err != nil && !errors.Is(err, jobstore.ErrJobNotFound) {
			s.log.Error(err, "rollback: deleting job record", "job", job.ID)
		}
	}
	if _, err := s.cron.RemoveByPattern(ctx, crontab.Tag+job.ID); err != nil {
		s.log.Error(err, "rollback: removing crontab line", "job", job.ID)
	}
	if job.HealthcheckUUID != "" && !s.live.Delete(ctx, job.HealthcheckUUID) {
		s.log.Info("rollback: liveness check delete failed", "job", job.ID, "uuid", job.HealthcheckUUID)
	}
}

// checkOverlap rejects a heating job whose projected window intersects an
// existing heating job's window.
func (s *Scheduler) checkOverlap(ctx context.Context, action string, firstRun time.Time) error {
	if !heatingActions[action] {
		return nil
	}
	jobs, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	newStart := firstRun
	newEnd := firstRun.Add(s.opts.OverlapWindow)
	now := s.now()
	for _, job := range jobs {
		if !heatingActions[job.Action] {
			continue
		}
		start, err := s.nextRun(job, now)
		if err != nil {
			continue
		}
		end := start.Add(s.opts.OverlapWindow)
		if newStart.Before(end) && start.Before(newEnd) {
			return fmt.Errorf("%w: conflicts with %s at %s", ErrOverlappingSchedule, job.ID, start.Format(time.RFC3339))
		}
	}
	return nil
}

func (s *Scheduler) nextRun(job jobstore.Job, now time.Time) (time.Time, error) {
	// Interval jobs store the raw cron expression directly.
	if timeconv.Validate(job.ScheduledTime) == nil {
		return timeconv.NextRun(job.ScheduledTime, now)
	}
	expr, err := timeconv.LocalToUTCCron(job.ScheduledTime, now.Add(-time.Minute), s.opts.Location)
	if err != nil {
		return time.Time{}, err
	}
	return timeconv.NextRun(expr, now)
}

func validateParams(action string, params map[string]any) error {
	if action != "heat-to-target" {
		return nil
	}
	target, ok := floatParam(params, "target_temp_f")
	if !ok {
		return fmt.Errorf("%w: heat-to-target requires target_temp_f", ErrInvalidParams)
	}
	return ValidateTargetTemp(target)
}

// ValidateTargetTemp enforces the [80, 110] range at quarter-degree
// resolution.
func ValidateTargetTemp(target float64) error {
	if target < MinTargetTempF || target > MaxTargetTempF {
		return fmt.Errorf("%w: target_temp_f %v outside [%v, %v]", ErrInvalidParams, target, MinTargetTempF, MaxTargetTempF)
	}
	if quarters := target * 4; math.Abs(quarters-math.Round(quarters)) > 1e-9 {
		return fmt.Errorf("%w: target_temp_f %v is not a quarter-degree value", ErrInvalidParams, target)
	}
	return nil
}

func floatParam(params map[string]any, key string) (float64, bool) {
	if params == nil {
		return 0, false
	}
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func kindLabel(recurring bool) string {
	if recurring {
		return "recurring"
	}
	return "one-off"
}

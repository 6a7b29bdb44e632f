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

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/soakworks/tubd/internal/events"
	"github.com/soakworks/tubd/internal/jobstore"
	"github.com/soakworks/tubd/internal/sensors"
	"github.com/soakworks/tubd/internal/timeconv"
)

// assumedWaterTempF stands in when no water reading exists. Deliberately
// low: overestimating the rise starts heating early, never late.
const assumedWaterTempF = 60.0

// CharacteristicsSource supplies learned heating parameters. The event
// store's analyzer implements it.
type CharacteristicsSource interface {
	Characteristics(ctx context.Context) (events.Characteristics, error)
}

// WaterReader supplies the latest calibrated reading for a sensor role. The
// sensor manager implements it.
type WaterReader interface {
	Latest(ctx context.Context, role string) (*sensors.Reading, error)
}

// ReadyByPlanner turns "water at target by T" into a coordinated pair of
// jobs: start heating early enough, and switch off after a hold window.
type ReadyByPlanner struct {
	sched      *Scheduler
	chars      CharacteristicsSource
	water      WaterReader
	holdWindow time.Duration
	log        logr.Logger
}

// NewReadyByPlanner wires the planner.
func NewReadyByPlanner(sched *Scheduler, chars CharacteristicsSource, water WaterReader, holdWindow time.Duration, log logr.Logger) *ReadyByPlanner {
	return &ReadyByPlanner{
		sched:      sched,
		chars:      chars,
		water:      water,
		holdWindow: holdWindow,
		log:        log.WithName("ready-by"),
	}
}

// Plan is the derived schedule for one ready-by request.
type Plan struct {
	ReadyBy         string  `json:"ready_by_time"`
	TargetTempF     float64 `json:"target_temp_f"`
	StartTime       string  `json:"start_time"`
	AutoOffTime     string  `json:"auto_off_time"`
	HeatDurationMin float64 `json:"heat_duration_min"`
	VelocityFPerMin float64 `json:"velocity_f_per_min"`
}

// Plan derives start and auto-off times from the learned heating
// characteristics without scheduling anything.
func (p *ReadyByPlanner) Plan(ctx context.Context, readyBy string, targetTempF float64) (*Plan, error) {
	if err := ValidateTargetTemp(targetTempF); err != nil {
		return nil, err
	}

	ch, err := p.chars.Characteristics(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading heating characteristics: %w", err)
	}

	current := assumedWaterTempF
	if r, err := p.water.Latest(ctx, sensors.RoleWater); err == nil && r != nil {
		current = r.TempF
	}

	rise := targetTempF - current
	if rise < 0 {
		rise = 0
	}
	durationMin := rise/ch.VelocityFPerMin + ch.StartupLagMin
	heatFor := time.Duration(durationMin * float64(time.Minute))

	start, off, err := shiftReadyBy(readyBy, heatFor, p.holdWindow, p.sched.now())
	if err != nil {
		return nil, err
	}

	return &Plan{
		ReadyBy:         readyBy,
		TargetTempF:     targetTempF,
		StartTime:       start,
		AutoOffTime:     off,
		HeatDurationMin: durationMin,
		VelocityFPerMin: ch.VelocityFPerMin,
	}, nil
}

// Schedule plans and installs the pair atomically: if the auto-off job
// cannot be scheduled, the heat job is cancelled before the error returns.
// Both jobs share a pair_id so cancelling either cancels both.
func (p *ReadyByPlanner) Schedule(ctx context.Context, readyBy string, targetTempF float64, recurring bool) (*Plan, []jobstore.Job, error) {
	plan, err := p.Plan(ctx, readyBy, targetTempF)
	if err != nil {
		return nil, nil, err
	}

	pairID := uuid.NewString()
	heatJob, err := p.sched.Schedule(ctx, "heat-to-target", plan.StartTime, recurring, map[string]any{
		"target_temp_f": targetTempF,
		"ready_by_time": readyBy,
		"pair_id":       pairID,
	})
	if err != nil {
		return nil, nil, err
	}

	offJob, err := p.sched.Schedule(ctx, "heater-off", plan.AutoOffTime, recurring, map[string]any{
		"ready_by_time": readyBy,
		"pair_id":       pairID,
	})
	if err != nil {
		if cerr := p.sched.Cancel(ctx, heatJob.ID); cerr != nil {
			p.log.Error(cerr, "rolling back heat job after pair failure", "job", heatJob.ID)
		}
		return nil, nil, fmt.Errorf("scheduling auto-off half of pair: %w", err)
	}

	return plan, []jobstore.Job{*heatJob, *offJob}, nil
}

// shiftReadyBy maps the ready-by input to (start, off) inputs of the same
// shape: daily wall-clock inputs stay daily, instants stay instants.
func shiftReadyBy(readyBy string, heatFor, hold time.Duration, now time.Time) (start, off string, err error) {
	if timeconv.IsDaily(readyBy) {
		if start, err = timeconv.ShiftWallClock(readyBy, -heatFor); err != nil {
			return "", "", err
		}
		if off, err = timeconv.ShiftWallClock(readyBy, hold); err != nil {
			return "", "", err
		}
		return start, off, nil
	}

	instant, err := timeconv.ParseInstant(readyBy, now)
	if err != nil {
		return "", "", err
	}
	startAt := instant.Add(-heatFor)
	if !startAt.After(now) {
		return "", "", fmt.Errorf("%w: heating would need to start at %s, which is in the past", timeconv.ErrInvalidScheduleTime, startAt.Format(time.RFC3339))
	}
	return startAt.Format(time.RFC3339), instant.Add(hold).Format(time.RFC3339), nil
}

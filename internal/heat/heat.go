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

// Package heat is the closed-loop target-temperature controller. It owns no
// timer: the host cron fires its periodic check through the HTTP service, so
// a crash of the service never silently stalls the loop — the liveness check
// on the tick job alerts instead. State transitions persist to disk before
// equipment is commanded; a crash in between is reconciled by the next tick.
package heat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/soakworks/tubd/internal/equipment"
	"github.com/soakworks/tubd/internal/jobstore"
	"github.com/soakworks/tubd/internal/metrics"
	"github.com/soakworks/tubd/internal/scheduler"
	"github.com/soakworks/tubd/internal/sensors"
	"github.com/soakworks/tubd/internal/statefile"
)

// Check outcomes annotated on the state returned to callers.
const (
	StatusOK            = "ok"
	StatusInactive      = "inactive"
	StatusSensorMissing = "sensor-missing"
	StatusSensorStale   = "sensor-stale"
)

// State is the persisted control-loop record, replaced on each transition.
type State struct {
	Active          bool       `json:"active"`
	TargetTempF     *float64   `json:"target_temp_f"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	HeaterTurnedOn  bool       `json:"heater_turned_on"`
	HeaterTurnedOff bool       `json:"heater_turned_off"`
	TargetReached   bool       `json:"target_reached"`
	CheckJobID      string     `json:"checkJobId,omitempty"`
}

// CheckResult is one tick's outcome.
type CheckResult struct {
	State      State    `json:"state"`
	Status     string   `json:"status"`
	WaterTempF *float64 `json:"water_temp_f,omitempty"`
}

// EquipmentController is the slice of the equipment controller the loop
// needs. LoopHeaterOff keeps the loop alive; the manual HeaterOff would
// cancel it.
type EquipmentController interface {
	HeaterOn(ctx context.Context) error
	LoopHeaterOff(ctx context.Context) error
	Status(ctx context.Context) (equipment.Status, error)
}

// JobScheduler installs and removes the recurring check tick.
type JobScheduler interface {
	ScheduleEvery(ctx context.Context, action string, everyMinutes int, params map[string]any) (*jobstore.Job, error)
	Cancel(ctx context.Context, id string) error
	CancelByAction(ctx context.Context, action string) ([]string, error)
}

// Options carries the loop configuration. Deadband and interval are
// required; config validation refuses zero values.
type Options struct {
	CheckIntervalMin int
	DeadbandF        float64
	SensorStaleAfter time.Duration
}

// Service runs the control loop.
type Service struct {
	mu        sync.Mutex
	stateFile *statefile.File
	equip     EquipmentController
	sched     JobScheduler
	sensors   *sensors.Manager
	opts      Options
	log       logr.Logger
	now       func() time.Time
}

// NewService wires the loop. State lives in dataDir.
func NewService(dataDir string, equip EquipmentController, sched JobScheduler, sm *sensors.Manager, opts Options, log logr.Logger) (*Service, error) {
	sf, err := statefile.New(filepath.Join(dataDir, "target-temp.json"))
	if err != nil {
		return nil, err
	}
	return &Service{
		stateFile: sf,
		equip:     equip,
		sched:     sched,
		sensors:   sm,
		opts:      opts,
		log:       log.WithName("heat"),
		now:       time.Now,
	}, nil
}

// State returns the current loop state.
func (s *Service) State(ctx context.Context) (State, error) {
	var st State
	if err := s.stateFile.Read(&st); err != nil && !errors.Is(err, statefile.ErrNotFound) {
		return State{}, err
	}
	return st, nil
}

// Start activates the loop toward target. Starting while already active
// updates the target but installs no second check cron. The state is on
// disk before the heater is commanded.
func (s *Service) Start(ctx context.Context, targetTempF float64) (State, error) {
	if err := scheduler.ValidateTargetTemp(targetTempF); err != nil {
		return State{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.State(ctx)
	if err != nil {
		return State{}, err
	}

	if st.Active {
		st.TargetTempF = &targetTempF
		st.TargetReached = false
		if err := s.stateFile.Write(ctx, &st); err != nil {
			return State{}, err
		}
		s.log.Info("target updated on active loop", "target", targetTempF)
		return st, nil
	}

	now := s.now().UTC()
	st = State{
		Active:      true,
		TargetTempF: &targetTempF,
		StartedAt:   &now,
	}

	job, err := s.sched.ScheduleEvery(ctx, "heat-target-check", s.opts.CheckIntervalMin, nil)
	if err != nil {
		return State{}, fmt.Errorf("installing check cron: %w", err)
	}
	st.CheckJobID = job.ID

	if err := s.stateFile.Write(ctx, &st); err != nil {
		if cerr := s.sched.Cancel(ctx, job.ID); cerr != nil {
			s.log.Error(cerr, "removing check cron after state write failure", "job", job.ID)
		}
		return State{}, err
	}

	// Water already at or above target goes straight to holding: zero
	// heater-on calls, the ticks take over from here.
	if reading := s.freshReading(ctx); reading != nil && reading.TempF >= targetTempF {
		st.TargetReached = true
		if err := s.stateFile.Write(ctx, &st); err != nil {
			return State{}, err
		}
		metrics.TargetControlActive.Set(1)
		s.log.Info("target control started holding, water already at target", "water", reading.TempF, "target", targetTempF)
		return st, nil
	}

	if err := s.equip.HeaterOn(ctx); err != nil {
		// The state is active and the tick is installed; the next check
		// will retry the heater. Surface the failure anyway.
		s.log.Error(err, "heater-on at loop start failed, next check will retry")
		return st, err
	}

	st.HeaterTurnedOn = true
	if err := s.stateFile.Write(ctx, &st); err != nil {
		return State{}, err
	}
	metrics.TargetControlActive.Set(1)
	s.log.Info("target control started", "target", targetTempF, "checkJob", job.ID)
	return st, nil
}

// freshReading returns the latest water reading if it is usable for a
// control decision.
func (s *Service) freshReading(ctx context.Context) *sensors.Reading {
	reading, err := s.sensors.Latest(ctx, sensors.RoleWater)
	if err != nil || reading == nil {
		return nil
	}
	if s.now().Sub(reading.RecordedAt) > s.opts.SensorStaleAfter {
		return nil
	}
	return reading
}

// Stop deactivates the loop and removes the check cron. The heater is left
// as-is; turning it off is the equipment controller's business.
func (s *Service) Stop(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deactivate(ctx)
}

// CancelTargetControl implements the supervisor capability the equipment
// controller invokes on manual heater-off. Without it, the next check tick
// would turn the heater right back on.
func (s *Service) CancelTargetControl(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.deactivate(ctx)
	return err
}

func (s *Service) deactivate(ctx context.Context) (State, error) {
	st, err := s.State(ctx)
	if err != nil {
		return State{}, err
	}
	if !st.Active && st.CheckJobID == "" {
		return st, nil
	}

	// Cancel by action rather than by the remembered id: every check tick
	// must go, including ones a lost or stale state file no longer knows
	// about.
	if _, err := s.sched.CancelByAction(ctx, "heat-target-check"); err != nil && !errors.Is(err, jobstore.ErrJobNotFound) {
		s.log.Error(err, "removing check crons")
	}

	st.Active = false
	st.CheckJobID = ""
	if err := s.stateFile.Write(ctx, &st); err != nil {
		return State{}, err
	}
	metrics.TargetControlActive.Set(0)
	s.log.Info("target control stopped")
	return st, nil
}

// Check is the periodic tick the host cron fires. Missing or stale sensor
// data never toggles equipment.
func (s *Service) Check(ctx context.Context) (CheckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.State(ctx)
	if err != nil {
		return CheckResult{}, err
	}
	if !st.Active || st.TargetTempF == nil {
		return CheckResult{State: st, Status: StatusInactive}, nil
	}

	reading, err := s.sensors.Latest(ctx, sensors.RoleWater)
	if err != nil {
		return CheckResult{}, err
	}
	if reading == nil {
		s.log.Info("no water reading, skipping check")
		return CheckResult{State: st, Status: StatusSensorMissing}, nil
	}
	if age := s.now().Sub(reading.RecordedAt); age > s.opts.SensorStaleAfter {
		s.log.Info("water reading stale, skipping check", "age", age.Round(time.Second).String())
		return CheckResult{State: st, Status: StatusSensorStale}, nil
	}

	metrics.WaterTempF.Set(reading.TempF)
	target := *st.TargetTempF

	equipStatus, err := s.equip.Status(ctx)
	if err != nil {
		return CheckResult{}, err
	}
	heaterOn := equipStatus.Heater.On

	switch {
	case reading.TempF < target-s.opts.DeadbandF && !heaterOn:
		st.HeaterTurnedOn = true
		st.HeaterTurnedOff = false
		if err := s.stateFile.Write(ctx, &st); err != nil {
			return CheckResult{}, err
		}
		if err := s.equip.HeaterOn(ctx); err != nil {
			s.log.Error(err, "heater-on during check failed")
			return CheckResult{State: st, Status: StatusOK, WaterTempF: &reading.TempF}, err
		}
		s.log.Info("below target, heater on", "water", reading.TempF, "target", target)

	case reading.TempF >= target && heaterOn:
		st.TargetReached = true
		st.HeaterTurnedOff = true
		if err := s.stateFile.Write(ctx, &st); err != nil {
			return CheckResult{}, err
		}
		if err := s.equip.LoopHeaterOff(ctx); err != nil {
			s.log.Error(err, "heater-off during check failed")
			return CheckResult{State: st, Status: StatusOK, WaterTempF: &reading.TempF}, err
		}
		s.log.Info("target reached, heater off", "water", reading.TempF, "target", target)

	default:
		// Inside the deadband, or already doing the right thing.
		if reading.TempF >= target && !st.TargetReached {
			st.TargetReached = true
			if err := s.stateFile.Write(ctx, &st); err != nil {
				return CheckResult{}, err
			}
		}
	}

	return CheckResult{State: st, Status: StatusOK, WaterTempF: &reading.TempF}, nil
}

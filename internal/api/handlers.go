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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/soakworks/tubd/internal/crontab"
	"github.com/soakworks/tubd/internal/equipment"
	"github.com/soakworks/tubd/internal/events"
	"github.com/soakworks/tubd/internal/heat"
	"github.com/soakworks/tubd/internal/maintenance"
	"github.com/soakworks/tubd/internal/scheduler"
	"github.com/soakworks/tubd/internal/sensors"
)

// Handlers contains all API handlers
type Handlers struct {
	equip     *equipment.Controller
	heat      *heat.Service
	sched     *scheduler.Scheduler
	planner   *scheduler.ReadyByPlanner
	maint     *maintenance.Manager
	sensors   *sensors.Manager
	events    *events.Store
	startTime time.Time
}

// NewHandlers creates a new Handlers instance
func NewHandlers(equip *equipment.Controller, hs *heat.Service, sched *scheduler.Scheduler, planner *scheduler.ReadyByPlanner, maint *maintenance.Manager, sm *sensors.Manager, ev *events.Store, startTime time.Time) *Handlers {
	return &Handlers{
		equip:     equip,
		heat:      hs,
		sched:     sched,
		planner:   planner,
		maint:     maint,
		sensors:   sm,
		events:    ev,
		startTime: startTime,
	}
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeSchedulerError maps scheduler errors onto the HTTP error table.
func writeSchedulerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrInvalidAction),
		errors.Is(err, scheduler.ErrInvalidParams),
		errors.Is(err, scheduler.ErrInvalidScheduleTime):
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, scheduler.ErrOverlappingSchedule):
		writeError(w, http.StatusBadRequest, "OVERLAPPING_SCHEDULE", err.Error())
	case errors.Is(err, scheduler.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", err.Error())
	case errors.Is(err, crontab.ErrCrontabUnavailable):
		writeError(w, http.StatusInternalServerError, "CRONTAB_UNAVAILABLE", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// GetHealth handles GET /healthz
func (h *Handlers) GetHealth(w http.ResponseWriter, r *http.Request) {
	eventsStatus := "connected"
	if h.events != nil {
		if err := h.events.Health(r.Context()); err != nil {
			eventsStatus = "error: " + err.Error()
		}
	} else {
		eventsStatus = "not configured"
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Events:  eventsStatus,
		Version: Version,
		Uptime:  time.Since(h.startTime).Round(time.Second).String(),
	})
}

// ============================================================================
// Equipment Handlers
// ============================================================================

// PostHeaterOn handles POST /api/equipment/heater/on
func (h *Handlers) PostHeaterOn(w http.ResponseWriter, r *http.Request) {
	h.equipmentOp(w, r, h.equip.HeaterOn)
}

// PostHeaterOff handles POST /api/equipment/heater/off
func (h *Handlers) PostHeaterOff(w http.ResponseWriter, r *http.Request) {
	h.equipmentOp(w, r, h.equip.HeaterOff)
}

// PostPumpRun handles POST /api/equipment/pump/run
func (h *Handlers) PostPumpRun(w http.ResponseWriter, r *http.Request) {
	h.equipmentOp(w, r, h.equip.PumpRun)
}

// PostBlindsUp handles POST /api/equipment/blinds/up
func (h *Handlers) PostBlindsUp(w http.ResponseWriter, r *http.Request) {
	if err := h.equip.BlindsUp(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "EQUIPMENT_WEBHOOK_FAILURE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"blinds": "up"})
}

// PostBlindsDown handles POST /api/equipment/blinds/down
func (h *Handlers) PostBlindsDown(w http.ResponseWriter, r *http.Request) {
	if err := h.equip.BlindsDown(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "EQUIPMENT_WEBHOOK_FAILURE", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"blinds": "down"})
}

func (h *Handlers) equipmentOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context) error) {
	if err := op(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "EQUIPMENT_WEBHOOK_FAILURE", err.Error())
		return
	}
	status, err := h.equip.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GetEquipmentStatus handles GET /api/equipment/status
func (h *Handlers) GetEquipmentStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.equip.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ============================================================================
// Target-Temperature Handlers
// ============================================================================

// PostHeatToTarget handles POST /api/equipment/heat-to-target
func (h *Handlers) PostHeatToTarget(w http.ResponseWriter, r *http.Request) {
	var req HeatToTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid JSON body: "+err.Error())
		return
	}

	state, err := h.heat.Start(r.Context(), req.TargetTempF)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TargetStateResponse{State: state})
}

// DeleteHeatToTarget handles DELETE /api/equipment/heat-to-target
func (h *Handlers) DeleteHeatToTarget(w http.ResponseWriter, r *http.Request) {
	state, err := h.heat.Stop(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, TargetStateResponse{State: state})
}

// GetHeatToTarget handles GET /api/equipment/heat-to-target
func (h *Handlers) GetHeatToTarget(w http.ResponseWriter, r *http.Request) {
	state, err := h.heat.State(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, TargetStateResponse{State: state})
}

// PostHeatTargetCheck handles POST /api/maintenance/heat-target-check, the
// control-loop tick fired by the host cron. Stale sensor data is a 200 with
// an annotation, never an error: the tick ran, it just declined to act.
func (h *Handlers) PostHeatTargetCheck(w http.ResponseWriter, r *http.Request) {
	result, err := h.heat.Check(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ============================================================================
// Schedule Handlers
// ============================================================================

// PostSchedule handles POST /api/schedule
func (h *Handlers) PostSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid JSON body: "+err.Error())
		return
	}

	job, err := h.sched.Schedule(r.Context(), req.Action, req.ScheduledTime, req.Recurring, req.Params)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ScheduleResponse{
		JobID:         job.ID,
		Action:        job.Action,
		ScheduledTime: job.ScheduledTime,
		Recurring:     job.Recurring,
		Monitored:     job.HealthcheckUUID != "",
	})
}

// GetSchedule handles GET /api/schedule
func (h *Handlers) GetSchedule(w http.ResponseWriter, r *http.Request) {
	result, err := h.sched.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// DeleteSchedule handles DELETE /api/schedule/{jobId}
func (h *Handlers) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if err := h.sched.Cancel(r.Context(), jobID); err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cancelled": jobID})
}

// PostReadyBy handles POST /api/schedule/ready-by
func (h *Handlers) PostReadyBy(w http.ResponseWriter, r *http.Request) {
	var req ReadyByRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid JSON body: "+err.Error())
		return
	}
	if req.ReadyByTime == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "ready_by_time is required")
		return
	}

	plan, jobs, err := h.planner.Schedule(r.Context(), req.ReadyByTime, req.TargetTempF, req.Recurring)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	writeJSON(w, http.StatusCreated, ReadyByResponse{Plan: plan, JobIDs: ids})
}

// ============================================================================
// Maintenance Handlers
// ============================================================================

// PostRotateLogs handles POST /api/maintenance/rotate-logs
func (h *Handlers) PostRotateLogs(w http.ResponseWriter, r *http.Request) {
	result, err := h.maint.RotateLogs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PostCleanupOrphans handles POST /api/maintenance/cleanup-orphans
func (h *Handlers) PostCleanupOrphans(w http.ResponseWriter, r *http.Request) {
	removed, err := h.maint.CleanupOrphans(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, CleanupResponse{Removed: removed})
}

// ============================================================================
// Sensor Handlers
// ============================================================================

// GetSensors handles GET /api/sensors
func (h *Handlers) GetSensors(w http.ResponseWriter, r *http.Request) {
	list, err := h.sensors.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sensors": list})
}

// PutSensor handles PUT /api/sensors/{address}
func (h *Handlers) PutSensor(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	var req SensorAssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid JSON body: "+err.Error())
		return
	}

	cfg := sensors.Config{
		Address:            address,
		Role:               req.Role,
		CalibrationOffsetF: req.CalibrationOffsetF,
		Name:               req.Name,
	}
	if err := h.sensors.Assign(r.Context(), cfg); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// PostSensorReading handles POST /api/sensors/reading, the entry point for
// the asynchronous sensor loop.
func (h *Handlers) PostSensorReading(w http.ResponseWriter, r *http.Request) {
	var req SensorReadingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid JSON body: "+err.Error())
		return
	}
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "address is required")
		return
	}

	if err := h.sensors.RecordReading(r.Context(), req.Address, req.TempF, time.Now().UTC()); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soakworks/tubd/internal/dispatch"
	"github.com/soakworks/tubd/internal/equipment"
	"github.com/soakworks/tubd/internal/events"
	"github.com/soakworks/tubd/internal/heat"
	"github.com/soakworks/tubd/internal/jobstore"
	"github.com/soakworks/tubd/internal/maintenance"
	"github.com/soakworks/tubd/internal/scheduler"
	"github.com/soakworks/tubd/internal/sensors"
	"github.com/soakworks/tubd/internal/testutil"
)

// apiFixture wires the full service with in-memory collaborators.
type apiFixture struct {
	srv     *httptest.Server
	store   *jobstore.Store
	cron    *testutil.MemCrontab
	live    *testutil.FakeLiveness
	webhook *testutil.SpyWebhook
	sensors *sensors.Manager
	heat    *heat.Service
}

func newAPIFixture(t *testing.T) *apiFixture {
	log := logr.Discard()
	store, err := jobstore.Open(t.TempDir())
	require.NoError(t, err)

	ev, err := events.NewStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	require.NoError(t, ev.Init())
	t.Cleanup(func() { _ = ev.Close() })

	sm, err := sensors.NewManager(t.TempDir())
	require.NoError(t, err)

	f := &apiFixture{
		store:   store,
		cron:    &testutil.MemCrontab{},
		live:    testutil.NewFakeLiveness(),
		webhook: &testutil.SpyWebhook{},
		sensors: sm,
	}

	equipCtrl, err := equipment.NewController(t.TempDir(), f.webhook, ev, sm, log)
	require.NoError(t, err)

	sched := scheduler.New(store, f.cron, f.live, scheduler.Options{
		APIBaseURL:     "http://127.0.0.1:8080",
		DispatcherPath: "/usr/local/bin/tubdispatch",
		GraceSeconds:   120,
		OverlapWindow:  30 * time.Minute,
		Location:       time.UTC,
	}, log)

	heatSvc, err := heat.NewService(t.TempDir(), equipCtrl, sched, sm, heat.Options{
		CheckIntervalMin: 10,
		DeadbandF:        1.0,
		SensorStaleAfter: 15 * time.Minute,
	}, log)
	require.NoError(t, err)
	equipCtrl.SetSupervisor(heatSvc)
	f.heat = heatSvc

	planner := scheduler.NewReadyByPlanner(sched, ev, sm, 45*time.Minute, log)

	maint, err := maintenance.NewManager(t.TempDir(), f.cron, f.live, store, ev,
		"/usr/local/bin/tubd-rotate-logs", "UTC", "", log)
	require.NoError(t, err)

	server := NewServer(ServerOptions{
		Equipment: equipCtrl,
		Heat:      heatSvc,
		Scheduler: sched,
		Planner:   planner,
		Maint:     maint,
		Sensors:   sm,
		Events:    ev,
	})
	f.srv = httptest.NewServer(server.setupRoutes())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (f *apiFixture) setWater(t *testing.T, tempF float64) {
	ctx := context.Background()
	require.NoError(t, f.sensors.Assign(ctx, sensors.Config{Address: "28-1", Role: sensors.RoleWater}))
	require.NoError(t, f.sensors.RecordReading(ctx, "28-1", tempF, time.Now()))
}

// ============================================================================
// Schedule Endpoint Tests
// ============================================================================

func TestPostSchedule_OneOffHappyPath(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/schedule", ScheduleRequest{
		Action:        "heater-on",
		ScheduledTime: "2030-01-15T06:30:00Z",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created ScheduleResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.True(t, strings.HasPrefix(created.JobID, "job-"))
	assert.True(t, created.Monitored)

	// Exactly one matching crontab line with the UTC instant encoded.
	lines := f.cron.Matching("HOTTUB:" + created.JobID)
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "30 6 15 1 * "), lines[0])
}

func TestPostSchedule_RecurringOffset(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/schedule", ScheduleRequest{
		Action:        "heater-on",
		ScheduledTime: "06:30-08:00",
		Recurring:     true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created ScheduleResponse
	require.NoError(t, json.Unmarshal(body, &created))
	lines := f.cron.Matching("HOTTUB:" + created.JobID)
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "30 14 * * * "), lines[0])

	// The check's schedule matches the crontab line.
	job, err := f.store.Load(context.Background(), created.JobID)
	require.NoError(t, err)
	check, err := f.live.GetCheck(context.Background(), job.HealthcheckUUID)
	require.NoError(t, err)
	require.NotNil(t, check)
	assert.Equal(t, "30 14 * * *", check.Schedule)
}

func TestPostSchedule_PastTimeRejected(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/schedule", ScheduleRequest{
		Action:        "heater-on",
		ScheduledTime: "2020-01-01T00:00:00Z",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "past")
	assert.Empty(t, f.cron.Matching("HOTTUB:"))
}

func TestDeleteSchedule_RemovesEverything(t *testing.T) {
	f := newAPIFixture(t)

	_, body := f.do(t, http.MethodPost, "/api/schedule", ScheduleRequest{
		Action:        "heater-on",
		ScheduledTime: "2030-01-15T06:30:00Z",
	})
	var created ScheduleResponse
	require.NoError(t, json.Unmarshal(body, &created))

	job, err := f.store.Load(context.Background(), created.JobID)
	require.NoError(t, err)

	resp, _ := f.do(t, http.MethodDelete, "/api/schedule/"+created.JobID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Empty(t, f.cron.Matching("HOTTUB:"+created.JobID))
	check, err := f.live.GetCheck(context.Background(), job.HealthcheckUUID)
	require.NoError(t, err)
	assert.Nil(t, check)
	_, err = f.store.Load(context.Background(), created.JobID)
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound)
}

func TestDeleteSchedule_NotFound(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.do(t, http.MethodDelete, "/api/schedule/job-deadbeef", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetSchedule_ListsJobs(t *testing.T) {
	f := newAPIFixture(t)

	_, _ = f.do(t, http.MethodPost, "/api/schedule", ScheduleRequest{
		Action: "pump-run", ScheduledTime: "09:00", Recurring: true,
	})

	resp, body := f.do(t, http.MethodGet, "/api/schedule", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result scheduler.ListResult
	require.NoError(t, json.Unmarshal(body, &result))
	require.Len(t, result.Jobs, 1)
	assert.Equal(t, "pump-run", result.Jobs[0].Action)
}

func TestPostReadyBy_CreatesPair(t *testing.T) {
	f := newAPIFixture(t)
	f.setWater(t, 90)

	resp, body := f.do(t, http.MethodPost, "/api/schedule/ready-by", ReadyByRequest{
		ReadyByTime: "18:00",
		TargetTempF: 103.0,
		Recurring:   true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result ReadyByResponse
	require.NoError(t, json.Unmarshal(body, &result))
	require.Len(t, result.JobIDs, 2)
	assert.Equal(t, "18:45", result.Plan.AutoOffTime)
}

// ============================================================================
// Equipment Endpoint Tests
// ============================================================================

func TestPostHeaterOn(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/equipment/heater/on", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status equipment.Status
	require.NoError(t, json.Unmarshal(body, &status))
	assert.True(t, status.Heater.On)
	assert.Equal(t, []string{equipment.EventHeatOn}, f.webhook.Triggered())
}

func TestPostHeaterOn_WebhookFailure(t *testing.T) {
	f := newAPIFixture(t)
	f.webhook.TriggerError = equipment.ErrWebhookFailure

	resp, _ := f.do(t, http.MethodPost, "/api/equipment/heater/on", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

// Manual heater-off while target control is active: the loop deactivates,
// the check cron disappears, its liveness check is deleted, and the pump
// drops with the heater.
func TestPostHeaterOff_CancelsActiveTargetControl(t *testing.T) {
	f := newAPIFixture(t)
	f.setWater(t, 90)

	resp, _ := f.do(t, http.MethodPost, "/api/equipment/heat-to-target", HeatToTargetRequest{TargetTempF: 103.5})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	st, err := f.heat.State(context.Background())
	require.NoError(t, err)
	require.True(t, st.Active)
	require.Len(t, f.cron.Matching("HOTTUB:"+st.CheckJobID), 1)
	checkJob, err := f.store.Load(context.Background(), st.CheckJobID)
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, "/api/equipment/heater/off", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status equipment.Status
	require.NoError(t, json.Unmarshal(body, &status))
	assert.False(t, status.Heater.On)
	assert.False(t, status.Pump.On)

	st2, err := f.heat.State(context.Background())
	require.NoError(t, err)
	assert.False(t, st2.Active)
	assert.Empty(t, f.cron.Matching("HOTTUB:"+st.CheckJobID))

	gone, err := f.live.GetCheck(context.Background(), checkJob.HealthcheckUUID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

// ============================================================================
// Heat-To-Target Endpoint Tests
// ============================================================================

func TestHeatToTarget_Lifecycle(t *testing.T) {
	f := newAPIFixture(t)
	f.setWater(t, 95)

	resp, body := f.do(t, http.MethodPost, "/api/equipment/heat-to-target", HeatToTargetRequest{TargetTempF: 102.0})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var started TargetStateResponse
	require.NoError(t, json.Unmarshal(body, &started))
	assert.True(t, started.State.Active)
	assert.True(t, started.State.HeaterTurnedOn)
	require.Len(t, f.cron.Matching("HOTTUB:"+started.State.CheckJobID), 1)

	resp, body = f.do(t, http.MethodGet, "/api/equipment/heat-to-target", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var read TargetStateResponse
	require.NoError(t, json.Unmarshal(body, &read))
	assert.True(t, read.State.Active)

	resp, body = f.do(t, http.MethodDelete, "/api/equipment/heat-to-target", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stopped TargetStateResponse
	require.NoError(t, json.Unmarshal(body, &stopped))
	assert.False(t, stopped.State.Active)
	assert.Empty(t, f.cron.Matching("HOTTUB:"+started.State.CheckJobID))
}

func TestHeatToTarget_InvalidTarget(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/equipment/heat-to-target", HeatToTargetRequest{TargetTempF: 150})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHeatTargetCheck_Tick(t *testing.T) {
	f := newAPIFixture(t)
	f.setWater(t, 104)

	// Start holding, then cool below the deadband and tick.
	resp, _ := f.do(t, http.MethodPost, "/api/equipment/heat-to-target", HeatToTargetRequest{TargetTempF: 103.0})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, f.sensors.RecordReading(context.Background(), "28-1", 101.0, time.Now()))

	resp, body := f.do(t, http.MethodPost, "/api/maintenance/heat-target-check", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result heat.CheckResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, heat.StatusOK, result.Status)
	assert.Contains(t, f.webhook.Triggered(), equipment.EventHeatOn)
}

func TestHeatTargetCheck_StaleSensorIs200(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.sensors.Assign(ctx, sensors.Config{Address: "28-1", Role: sensors.RoleWater}))
	require.NoError(t, f.sensors.RecordReading(ctx, "28-1", 90, time.Now().Add(-time.Hour)))

	resp, _ := f.do(t, http.MethodPost, "/api/equipment/heat-to-target", HeatToTargetRequest{TargetTempF: 103.0})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/maintenance/heat-target-check", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result heat.CheckResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, heat.StatusSensorStale, result.Status)
}

// ============================================================================
// Sensor and Maintenance Endpoint Tests
// ============================================================================

func TestSensorEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, http.MethodPut, "/api/sensors/28-0001", SensorAssignRequest{
		Role: sensors.RoleWater, CalibrationOffsetF: -0.5, Name: "tub",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/sensors/reading", SensorReadingRequest{Address: "28-0001", TempF: 100})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/api/sensors", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "28-0001")

	r, err := f.sensors.Latest(context.Background(), sensors.RoleWater)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 99.5, r.TempF)
}

func TestMaintenanceEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	require.NoError(t, f.cron.AddEntry(ctx, "0 0 * * * /usr/local/bin/tubdispatch job-feedf00d # HOTTUB:job-feedf00d"))

	resp, body := f.do(t, http.MethodPost, "/api/maintenance/cleanup-orphans", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cleanup CleanupResponse
	require.NoError(t, json.Unmarshal(body, &cleanup))
	assert.Equal(t, []string{"job-feedf00d"}, cleanup.Removed)

	resp, _ = f.do(t, http.MethodPost, "/api/maintenance/rotate-logs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Events)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tubd_")
}

// ============================================================================
// End-To-End Dispatch Scenario
// ============================================================================

// A scheduled one-off heater-on runs through the dispatcher against the live
// HTTP service: the webhook fires, the status flips, the record and the
// check disappear.
func TestScheduleThenDispatch_OneOffHappyPath(t *testing.T) {
	f := newAPIFixture(t)

	// Point scheduled jobs at this test server instead of the default.
	sched := scheduler.New(f.store, f.cron, f.live, scheduler.Options{
		APIBaseURL:     f.srv.URL,
		DispatcherPath: "/usr/local/bin/tubdispatch",
		GraceSeconds:   120,
		OverlapWindow:  30 * time.Minute,
		Location:       time.UTC,
	}, logr.Discard())

	job, err := sched.Schedule(context.Background(), "heater-on", "2030-01-15T06:30:00Z", false, nil)
	require.NoError(t, err)

	runner := dispatch.NewRunner(f.store, f.live, logr.Discard())
	require.NoError(t, runner.Run(context.Background(), job.ID))

	assert.Equal(t, []string{equipment.EventHeatOn}, f.webhook.Triggered())
	_, err = f.store.Load(context.Background(), job.ID)
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound)
	gone, err := f.live.GetCheck(context.Background(), job.HealthcheckUUID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

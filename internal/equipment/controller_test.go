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

package equipment

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soakworks/tubd/internal/events"
	"github.com/soakworks/tubd/internal/sensors"
	"github.com/soakworks/tubd/internal/testutil"
)

type fixture struct {
	ctrl       *Controller
	webhook    *testutil.SpyWebhook
	supervisor *testutil.SpySupervisor
	events     *events.Store
}

func newFixture(t *testing.T) *fixture {
	ev, err := events.NewStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	require.NoError(t, ev.Init())
	t.Cleanup(func() { _ = ev.Close() })

	sm, err := sensors.NewManager(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		webhook:    &testutil.SpyWebhook{},
		supervisor: &testutil.SpySupervisor{},
		events:     ev,
	}
	ctrl, err := NewController(t.TempDir(), f.webhook, ev, sm, logr.Discard())
	require.NoError(t, err)
	ctrl.SetSupervisor(f.supervisor)
	f.ctrl = ctrl
	return f
}

func TestHeaterOn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.HeaterOn(ctx))

	assert.Equal(t, []string{EventHeatOn}, f.webhook.Triggered())
	st, err := f.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Heater.On)
	require.NotNil(t, st.Heater.LastChangedAt)
	assert.WithinDuration(t, time.Now(), *st.Heater.LastChangedAt, time.Minute)

	evs, err := f.events.Recent(ctx, events.EquipmentHeater, 5)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, events.ActionOn, evs[0].Action)
	assert.False(t, evs[0].Failed)
}

func TestHeaterOff_CouplesPumpAndCancelsTargetControl(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.HeaterOn(ctx))
	require.NoError(t, f.ctrl.PumpRun(ctx))

	require.NoError(t, f.ctrl.HeaterOff(ctx))

	st, err := f.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Heater.On)
	assert.False(t, st.Pump.On)
	assert.Equal(t, 1, f.supervisor.Cancels())
}

func TestWebhookFailure_NoStatusChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.webhook.TriggerError = ErrWebhookFailure

	err := f.ctrl.HeaterOn(ctx)
	require.ErrorIs(t, err, ErrWebhookFailure)

	st, err := f.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Heater.On)
	assert.Nil(t, st.Heater.LastChangedAt)

	// The failed attempt is still visible to the analyzer, flagged.
	evs, err := f.events.Recent(ctx, events.EquipmentHeater, 5)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.True(t, evs[0].Failed)
}

func TestHeaterOff_SupervisorErrorDoesNotFailOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.supervisor.CancelError = assert.AnError

	require.NoError(t, f.ctrl.HeaterOn(ctx))
	assert.NoError(t, f.ctrl.HeaterOff(ctx))
}

func TestPumpRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.PumpRun(ctx))

	assert.Equal(t, []string{EventPumpRun}, f.webhook.Triggered())
	st, err := f.ctrl.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Pump.On)
	assert.False(t, st.Heater.On)
}

func TestTransition_RecordsSensorTemps(t *testing.T) {
	ev, err := events.NewStore(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	require.NoError(t, ev.Init())
	t.Cleanup(func() { _ = ev.Close() })

	sm, err := sensors.NewManager(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, sm.Assign(ctx, sensors.Config{Address: "28-1", Role: sensors.RoleWater}))
	require.NoError(t, sm.RecordReading(ctx, "28-1", 99.5, time.Now()))

	ctrl, err := NewController(t.TempDir(), &testutil.SpyWebhook{}, ev, sm, logr.Discard())
	require.NoError(t, err)

	require.NoError(t, ctrl.HeaterOn(ctx))

	evs, err := ev.Recent(ctx, events.EquipmentHeater, 1)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.NotNil(t, evs[0].WaterTempF)
	assert.Equal(t, 99.5, *evs[0].WaterTempF)
}

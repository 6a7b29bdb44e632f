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

// Package equipment drives the physical heater and pump through outbound
// webhooks and keeps the on-disk equipment status current. Operations are
// serialized per controller: the webhook call and the status write happen
// under one lock so a manual heater-off cannot interleave with a control
// loop decision.
package equipment

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/soakworks/tubd/internal/events"
	"github.com/soakworks/tubd/internal/metrics"
	"github.com/soakworks/tubd/internal/sensors"
	"github.com/soakworks/tubd/internal/statefile"
)

// Supervisor is the control-loop capability injected into the controller so
// a manual heater-off can cancel target-temperature control without the
// equipment package depending on the heat package.
type Supervisor interface {
	// CancelTargetControl deactivates the control loop and removes its
	// recurring check cron.
	CancelTargetControl(ctx context.Context) error
}

// Controller owns equipment transitions.
type Controller struct {
	mu         sync.Mutex
	webhook    WebhookClient
	statusFile *statefile.File
	events     *events.Store
	sensors    *sensors.Manager
	supervisor Supervisor
	log        logr.Logger
	now        func() time.Time
}

// NewController wires the controller. The supervisor is attached later via
// SetSupervisor because the heat service is constructed after the controller
// it depends on.
func NewController(dataDir string, webhook WebhookClient, ev *events.Store, sm *sensors.Manager, log logr.Logger) (*Controller, error) {
	sf, err := statefile.New(filepath.Join(dataDir, "equipment-status.json"))
	if err != nil {
		return nil, err
	}
	return &Controller{
		webhook:    webhook,
		statusFile: sf,
		events:     ev,
		sensors:    sm,
		log:        log.WithName("equipment"),
		now:        time.Now,
	}, nil
}

// SetSupervisor attaches the control-loop supervisor.
func (c *Controller) SetSupervisor(s Supervisor) {
	c.supervisor = s
}

// Status returns the current equipment status record.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	var st Status
	if err := c.statusFile.Read(&st); err != nil && !errors.Is(err, statefile.ErrNotFound) {
		return Status{}, err
	}
	return st, nil
}

// HeaterOn turns the heater on.
func (c *Controller) HeaterOn(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition(ctx, EventHeatOn, func(st *Status, now time.Time) {
		st.set(Heater, true, now)
	}, events.EquipmentHeater, events.ActionOn)
}

// HeaterOff turns the heater off. Hardware couples the pump to the heater
// circuit, so the pump state drops too; and an active target-temperature
// loop must be cancelled or its next check tick would turn the heater right
// back on.
func (c *Controller) HeaterOff(ctx context.Context) error {
	c.mu.Lock()
	err := c.transition(ctx, EventHeatOff, func(st *Status, now time.Time) {
		st.set(Heater, false, now)
		st.set(Pump, false, now)
	}, events.EquipmentHeater, events.ActionOff)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	// The supervisor deactivates the control loop and removes every
	// heat-target-check cron; without this the next tick would turn the
	// heater right back on.
	if c.supervisor != nil {
		if serr := c.supervisor.CancelTargetControl(ctx); serr != nil {
			c.log.Error(serr, "cancelling target control after heater-off")
		}
	}
	return nil
}

// LoopHeaterOff turns the heater off on behalf of the target-temperature
// loop itself: the pump coupling applies, but the loop is not cancelled —
// reaching the target parks the loop in its holding phase, it does not end
// it.
func (c *Controller) LoopHeaterOff(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition(ctx, EventHeatOff, func(st *Status, now time.Time) {
		st.set(Heater, false, now)
		st.set(Pump, false, now)
	}, events.EquipmentHeater, events.ActionOff)
}

// PumpRun starts a pump run-cycle.
func (c *Controller) PumpRun(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition(ctx, EventPumpRun, func(st *Status, now time.Time) {
		st.set(Pump, true, now)
	}, events.EquipmentPump, events.ActionOn)
}

// BlindsUp raises the gazebo blinds. Blinds are webhook-only: no status
// record, no heating event.
func (c *Controller) BlindsUp(ctx context.Context) error {
	return c.webhook.Trigger(ctx, EventBlindsUp)
}

// BlindsDown lowers the gazebo blinds.
func (c *Controller) BlindsDown(ctx context.Context) error {
	return c.webhook.Trigger(ctx, EventBlindsDown)
}

// transition invokes the webhook and, only on success, updates the status
// record and gauges. The heating event is appended either way so the
// analyzer sees failed attempts flagged.
func (c *Controller) transition(ctx context.Context, event string, apply func(*Status, time.Time), equipment, action string) error {
	now := c.now()
	webhookErr := c.webhook.Trigger(ctx, event)

	if webhookErr == nil {
		var st Status
		if err := c.statusFile.Update(ctx, &st, func() error {
			apply(&st, now)
			return nil
		}); err != nil {
			return err
		}
		gauge := func(on bool) float64 {
			if on {
				return 1
			}
			return 0
		}
		metrics.EquipmentOn.WithLabelValues(Heater).Set(gauge(st.Heater.On))
		metrics.EquipmentOn.WithLabelValues(Pump).Set(gauge(st.Pump.On))
	}

	c.appendEvent(ctx, equipment, action, now, webhookErr != nil)
	return webhookErr
}

func (c *Controller) appendEvent(ctx context.Context, equipment, action string, now time.Time, failed bool) {
	if c.events == nil {
		return
	}
	ev := events.HeatingEvent{
		Timestamp: now.UTC(),
		Equipment: equipment,
		Action:    action,
		Failed:    failed,
	}
	if c.sensors != nil {
		if r, err := c.sensors.Latest(ctx, sensors.RoleWater); err == nil && r != nil {
			ev.WaterTempF = &r.TempF
		}
		if r, err := c.sensors.Latest(ctx, sensors.RoleAmbient); err == nil && r != nil {
			ev.AmbientTempF = &r.TempF
		}
	}
	if err := c.events.Append(ctx, ev); err != nil {
		c.log.Error(err, "appending heating event", "equipment", equipment, "action", action)
	}
}

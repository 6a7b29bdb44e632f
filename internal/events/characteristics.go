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

package events

import (
	"context"
)

// Conservative fallbacks when the event log has no usable heating session.
// Under-promising the velocity makes ready-by starts early, never late.
const (
	DefaultVelocityFPerMin = 0.5
	DefaultStartupLagMin   = 5.0
	DefaultOvershootF      = 0.5
)

// analyzer session limits
const (
	maxSessionsConsidered = 20
	minSessionMinutes     = 10.0
	minSessionRiseF       = 1.0
)

// Characteristics are the learned heating parameters the ready-by
// transformer consumes.
type Characteristics struct {
	VelocityFPerMin float64 `json:"velocity_f_per_min"`
	StartupLagMin   float64 `json:"startup_lag_min"`
	OvershootF      float64 `json:"overshoot_f"`
	Sessions        int     `json:"sessions"`
}

// Characteristics derives heating velocity from recorded heater on→off
// sessions that carry water temperatures on both ends. Sessions shorter than
// a few minutes or with no measurable rise are noise and skipped.
func (s *Store) Characteristics(ctx context.Context) (Characteristics, error) {
	evs, err := s.Recent(ctx, EquipmentHeater, maxSessionsConsidered*2)
	if err != nil {
		return Characteristics{}, err
	}

	// Recent returns newest first; walk oldest to newest pairing each "on"
	// with the following "off".
	var velocities []float64
	var pendingOn *HeatingEvent
	for i := len(evs) - 1; i >= 0; i-- {
		ev := evs[i]
		if ev.Failed {
			continue
		}
		switch ev.Action {
		case ActionOn:
			onCopy := ev
			pendingOn = &onCopy
		case ActionOff:
			if pendingOn == nil || pendingOn.WaterTempF == nil || ev.WaterTempF == nil {
				pendingOn = nil
				continue
			}
			minutes := ev.Timestamp.Sub(pendingOn.Timestamp).Minutes()
			rise := *ev.WaterTempF - *pendingOn.WaterTempF
			pendingOn = nil
			if minutes < minSessionMinutes || rise < minSessionRiseF {
				continue
			}
			velocities = append(velocities, rise/minutes)
		}
	}

	if len(velocities) == 0 {
		return Characteristics{
			VelocityFPerMin: DefaultVelocityFPerMin,
			StartupLagMin:   DefaultStartupLagMin,
			OvershootF:      DefaultOvershootF,
		}, nil
	}

	sum := 0.0
	for _, v := range velocities {
		sum += v
	}
	return Characteristics{
		VelocityFPerMin: sum / float64(len(velocities)),
		StartupLagMin:   DefaultStartupLagMin,
		OvershootF:      DefaultOvershootF,
		Sessions:        len(velocities),
	}, nil
}

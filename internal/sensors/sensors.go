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

// Package sensors tracks the temperature sensors attached to the tub: which
// hardware address plays which role, each sensor's calibration offset, and
// the latest reading the asynchronous sensor loop has reported. Calibration
// is applied on read so raw values stay on disk untouched.
package sensors

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/soakworks/tubd/internal/statefile"
)

// Sensor roles.
const (
	RoleWater      = "water"
	RoleAmbient    = "ambient"
	RoleUnassigned = "unassigned"
)

// ErrUnknownSensor is returned when an address has no configuration entry.
var ErrUnknownSensor = errors.New("unknown sensor")

// Config describes one sensor.
type Config struct {
	Address            string  `json:"address"`
	Role               string  `json:"role"`
	CalibrationOffsetF float64 `json:"calibration_offset_f"`
	Name               string  `json:"name"`
}

// Reading is one raw sample from a sensor.
type Reading struct {
	Address    string    `json:"address"`
	TempF      float64   `json:"temp_f"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Manager owns the sensor config and latest-readings state files.
type Manager struct {
	configFile   *statefile.File
	readingsFile *statefile.File
}

// NewManager stores sensor state under dataDir.
func NewManager(dataDir string) (*Manager, error) {
	cf, err := statefile.New(filepath.Join(dataDir, "sensors.json"))
	if err != nil {
		return nil, err
	}
	rf, err := statefile.New(filepath.Join(dataDir, "sensor-readings.json"))
	if err != nil {
		return nil, err
	}
	return &Manager{configFile: cf, readingsFile: rf}, nil
}

// List returns all configured sensors.
func (m *Manager) List(ctx context.Context) ([]Config, error) {
	cfgs, err := m.readConfigs()
	if err != nil {
		return nil, err
	}
	out := make([]Config, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, c)
	}
	return out, nil
}

// Assign sets or replaces the configuration for one address. Assigning a
// role held by another sensor demotes that sensor to unassigned: there is
// exactly one water and one ambient sensor.
func (m *Manager) Assign(ctx context.Context, cfg Config) error {
	if cfg.Role != RoleWater && cfg.Role != RoleAmbient && cfg.Role != RoleUnassigned {
		return fmt.Errorf("invalid sensor role %q", cfg.Role)
	}
	cfgs := map[string]Config{}
	return m.configFile.Update(ctx, &cfgs, func() error {
		if cfg.Role != RoleUnassigned {
			for addr, other := range cfgs {
				if addr != cfg.Address && other.Role == cfg.Role {
					other.Role = RoleUnassigned
					cfgs[addr] = other
				}
			}
		}
		cfgs[cfg.Address] = cfg
		return nil
	})
}

// RecordReading stores the newest raw sample for an address.
func (m *Manager) RecordReading(ctx context.Context, address string, tempF float64, at time.Time) error {
	readings := map[string]Reading{}
	return m.readingsFile.Update(ctx, &readings, func() error {
		readings[address] = Reading{Address: address, TempF: tempF, RecordedAt: at}
		return nil
	})
}

// Latest returns the calibrated reading for a role, or nil when the role is
// unassigned or has never reported. Staleness is the caller's policy.
func (m *Manager) Latest(ctx context.Context, role string) (*Reading, error) {
	cfgs, err := m.readConfigs()
	if err != nil {
		return nil, err
	}

	var cfg *Config
	for _, c := range cfgs {
		if c.Role == role {
			cc := c
			cfg = &cc
			break
		}
	}
	if cfg == nil {
		return nil, nil
	}

	readings := map[string]Reading{}
	if err := m.readingsFile.Read(&readings); err != nil {
		if errors.Is(err, statefile.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	r, ok := readings[cfg.Address]
	if !ok {
		return nil, nil
	}
	r.TempF += cfg.CalibrationOffsetF
	return &r, nil
}

func (m *Manager) readConfigs() (map[string]Config, error) {
	cfgs := map[string]Config{}
	if err := m.configFile.Read(&cfgs); err != nil && !errors.Is(err, statefile.ErrNotFound) {
		return nil, err
	}
	return cfgs, nil
}

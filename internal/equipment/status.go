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

import "time"

// Equipment names in the status record.
const (
	Heater = "heater"
	Pump   = "pump"
)

// State is one equipment's current position.
type State struct {
	On            bool       `json:"on"`
	LastChangedAt *time.Time `json:"lastChangedAt"`
}

// Status is the persisted equipment status record, rewritten atomically on
// every transition.
type Status struct {
	Heater State `json:"heater"`
	Pump   State `json:"pump"`
}

// set flips one equipment's state, stamping the change time on actual
// transitions and on the first set, when no change time is recorded yet.
func (s *Status) set(equipment string, on bool, now time.Time) {
	var st *State
	switch equipment {
	case Heater:
		st = &s.Heater
	case Pump:
		st = &s.Pump
	default:
		return
	}
	if st.On != on || st.LastChangedAt == nil {
		ts := now.UTC()
		st.On = on
		st.LastChangedAt = &ts
	}
}

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

package jobstore

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job is one scheduled unit of work. The JSON keys are the on-disk record
// format read by both the service and the dispatcher runner.
type Job struct {
	ID                 string         `json:"jobId"`
	Action             string         `json:"action"`
	Endpoint           string         `json:"endpoint"`
	APIBaseURL         string         `json:"apiBaseUrl"`
	ScheduledTime      string         `json:"scheduledTime"`
	Recurring          bool           `json:"recurring"`
	CreatedAt          time.Time      `json:"createdAt"`
	Params             map[string]any `json:"params,omitempty"`
	HealthcheckUUID    string         `json:"healthcheckUuid,omitempty"`
	HealthcheckPingURL string         `json:"healthcheckPingUrl,omitempty"`
}

// Job id prefixes distinguish one-off from recurring records.
const (
	OneOffPrefix    = "job-"
	RecurringPrefix = "rec-"
)

// NewJobID mints a fresh id: "job-<hex>" for one-off jobs, "rec-<hex>" for
// recurring ones.
func NewJobID(recurring bool) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if recurring {
		return RecurringPrefix + hex
	}
	return OneOffPrefix + hex
}

// ValidID reports whether id has one of the two expected shapes. Used to
// reject path-traversal attempts before touching the filesystem.
func ValidID(id string) bool {
	var hex string
	switch {
	case strings.HasPrefix(id, OneOffPrefix):
		hex = id[len(OneOffPrefix):]
	case strings.HasPrefix(id, RecurringPrefix):
		hex = id[len(RecurringPrefix):]
	case id == "log-rotation":
		// The maintenance cron tag shares the id namespace.
		return true
	default:
		return false
	}
	if hex == "" {
		return false
	}
	for _, r := range hex {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

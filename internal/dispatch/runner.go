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

// Package dispatch executes one scheduled job. It runs out of process,
// invoked by the host cron, so a crashed HTTP service never swallows a
// dispatch silently: the runner fails, leaves the liveness check un-pinged,
// and the remote monitor alerts.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"github.com/soakworks/tubd/internal/jobstore"
	"github.com/soakworks/tubd/internal/liveness"
	"github.com/soakworks/tubd/internal/metrics"
)

// requestTimeout bounds the action POST, connection plus response.
const requestTimeout = 30 * time.Second

// ErrDispatchFailed covers non-2xx responses and transport failures. The
// runner exits non-zero on it, deliberately leaving the check un-pinged.
var ErrDispatchFailed = errors.New("dispatch failed")

// Runner executes jobs by id.
type Runner struct {
	store      *jobstore.Store
	live       liveness.Client
	httpClient *http.Client
	log        logr.Logger
}

// NewRunner builds a runner over the job store.
func NewRunner(store *jobstore.Store, live liveness.Client, log logr.Logger) *Runner {
	return &Runner{
		store:      store,
		live:       live,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        log.WithName("dispatch"),
	}
}

// Run executes one job. A missing record is a cancel race, not an error:
// the runner exits silently so cron does not report a phantom failure.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	job, err := r.store.Load(ctx, jobID)
	if errors.Is(err, jobstore.ErrJobNotFound) {
		r.log.V(1).Info("job record missing, assuming cancel race", "job", jobID)
		return nil
	}
	if err != nil {
		return err
	}

	// The POST body comes from the raw record file: job files are pretty
	// printed, so the extractor must cope with the params object spanning
	// many lines.
	var body []byte
	if raw, rerr := os.ReadFile(filepath.Join(r.store.Dir(), jobID+".json")); rerr == nil {
		body = ExtractParams(raw)
	}

	if err := r.post(ctx, job, body); err != nil {
		metrics.DispatchesTotal.WithLabelValues(job.Action, "failure").Inc()
		r.log.Error(err, "dispatch failed, leaving liveness check un-pinged", "job", jobID)
		return err
	}
	metrics.DispatchesTotal.WithLabelValues(job.Action, "success").Inc()

	if job.Recurring {
		if job.HealthcheckPingURL != "" && !r.live.Ping(ctx, job.HealthcheckPingURL) {
			r.log.Info("liveness ping failed after successful dispatch", "job", jobID)
		}
		return nil
	}

	// One-off: the check must disappear so it can never fire, then the
	// record goes.
	if job.HealthcheckUUID != "" && !r.live.Delete(ctx, job.HealthcheckUUID) {
		r.log.Info("liveness check delete failed after successful dispatch", "job", jobID)
	}
	if err := r.store.Delete(ctx, jobID); err != nil && !errors.Is(err, jobstore.ErrJobNotFound) {
		return err
	}
	return nil
}

func (r *Runner) post(ctx context.Context, job *jobstore.Job, body []byte) error {
	url := job.APIBaseURL + job.Endpoint
	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reqBody)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s returned %d", ErrDispatchFailed, url, resp.StatusCode)
	}
	r.log.Info("dispatched", "job", job.ID, "action", job.Action, "status", resp.StatusCode)
	return nil
}

// ExtractParams pulls the params object out of a raw job record, tolerating
// pretty-printed multi-line JSON. Returns nil when the record has no params.
func ExtractParams(raw []byte) []byte {
	var envelope struct {
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if len(envelope.Params) > 0 && !bytes.Equal(envelope.Params, []byte("null")) {
			return envelope.Params
		}
		return nil
	}
	return scanParamsObject(raw)
}

// scanParamsObject is the fallback for records whose envelope no longer
// parses strictly (a truncated sibling field, say): locate `"params"` and
// depth-match its braces across newlines.
func scanParamsObject(raw []byte) []byte {
	idx := bytes.Index(raw, []byte(`"params"`))
	if idx < 0 {
		return nil
	}
	rest := raw[idx+len(`"params"`):]
	open := bytes.IndexByte(rest, '{')
	if open < 0 {
		return nil
	}

	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(rest); i++ {
		c := rest[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return rest[open : i+1]
			}
		}
	}
	return nil
}

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

// Package liveness wraps the remote schedule-based monitoring service. Every
// scheduled job gets a check armed by an immediate first ping; a check that
// misses its schedule plus grace transitions up → grace → down and fires the
// attached alert channel. Monitoring is advisory: no operation here may fail
// scheduling.
package liveness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"
)

const (
	// DefaultTimeout bounds every outbound call.
	DefaultTimeout = 30 * time.Second

	// maxResponseBodyBytes caps response reads so a misbehaving server
	// cannot exhaust memory.
	maxResponseBodyBytes = 1 << 20

	// Retry tuning for transient failures (network errors and 5xx).
	maxRetries     = 2
	initialBackoff = 500 * time.Millisecond
)

// ErrUnavailable wraps transport-level failures talking to the monitoring
// service.
var ErrUnavailable = errors.New("liveness service unavailable")

// Check is a remote schedule-based check.
type Check struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Timezone string `json:"tz"`
	Grace    int    `json:"grace"`
	Status   string `json:"status"`
	PingURL  string `json:"ping_url"`
}

// Client is the contract the scheduler and dispatcher depend on. All
// operations are best-effort by policy: CreateCheck returns (nil, nil) on
// authentication failure, Ping and Delete report success as a bool.
type Client interface {
	// CreateCheck registers a new check in state "new". It does not alert
	// until the first ping arms it.
	CreateCheck(ctx context.Context, name, cronSchedule, timezone string, graceSeconds int, channelID string) (*Check, error)

	// Ping arms or renews a check by its ping URL.
	Ping(ctx context.Context, pingURL string) bool

	// Delete removes a check. A 404 counts as success: the check is gone
	// either way, and a cancel racing a dispatch may delete twice.
	Delete(ctx context.Context, uuid string) bool

	// GetCheck reads one check, or nil when it does not exist.
	GetCheck(ctx context.Context, uuid string) (*Check, error)
}

// HTTPClient talks to a healthchecks-compatible REST API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	log        logr.Logger
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// NewHTTPClient builds a client for the monitoring API at baseURL.
func NewHTTPClient(baseURL, apiKey string, log logr.Logger, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: log.WithName("liveness"),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "liveness-api",
		Interval: 60 * time.Second,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 3 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Info("circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return c
}

type createCheckRequest struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Timezone string   `json:"tz"`
	Grace    int      `json:"grace"`
	Channels []string `json:"channels,omitempty"`
}

// CreateCheck registers a schedule-based check. On authentication failure it
// logs a warning and returns (nil, nil): the caller's scheduling must still
// succeed without monitoring.
func (c *HTTPClient) CreateCheck(ctx context.Context, name, cronSchedule, timezone string, graceSeconds int, channelID string) (*Check, error) {
	req := createCheckRequest{
		Name:     name,
		Schedule: cronSchedule,
		Timezone: timezone,
		Grace:    graceSeconds,
	}
	if channelID != "" {
		req.Channels = []string{channelID}
	}

	status, body, err := c.do(ctx, http.MethodPost, c.baseURL+"/api/v3/checks/", req)
	if err != nil {
		return nil, fmt.Errorf("%w: create check: %v", ErrUnavailable, err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.log.Info("liveness API rejected credentials, scheduling continues unmonitored", "status", status)
		return nil, nil
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("%w: create check returned %d", ErrUnavailable, status)
	}

	var check Check
	if err := json.Unmarshal(body, &check); err != nil {
		return nil, fmt.Errorf("%w: decoding create response: %v", ErrUnavailable, err)
	}
	return &check, nil
}

// Ping issues a GET to the check's ping URL. The first ping after creation
// moves the check from "new" to "up" and arms the alert clock.
func (c *HTTPClient) Ping(ctx context.Context, pingURL string) bool {
	status, _, err := c.do(ctx, http.MethodGet, pingURL, nil)
	if err != nil {
		c.log.Error(err, "pinging check failed", "url", pingURL)
		return false
	}
	if status < 200 || status >= 300 {
		c.log.Info("pinging check returned non-2xx", "url", pingURL, "status", status)
		return false
	}
	return true
}

// Delete removes a check. 404 counts as success.
func (c *HTTPClient) Delete(ctx context.Context, uuid string) bool {
	status, _, err := c.do(ctx, http.MethodDelete, c.baseURL+"/api/v3/checks/"+uuid, nil)
	if err != nil {
		c.log.Error(err, "deleting check failed", "uuid", uuid)
		return false
	}
	if status == http.StatusNotFound {
		return true
	}
	if status < 200 || status >= 300 {
		c.log.Info("deleting check returned non-2xx", "uuid", uuid, "status", status)
		return false
	}
	return true
}

// GetCheck reads one check; nil means it no longer exists.
func (c *HTTPClient) GetCheck(ctx context.Context, uuid string) (*Check, error) {
	status, body, err := c.do(ctx, http.MethodGet, c.baseURL+"/api/v3/checks/"+uuid, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: get check: %v", ErrUnavailable, err)
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("%w: get check returned %d", ErrUnavailable, status)
	}

	var check Check
	if err := json.Unmarshal(body, &check); err != nil {
		return nil, fmt.Errorf("%w: decoding check: %v", ErrUnavailable, err)
	}
	return &check, nil
}

// do executes a request with retry on transient failures, each attempt
// running through the circuit breaker. It returns the status code and a
// bounded read of the body. Client-error statuses are returned to the caller
// rather than treated as failures: a 404 on delete is part of the protocol,
// not an outage.
func (c *HTTPClient) do(ctx context.Context, method, url string, payload any) (int, []byte, error) {
	var body []byte
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding request: %w", err)
		}
		body = data
	}

	backoff := initialBackoff
	var status int
	var respBody []byte
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		status, respBody, err = c.doOnce(ctx, method, url, body)
		if err == nil {
			return status, respBody, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) {
			break
		}
	}
	if status != 0 {
		// Retries exhausted on a 5xx: hand the caller the status rather
		// than hiding it behind a transport error.
		return status, respBody, nil
	}
	return 0, nil, err
}

// doOnce executes one attempt through the circuit breaker.
func (c *HTTPClient) doOnce(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.apiKey != "" {
			req.Header.Set("X-Api-Key", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		respBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			// Count server errors toward tripping the breaker but keep the
			// status so the last attempt can surface it.
			return doResult{status: resp.StatusCode, body: respBytes}, fmt.Errorf("server returned %d", resp.StatusCode)
		}
		return doResult{status: resp.StatusCode, body: respBytes}, nil
	})
	if err != nil {
		if res, ok := result.(doResult); ok {
			return res.status, res.body, err
		}
		return 0, nil, err
	}
	res := result.(doResult)
	return res.status, res.body, nil
}

type doResult struct {
	status int
	body   []byte
}

// Disabled is the no-op client used when no API key is configured. Every
// operation reports success so scheduling works without monitoring.
type Disabled struct{}

// CreateCheck returns no check and no error.
func (Disabled) CreateCheck(context.Context, string, string, string, int, string) (*Check, error) {
	return nil, nil
}

// Ping reports success.
func (Disabled) Ping(context.Context, string) bool { return true }

// Delete reports success.
func (Disabled) Delete(context.Context, string) bool { return true }

// GetCheck reports no such check.
func (Disabled) GetCheck(context.Context, string) (*Check, error) { return nil, nil }

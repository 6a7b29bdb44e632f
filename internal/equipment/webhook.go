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
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/soakworks/tubd/internal/metrics"
)

// Webhook event names understood by the equipment provider.
const (
	EventHeatOn     = "hot-tub-heat-on"
	EventHeatOff    = "hot-tub-heat-off"
	EventPumpRun    = "hot-tub-pump-run"
	EventBlindsUp   = "hot-tub-blinds-up"
	EventBlindsDown = "hot-tub-blinds-down"
)

// ErrWebhookFailure wraps any failed equipment webhook invocation.
var ErrWebhookFailure = errors.New("equipment webhook failure")

// WebhookClient triggers equipment events on the outbound provider.
type WebhookClient interface {
	Trigger(ctx context.Context, event string) error
}

// HTTPWebhook is the real provider client. Calls are rate limited: the
// relay hardware debounces poorly and the provider throttles bursts.
type HTTPWebhook struct {
	baseURL    string
	key        string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        logr.Logger
}

// NewHTTPWebhook builds the provider client.
func NewHTTPWebhook(baseURL, key string, log logr.Logger) *HTTPWebhook {
	return &HTTPWebhook{
		baseURL: baseURL,
		key:     key,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 5),
		log:     log.WithName("webhook"),
	}
}

// Trigger fires one event. The provider treats events as idempotent relay
// commands, so at-least-once delivery is safe.
func (w *HTTPWebhook) Trigger(ctx context.Context, event string) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrWebhookFailure, err)
	}

	url := fmt.Sprintf("%s/trigger/%s/with/key/%s", w.baseURL, event, w.key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWebhookFailure, err)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		metrics.WebhookCalls.WithLabelValues(event, "error").Inc()
		return fmt.Errorf("%w: %v", ErrWebhookFailure, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.WebhookCalls.WithLabelValues(event, "error").Inc()
		return fmt.Errorf("%w: %s returned %d", ErrWebhookFailure, event, resp.StatusCode)
	}
	metrics.WebhookCalls.WithLabelValues(event, "success").Inc()
	w.log.V(1).Info("triggered equipment event", "event", event)
	return nil
}

// StubWebhook logs events instead of sending them. Selected when no webhook
// key is configured, so the service runs end to end without hardware.
type StubWebhook struct {
	log logr.Logger
}

// NewStubWebhook builds the stub client.
func NewStubWebhook(log logr.Logger) *StubWebhook {
	return &StubWebhook{log: log.WithName("webhook-stub")}
}

// Trigger logs the event and succeeds.
func (w *StubWebhook) Trigger(ctx context.Context, event string) error {
	metrics.WebhookCalls.WithLabelValues(event, "stubbed").Inc()
	w.log.Info("stub mode, equipment event not sent", "event", event)
	return nil
}

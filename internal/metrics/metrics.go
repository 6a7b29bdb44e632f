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

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all service collectors, exposed on GET /metrics.
var Registry = prometheus.NewRegistry()

var (
	// JobsScheduled counts schedule operations by action and kind.
	JobsScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tubd_jobs_scheduled_total",
			Help: "Total number of jobs scheduled",
		},
		[]string{"action", "kind"},
	)

	// JobsCancelled counts cancel operations.
	JobsCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tubd_jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		},
	)

	// DispatchesTotal counts dispatcher runs by outcome.
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tubd_dispatches_total",
			Help: "Total number of dispatcher runs",
		},
		[]string{"action", "outcome"},
	)

	// EquipmentOn reports current equipment state (1 on, 0 off).
	EquipmentOn = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tubd_equipment_on",
			Help: "Current equipment state (1 = on)",
		},
		[]string{"equipment"},
	)

	// WaterTempF reports the latest calibrated water temperature.
	WaterTempF = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tubd_water_temp_fahrenheit",
			Help: "Latest calibrated water temperature reading",
		},
	)

	// TargetControlActive reports whether the target-temperature loop is on.
	TargetControlActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tubd_target_control_active",
			Help: "Whether the target-temperature control loop is active",
		},
	)

	// LivenessFailures counts failed liveness API operations by op.
	LivenessFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tubd_liveness_failures_total",
			Help: "Total number of failed liveness monitoring operations",
		},
		[]string{"op"},
	)

	// WebhookCalls counts equipment webhook invocations by event and outcome.
	WebhookCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tubd_equipment_webhook_calls_total",
			Help: "Total number of equipment webhook invocations",
		},
		[]string{"event", "outcome"},
	)
)

func init() {
	Registry.MustRegister(
		JobsScheduled,
		JobsCancelled,
		DispatchesTotal,
		EquipmentOn,
		WaterTempF,
		TargetControlActive,
		LivenessFailures,
		WebhookCalls,
	)
}

// Handler serves the registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

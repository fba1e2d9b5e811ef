// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	// BackendRequests counts backend API calls by endpoint and outcome.
	BackendRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatappbot_backend_requests_total",
			Help: "Backend API requests by endpoint and result.",
		},
		[]string{"endpoint", "result"},
	)

	// BackendDuration observes backend API latency.
	BackendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "whatappbot_backend_request_duration_seconds",
			Help:    "Duration of backend API requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// NotifierSends counts outbound notifications by provider and outcome.
	NotifierSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatappbot_notifier_sends_total",
			Help: "Outbound notifications by provider and result.",
		},
		[]string{"provider", "result"},
	)

	// InboundMessages counts inbound messages by channel and outcome.
	InboundMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatappbot_inbound_messages_total",
			Help: "Inbound messages by channel and result.",
		},
		[]string{"channel", "result"},
	)

	// PipelineRuns counts enquiry pipeline completions by outcome.
	PipelineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "whatappbot_pipeline_runs_total",
			Help: "Enquiry pipeline runs by result.",
		},
		[]string{"result"},
	)
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{BackendRequests, BackendDuration, NotifierSends, InboundMessages, PipelineRuns} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveBackend records one backend call.
func ObserveBackend(endpoint string, start time.Time, err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	BackendRequests.WithLabelValues(endpoint, result).Inc()
	BackendDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// Outcome maps a boolean success to a result label.
func Outcome(ok bool) string {
	if ok {
		return ResultSuccess
	}
	return ResultError
}

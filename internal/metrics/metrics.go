// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Command outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeRejected  = "rejected"
	OutcomeTimedOut  = "timed_out"
	OutcomeFailed    = "failed"
)

// Metrics groups the collectors. A nil *Metrics records nothing.
type Metrics struct {
	SessionsCreated      *prometheus.CounterVec
	SessionsEnded        *prometheus.CounterVec
	ProvisioningFailures *prometheus.CounterVec
	ProvisioningDuration *prometheus.HistogramVec
	Commands             *prometheus.CounterVec
	CommandDuration      *prometheus.HistogramVec
	TruncatedOutputs     prometheus.Counter
	ActiveSessions       prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lab_sessions_created_total",
				Help: "Total number of lab sessions created",
			},
			[]string{"template"},
		),
		SessionsEnded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lab_sessions_ended_total",
				Help: "Total number of lab sessions that reached a terminal state",
			},
			[]string{"state", "reason"},
		),
		ProvisioningFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lab_provisioning_failures_total",
				Help: "Total number of failed session provisionings",
			},
			[]string{"template", "reason"},
		),
		ProvisioningDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lab_provisioning_duration_seconds",
				Help:    "Time from Starting to Running",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
			},
			[]string{"template"},
		),
		Commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lab_commands_total",
				Help: "Total number of lab commands by outcome",
			},
			[]string{"template", "outcome"},
		),
		CommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lab_command_duration_seconds",
				Help:    "Duration of dispatched lab commands",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"template"},
		),
		TruncatedOutputs: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "lab_command_truncated_outputs_total",
				Help: "Total number of command results whose output was capped",
			},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "lab_sessions_active",
				Help: "Number of sessions in a non-terminal state",
			},
		),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionCreated(template string) {
	if m == nil {
		return
	}
	m.SessionsCreated.WithLabelValues(template).Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionRunning(template string, provisioning time.Duration) {
	if m == nil {
		return
	}
	m.ProvisioningDuration.WithLabelValues(template).Observe(provisioning.Seconds())
}

func (m *Metrics) ProvisioningFailed(template, reason string) {
	if m == nil {
		return
	}
	m.ProvisioningFailures.WithLabelValues(template, reason).Inc()
}

func (m *Metrics) SessionEnded(state, reason string) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(state, reason).Inc()
	m.ActiveSessions.Dec()
}

// CommandFinished records one command. d is ignored for rejected commands.
func (m *Metrics) CommandFinished(template, outcome string, d time.Duration, truncated bool) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(template, outcome).Inc()
	if outcome != OutcomeRejected {
		m.CommandDuration.WithLabelValues(template).Observe(d.Seconds())
	}
	if truncated {
		m.TruncatedOutputs.Inc()
	}
}

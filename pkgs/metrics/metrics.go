// Package metrics holds the Prometheus collectors of a prune run.
//
// pop3prune is a batch job, so nothing is served over HTTP: the registry is
// written to a node_exporter textfile at the end of the run.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session outcomes.
const (
	OutcomeComplete    = "complete"
	OutcomeBatch       = "batch"
	OutcomeFailure     = "failure"
	OutcomeAuthFailure = "auth_failure"
	OutcomeTimeout     = "timeout"
	OutcomeCanceled    = "canceled"
)

// Message actions.
const (
	ActionDeleted     = "deleted"
	ActionKept        = "kept"
	ActionWouldDelete = "would_delete"
)

// Metrics is a set of collectors registered on their own registry.
type Metrics struct {
	Registry *prometheus.Registry

	Sessions        *prometheus.CounterVec
	Messages        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	LastRun         prometheus.Gauge
	LastRunSuccess  prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Sessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pop3prune_sessions_total",
				Help: "Total number of mailbox sessions by outcome",
			},
			[]string{"outcome"},
		),
		Messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pop3prune_messages_total",
				Help: "Total number of evaluated messages by action",
			},
			[]string{"action"},
		),
		CommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pop3prune_command_duration_seconds",
				Help:    "Duration of mailbox commands in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
			},
			[]string{"command"},
		),
		LastRun: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pop3prune_last_run_timestamp_seconds",
				Help: "Unix time the last run finished",
			},
		),
		LastRunSuccess: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pop3prune_last_run_success",
				Help: "1 if the last run finished without error, 0 otherwise",
			},
		),
	}
}

// ObserveCommand records how long a command took. Safe on a nil receiver.
func (m *Metrics) ObserveCommand(command string, start time.Time) {
	if m == nil {
		return
	}
	m.CommandDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
}

// Session counts a finished session. Safe on a nil receiver.
func (m *Metrics) Session(outcome string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(outcome).Inc()
}

// Message counts an evaluated message. Safe on a nil receiver.
func (m *Metrics) Message(action string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(action).Inc()
}

// Finish stamps the end of the run.
func (m *Metrics) Finish(at time.Time, err error) {
	if m == nil {
		return
	}
	m.LastRun.Set(float64(at.Unix()))
	if err != nil {
		m.LastRunSuccess.Set(0)
	} else {
		m.LastRunSuccess.Set(1)
	}
}

// WriteTextfile writes the registry in the text exposition format. The file
// is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

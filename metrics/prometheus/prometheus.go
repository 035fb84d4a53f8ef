// Package prometheus implements escore.Metrics with Prometheus collectors.
package prometheus

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/terraskye/escore"
)

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// Metrics implements escore.Metrics using Prometheus.
type Metrics struct {
	commandDuration   *prometheus.HistogramVec
	commandsHandled   *prometheus.CounterVec
	eventsAppended    *prometheus.CounterVec
	conflicts         *prometheus.CounterVec
	deliveriesDropped *prometheus.CounterVec
	projectionApplied *prometheus.CounterVec
	projectionGaps    *prometheus.CounterVec
}

var _ escore.Metrics = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escore_command_duration_seconds",
			Help:    "Command handling latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"command_type"}),

		commandsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escore_commands_total",
			Help: "Total number of commands handled, by outcome",
		}, []string{"command_type", "outcome"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escore_events_appended_total",
			Help: "Total number of events appended",
		}, []string{"aggregate_type"}),

		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escore_concurrency_conflicts_total",
			Help: "Total number of stale expected revisions",
		}, []string{"aggregate_type"}),

		deliveriesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escore_deliveries_dropped_total",
			Help: "Total number of envelopes dropped for a full subscriber queue",
		}, []string{"subscriber"}),

		projectionApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escore_projection_applied_total",
			Help: "Total number of envelopes applied by projections",
		}, []string{"projection"}),

		projectionGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escore_projection_gap_filled_total",
			Help: "Total number of envelopes read back from the store to close projection gaps",
		}, []string{"projection"}),
	}

	reg.MustRegister(
		m.commandDuration,
		m.commandsHandled,
		m.eventsAppended,
		m.conflicts,
		m.deliveriesDropped,
		m.projectionApplied,
		m.projectionGaps,
	)

	return m
}

func (m *Metrics) CommandHandled(commandType string, duration time.Duration, err error) {
	m.commandDuration.WithLabelValues(commandType).Observe(duration.Seconds())
	m.commandsHandled.WithLabelValues(commandType, outcome(err)).Inc()
}

func (m *Metrics) EventsAppended(aggregateType string, count int) {
	m.eventsAppended.WithLabelValues(aggregateType).Add(float64(count))
}

func (m *Metrics) ConflictDetected(aggregateType string) {
	m.conflicts.WithLabelValues(aggregateType).Inc()
}

func (m *Metrics) DeliveryDropped(subscriber string) {
	m.deliveriesDropped.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) ProjectionApplied(projection string, count int) {
	m.projectionApplied.WithLabelValues(projection).Add(float64(count))
}

func (m *Metrics) ProjectionGapFilled(projection string, count int) {
	m.projectionGaps.WithLabelValues(projection).Add(float64(count))
}

// outcome maps a command error to a low-cardinality label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, escore.ErrValidation):
		return "rejected"
	case errors.Is(err, escore.ErrNotFound):
		return "not_found"
	case errors.Is(err, escore.ErrConflict):
		return "conflict"
	case errors.Is(err, escore.ErrBackendUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

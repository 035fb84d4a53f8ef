package escore

import "time"

// Metrics receives the measurements taken by the pipeline, the broadcaster
// and projections. Labels are kept to aggregate types, command types and
// subscriber names; stream ids are never used as labels.
type Metrics interface {
	CommandHandled(commandType string, duration time.Duration, err error)
	EventsAppended(aggregateType string, count int)
	ConflictDetected(aggregateType string)
	DeliveryDropped(subscriber string)
	ProjectionApplied(projection string, count int)
	ProjectionGapFilled(projection string, count int)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) CommandHandled(string, time.Duration, error) {}
func (NopMetrics) EventsAppended(string, int)                  {}
func (NopMetrics) ConflictDetected(string)                     {}
func (NopMetrics) DeliveryDropped(string)                      {}
func (NopMetrics) ProjectionApplied(string, int)               {}
func (NopMetrics) ProjectionGapFilled(string, int)             {}

var _ Metrics = NopMetrics{}

// MultiMetrics forwards every measurement to each of ms in order.
//
//	escore.WithMetrics(escore.MultiMetrics(prom, otel.Metrics{}))
func MultiMetrics(ms ...Metrics) Metrics {
	return multiMetrics(ms)
}

type multiMetrics []Metrics

func (m multiMetrics) CommandHandled(commandType string, duration time.Duration, err error) {
	for _, x := range m {
		x.CommandHandled(commandType, duration, err)
	}
}

func (m multiMetrics) EventsAppended(aggregateType string, count int) {
	for _, x := range m {
		x.EventsAppended(aggregateType, count)
	}
}

func (m multiMetrics) ConflictDetected(aggregateType string) {
	for _, x := range m {
		x.ConflictDetected(aggregateType)
	}
}

func (m multiMetrics) DeliveryDropped(subscriber string) {
	for _, x := range m {
		x.DeliveryDropped(subscriber)
	}
}

func (m multiMetrics) ProjectionApplied(projection string, count int) {
	for _, x := range m {
		x.ProjectionApplied(projection, count)
	}
}

func (m multiMetrics) ProjectionGapFilled(projection string, count int) {
	for _, x := range m {
		x.ProjectionGapFilled(projection, count)
	}
}

// Package metrics carries pipeline telemetry as discrete events. Observers
// are composable sinks; the hot path only ever calls RecordEvent.
package metrics

import "time"

// MetricsEvent is one named measurement with free-form tags and fields.
type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

// NoopObserver discards everything. It stands in wherever an observer is
// required but nothing is configured.
type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

package observers

import (
	"context"
	"log/slog"

	"github.com/fauzanlubis/larynx/pkg/metrics"
)

// LoggerObserver dumps every metrics event as a debug log line. Wrap it in
// a ThrottledObserver unless you want one line per frame.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	attrs := make([]slog.Attr, 0, 3+len(ev.Tags)+len(ev.Fields))
	attrs = append(attrs,
		slog.String("name", ev.Name),
		slog.Time("time", ev.Time),
		slog.Float64("value", ev.Value),
	)
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(context.Background(), slog.LevelDebug, "metrics", attrs...)
}

// MultiObserver fans one event out to several observers.
type MultiObserver struct {
	targets []metrics.Observer
}

func NewMultiObserver(targets ...metrics.Observer) *MultiObserver {
	return &MultiObserver{targets: targets}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.targets {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}

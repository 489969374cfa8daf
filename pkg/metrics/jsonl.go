package metrics

import (
	"context"
	"io"
	"log/slog"
)

// JSONLObserver appends one JSON line per event, typically to an artifacts
// file. A nil writer yields an observer that drops everything.
type JSONLObserver struct {
	logger *slog.Logger
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	return &JSONLObserver{logger: slog.New(slog.NewJSONHandler(w, nil))}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
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
	o.logger.LogAttrs(context.Background(), slog.LevelInfo, "metrics", attrs...)
}

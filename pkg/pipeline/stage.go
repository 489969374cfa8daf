package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/fauzanlubis/larynx/pkg/frames"
	"github.com/fauzanlubis/larynx/pkg/metrics"
)

// FrameProcessor is one stage in a call pipeline. Process may return zero,
// one, or many frames per input; a stage that does not recognize a frame
// kind must forward it unchanged so ordering and control signals survive to
// downstream stages. A plain error discards the offending frame and the
// pipeline continues; an error marked errorsx.Fatal tears the call down.
type FrameProcessor interface {
	Process(frames.Frame) ([]frames.Frame, error)
	Name() string
}

// ContextAware stages receive the call-scoped context before Start. Provider
// calls made under it are aborted on cancel/stop.
type ContextAware interface {
	SetContext(ctx context.Context)
}

// UnitAware stages receive a per-unit context: a child of the call context
// that the manager cancels when the current unit of work is cancelled and
// replaces once the reset has walked the stages. Stages that suspend on
// provider calls select on it so a cancel interrupts them immediately.
type UnitAware interface {
	SetUnitContext(ctx context.Context)
}

// ObserverAware stages receive the pipeline's metrics observer before Start.
type ObserverAware interface {
	SetObserver(obs metrics.Observer)
}

// Closer stages release provider sessions when the pipeline stops.
type Closer interface {
	CloseAll()
}

// Config carries the per-call pipeline knobs, resolved once at construction.
type Config struct {
	HighCapacity int           `mapstructure:"high_capacity"`
	LowCapacity  int           `mapstructure:"low_capacity"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	MaxAudioLag  time.Duration `mapstructure:"max_audio_lag"`
}

func (c Config) withDefaults() Config {
	if c.HighCapacity <= 0 {
		c.HighCapacity = 32
	}
	if c.LowCapacity <= 0 {
		c.LowCapacity = 128
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	if c.MaxAudioLag <= 0 {
		c.MaxAudioLag = 500 * time.Millisecond
	}
	return c
}

func logPipeline(streamID string, stages []FrameProcessor) {
	if len(stages) == 0 {
		return
	}
	names := make([]string, 0, len(stages))
	for _, s := range stages {
		names = append(names, s.Name())
	}
	slog.Info("pipeline", "stream_id", streamID, "order", strings.Join(names, " -> "))
}

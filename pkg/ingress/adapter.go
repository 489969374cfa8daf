package ingress

import (
	"sync/atomic"
	"time"

	"github.com/fauzanlubis/larynx/pkg/errorsx"
	"github.com/fauzanlubis/larynx/pkg/frames"
	"github.com/fauzanlubis/larynx/pkg/metrics"
	"github.com/fauzanlubis/larynx/pkg/pipeline"
)

// Stats is a point-in-time snapshot of one call's intake counters.
type Stats struct {
	PacketsReceived int64
	FramesEnqueued  int64
	FramesProcessed int64
	FramesDropped   int64
	QueueDepth      int
}

// Adapter bridges raw telephony packets into one call's pipeline. It never
// blocks the packet-receipt path: under saturation the manager drops the
// packet and the drop shows up in the counters instead.
type Adapter struct {
	callSID  string
	streamID string
	mgr      *pipeline.Manager
	obs      metrics.Observer

	packetsReceived atomic.Int64
	framesEnqueued  atomic.Int64
}

func NewAdapter(callSID, streamID string, mgr *pipeline.Manager) *Adapter {
	return &Adapter{
		callSID:  callSID,
		streamID: streamID,
		mgr:      mgr,
		obs:      metrics.NoopObserver{},
	}
}

func (a *Adapter) SetObserver(obs metrics.Observer) {
	if obs != nil {
		a.obs = obs
	}
}

// HandlePacket transcodes one μ-law packet and offers it to the pipeline.
// Empty packets are counted and skipped. An InvalidState error means the
// pipeline is not accepting input; anything the queue refuses is a counted
// drop, not an error.
func (a *Adapter) HandlePacket(payload []byte) error {
	a.packetsReceived.Add(1)
	a.record(metrics.EventPacketsReceived, 1)
	if len(payload) == 0 {
		return nil
	}
	before := a.mgr.Drops()
	if err := a.mgr.PushAudio(payload); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonInvalidState)
	}
	if a.mgr.Drops() == before {
		a.framesEnqueued.Add(1)
		a.record(metrics.EventFramesEnqueued, 1)
	}
	a.record(metrics.EventQueueDepth, float64(a.mgr.QueueDepth()))
	return nil
}

// HandleEvent forwards a non-audio frame, keeping control signals on the
// priority lane.
func (a *Adapter) HandleEvent(f frames.Frame) error {
	if err := a.mgr.PushEvent(f); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonInvalidState)
	}
	return nil
}

func (a *Adapter) Stats() Stats {
	return Stats{
		PacketsReceived: a.packetsReceived.Load(),
		FramesEnqueued:  a.framesEnqueued.Load(),
		FramesProcessed: a.mgr.Processed(),
		FramesDropped:   a.mgr.Drops(),
		QueueDepth:      a.mgr.QueueDepth(),
	}
}

func (a *Adapter) record(name string, value float64) {
	a.obs.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: value,
		Tags: map[string]string{
			"call_sid":  a.callSID,
			"stream_id": a.streamID,
		},
	})
}

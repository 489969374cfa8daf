package metrics

import (
	"sync"
	"time"
)

// ThrottledObserver forwards events to an inner observer at most once per
// MinInterval, keyed on the event's own timestamp. Suppressed events are
// discarded, never queued or coalesced. The first event always passes.
type ThrottledObserver struct {
	mu            sync.Mutex
	inner         Observer
	minInterval   time.Duration
	lastForwarded time.Time
	now           func() time.Time
}

func NewThrottledObserver(inner Observer, minInterval time.Duration) *ThrottledObserver {
	if minInterval < 0 {
		minInterval = 0
	}
	return &ThrottledObserver{
		inner:       inner,
		minInterval: minInterval,
		now:         time.Now,
	}
}

func (t *ThrottledObserver) RecordEvent(ev MetricsEvent) {
	if t.inner == nil {
		return
	}
	ts := ev.Time
	if ts.IsZero() {
		ts = t.now()
		ev.Time = ts
	}
	t.mu.Lock()
	if !t.lastForwarded.IsZero() && ts.Sub(t.lastForwarded) < t.minInterval {
		t.mu.Unlock()
		return
	}
	t.lastForwarded = ts
	t.mu.Unlock()
	t.inner.RecordEvent(ev)
}

package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver decouples the hot path from slow observers: RecordEvent
// only enqueues, a single worker forwards to the wrapped observer, and a
// full buffer drops the event instead of blocking the caller.
type AsyncObserver struct {
	next    Observer
	queue   chan MetricsEvent
	dropped atomic.Int64
	stopped atomic.Bool
	stop    sync.Once
}

func NewAsyncObserver(next Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		next:  next,
		queue: make(chan MetricsEvent, buffer),
	}
	go func() {
		for ev := range a.queue {
			a.next.RecordEvent(ev)
		}
	}()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil || a.stopped.Load() {
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Dropped counts events shed because the buffer was full.
func (a *AsyncObserver) Dropped() int64 {
	return a.dropped.Load()
}

func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.stop.Do(func() {
		a.stopped.Store(true)
		close(a.queue)
	})
}

// Package priority provides the bounded two-level intake queue used per
// call: control frames preempt audio, pushes never block, and saturation is
// a counted drop rather than an error.
package priority

import (
	"sync/atomic"
	"time"
)

const idlePark = time.Millisecond

// IntakeQueue is a two-lane bounded queue. The high lane carries control
// items and is always served before the low lane.
type IntakeQueue struct {
	high    chan any
	low     chan any
	closed  atomic.Bool
	dropped atomic.Int64
}

func New(highCap, lowCap int) *IntakeQueue {
	if highCap <= 0 {
		highCap = 16
	}
	if lowCap <= 0 {
		lowCap = 64
	}
	return &IntakeQueue{
		high: make(chan any, highCap),
		low:  make(chan any, lowCap),
	}
}

// TryPushHigh admits a control item; returns false and counts a drop when
// the high lane is full or the queue is closed.
func (q *IntakeQueue) TryPushHigh(f any) bool { return q.push(q.high, f) }

// TryPushLow admits a data item under the same non-blocking discipline.
func (q *IntakeQueue) TryPushLow(f any) bool { return q.push(q.low, f) }

func (q *IntakeQueue) push(lane chan any, f any) bool {
	if q.closed.Load() {
		q.dropped.Add(1)
		return false
	}
	select {
	case lane <- f:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Pop returns the next item, preferring the high lane. It parks briefly when
// both lanes are empty and returns (nil, false) once the queue is closed and
// drained.
func (q *IntakeQueue) Pop() (any, bool) {
	for {
		if f, ok := q.take(); ok {
			return f, true
		}
		if q.closed.Load() && q.Depth() == 0 {
			return nil, false
		}
		time.Sleep(idlePark)
	}
}

func (q *IntakeQueue) take() (any, bool) {
	select {
	case f := <-q.high:
		return f, true
	default:
	}
	select {
	case f := <-q.low:
		return f, true
	default:
		return nil, false
	}
}

// DrainLow discards everything queued in the low lane, counting each item
// as a drop. Used when a cancel aborts the current unit.
func (q *IntakeQueue) DrainLow() int {
	n := 0
	for {
		select {
		case <-q.low:
			n++
			q.dropped.Add(1)
		default:
			return n
		}
	}
}

// Close stops intake. Items already queued remain poppable.
func (q *IntakeQueue) Close() { q.closed.Store(true) }

func (q *IntakeQueue) Depth() int { return len(q.high) + len(q.low) }

func (q *IntakeQueue) Dropped() int64 { return q.dropped.Load() }

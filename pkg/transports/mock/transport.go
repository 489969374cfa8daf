package mock

import (
	"context"
	"sync"

	"github.com/fauzanlubis/larynx/pkg/frames"
)

// Transport is the in-memory transport used by tests and the local demo.
// Push feeds frames in as if a caller produced them; Sent exposes what the
// pipeline sent back. No network is involved.
type Transport struct {
	in   chan frames.Frame
	out  chan frames.Frame
	done chan struct{}
	once sync.Once
}

func New() *Transport {
	return &Transport{
		in:   make(chan frames.Frame, 256),
		out:  make(chan frames.Frame, 256),
		done: make(chan struct{}),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = t.Stop()
		}()
	}
	return nil
}

func (t *Transport) Stop() error {
	t.once.Do(func() {
		close(t.done)
		close(t.in)
		close(t.out)
	})
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.in }

func (t *Transport) Send(f frames.Frame) error {
	t.offer(t.out, f)
	return nil
}

// Push injects an inbound frame, as the network side of a real transport
// would.
func (t *Transport) Push(f frames.Frame) {
	t.offer(t.in, f)
}

// Sent exposes outbound frames for inspection.
func (t *Transport) Sent() <-chan frames.Frame { return t.out }

func (t *Transport) offer(ch chan frames.Frame, f frames.Frame) {
	select {
	case <-t.done:
		return
	default:
	}
	select {
	case ch <- f:
	default:
	}
}

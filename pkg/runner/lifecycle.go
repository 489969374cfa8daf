package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fauzanlubis/larynx/pkg/errorsx"
)

// LifecycleRunner blocks in Run until its context ends or Stop is called,
// then drains once with a deadline. Draining past the deadline surfaces a
// drain-timeout error but still completes the shutdown.
type LifecycleRunner struct {
	state   atomic.Int32
	ctx     context.Context
	cancel  context.CancelFunc
	stop    sync.Once
	hooks   Hooks
	drainer Drainer
	timeout time.Duration
	err     error
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r := &LifecycleRunner{
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return errorsx.Wrap(errorsx.ErrInvalidState, errorsx.ReasonInvalidState)
	}
	PrintBanner()
	if ctx != nil {
		r.ctx, r.cancel = context.WithCancel(ctx)
	}
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.state.Store(int32(StateRunning))
	<-r.ctx.Done()
	return r.shutdown()
}

func (r *LifecycleRunner) Stop() error {
	r.cancel()
	return r.shutdown()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) shutdown() error {
	r.stop.Do(func() {
		r.state.Store(int32(StateDraining))
		r.err = r.drainWithDeadline()
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.state.Store(int32(StateStopped))
	})
	return r.err
}

func (r *LifecycleRunner) drainWithDeadline() error {
	if r.drainer == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		_ = r.drainer.Drain()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(r.timeout):
		return errorsx.Wrap(errorsx.ErrDrainTimeout, errorsx.ReasonDrainTimeout)
	}
}

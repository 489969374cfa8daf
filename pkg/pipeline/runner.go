package pipeline

import (
	"context"
	"time"

	"github.com/fauzanlubis/larynx/pkg/runner"
)

// Runner adapts a Drainer to the process-level lifecycle runner so the
// engine can drain its call pipelines alongside its other resources.
type Runner struct {
	lc *runner.LifecycleRunner
}

func (r *Runner) Run(ctx context.Context) error { return r.lc.Run(ctx) }
func (r *Runner) Stop() error                   { return r.lc.Stop() }

type DrainerFunc func() error

func (r DrainerFunc) Drain() error { return r() }

func NewDrainRunner(drainer runner.Drainer, hooks runner.Hooks, timeout time.Duration) *Runner {
	lc := runner.NewLifecycleRunner(drainer, hooks, timeout)
	return &Runner{lc: lc}
}

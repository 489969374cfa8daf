package runner

import (
	"bytes"
	"context"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Runner is a long-lived process: Run blocks until the context ends or Stop
// is called, then drains before returning.
type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks run at the edges of the runner lifecycle.
type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer flushes outstanding work before shutdown completes.
type Drainer interface {
	Drain() error
}

const EngineVersion = "dev"

func PrintBanner() {
	tpl := "{{ .Title \"LARYNX\" \"\" 0 }}\nVersion: " + EngineVersion + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}

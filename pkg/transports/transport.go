// Package transports defines the boundary between the outside world and the
// pipeline. A transport owns its network lifecycle and exchanges frames in
// both directions.
package transports

import (
	"context"

	"github.com/fauzanlubis/larynx/pkg/frames"
)

// Transport moves frames between a telephony or test endpoint and the
// engine. Recv carries inbound audio and call lifecycle markers; Send takes
// synthesized audio and playout control back out.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// OutboundDialer is implemented by transports that can originate calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// ReadyReporter exposes startup metadata, webhook URLs mostly, for the
// ready log line. Optional.
type ReadyReporter interface {
	ReadyFields() map[string]any
}

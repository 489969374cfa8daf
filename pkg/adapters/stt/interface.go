// Package stt declares the contract every speech-to-text vendor integration
// satisfies. The pipeline talks to vendors only through this interface.
package stt

import (
	"context"

	"github.com/fauzanlubis/larynx/pkg/frames"
)

// StreamingSTT is one live recognition session. Start opens the vendor
// connection, SendAudio feeds it caller audio, and Results yields transcript
// and control frames until Close.
type StreamingSTT interface {
	Name() string
	Start(ctx context.Context) error
	Close() error
	SendAudio(frame frames.AudioFrame) error
	Results() <-chan frames.Frame
}

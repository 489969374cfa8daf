// Package tts declares the contract every text-to-speech vendor integration
// satisfies.
package tts

import (
	"context"

	"github.com/fauzanlubis/larynx/pkg/frames"
)

// StreamingTTS is one live synthesis session. SendText queues sentences for
// synthesis; Flush cuts playback short and clears anything buffered, which
// is how barge-in silences the assistant mid-sentence.
type StreamingTTS interface {
	Name() string
	Start(ctx context.Context) error
	Close() error
	SendText(text string) error
	Flush()
	Results() <-chan frames.Frame
}

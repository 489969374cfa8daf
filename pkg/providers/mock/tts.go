package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fauzanlubis/larynx/pkg/adapters/tts"
	"github.com/fauzanlubis/larynx/pkg/codec"
	"github.com/fauzanlubis/larynx/pkg/frames"
)

type TTSConfig struct {
	StreamID   string
	CallSID    string
	SampleRate int
	Channels   int
}

// StreamingTTS synthesizes one silent 20ms frame per sentence so pipeline
// tests can follow audio through the stages without a vendor account.
type StreamingTTS struct {
	cfg  TTSConfig
	out  chan frames.Frame
	mu   sync.Mutex
	open bool
}

func NewTTS(cfg TTSConfig) *StreamingTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = codec.RatePipeline
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	return &StreamingTTS{cfg: cfg, out: make(chan frames.Frame, 16)}
}

func (s *StreamingTTS) Name() string { return "mock_tts" }

func (s *StreamingTTS) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	return nil
}

func (s *StreamingTTS) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out != nil {
		close(s.out)
		s.out = nil
	}
	s.open = false
	return nil
}

func (s *StreamingTTS) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || s.out == nil {
		return errors.New("not started")
	}
	s.out <- s.silence()
	return nil
}

func (s *StreamingTTS) Flush() {}

func (s *StreamingTTS) Results() <-chan frames.Frame { return s.out }

// silence builds a 20ms all-zero PCM16 frame at the configured rate.
func (s *StreamingTTS) silence() frames.Frame {
	pcm := make([]byte, s.cfg.SampleRate/50*2*s.cfg.Channels)
	return frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), pcm, s.cfg.SampleRate, s.cfg.Channels, map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaCallSID:  s.cfg.CallSID,
		frames.MetaSource:   "tts",
		frames.MetaEncoding: frames.EncodingPCM16,
	})
}

var _ tts.StreamingTTS = (*StreamingTTS)(nil)

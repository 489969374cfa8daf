package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fauzanlubis/larynx/pkg/adapters/stt"
	"github.com/fauzanlubis/larynx/pkg/frames"
)

type STTConfig struct {
	StreamID          string
	CallSID           string
	TraceID           string
	Transcript        string
	InterimTranscript string
	EmitInterim       bool
	EmitVAD           bool
	EmitUtteranceEnd  bool
}

// StreamingSTT plays back one scripted recognition the first time it hears
// audio: optional turn-start, optional interim, the final transcript, a
// flush, and an optional utterance end. Later audio is swallowed, which
// keeps test output deterministic.
type StreamingSTT struct {
	cfg    STTConfig
	out    chan frames.Frame
	mu     sync.Mutex
	open   bool
	played bool
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	return &StreamingSTT{cfg: cfg, out: make(chan frames.Frame, 16)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out != nil {
		close(s.out)
		s.out = nil
	}
	s.open = false
	return nil
}

func (s *StreamingSTT) SendAudio(frames.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || s.out == nil {
		return errors.New("not started")
	}
	if s.played {
		return nil
	}
	s.played = true
	for _, f := range s.script() {
		s.out <- f
	}
	return nil
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

func (s *StreamingSTT) script() []frames.Frame {
	var out []frames.Frame
	if s.cfg.EmitVAD {
		out = append(out, s.control(frames.ControlStartOfTurn, "speech_started"))
	}
	if s.cfg.EmitInterim {
		interim := s.cfg.InterimTranscript
		if interim == "" {
			interim = s.cfg.Transcript
		}
		out = append(out, s.text(interim, false))
	}
	out = append(out,
		s.text(s.cfg.Transcript, true),
		s.control(frames.ControlFlush, "speech_final"),
	)
	if s.cfg.EmitUtteranceEnd {
		out = append(out, s.control(frames.ControlEndOfTurn, "utterance_end"))
	}
	return out
}

func (s *StreamingSTT) meta(reason string, final *bool) map[string]string {
	m := map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaCallSID:  s.cfg.CallSID,
		frames.MetaSource:   "stt",
	}
	if s.cfg.TraceID != "" {
		m[frames.MetaTraceID] = s.cfg.TraceID
	}
	if reason != "" {
		m[frames.MetaReason] = reason
	}
	if final != nil {
		if *final {
			m[frames.MetaIsFinal] = "true"
		} else {
			m[frames.MetaIsFinal] = "false"
		}
	}
	return m
}

func (s *StreamingSTT) text(body string, final bool) frames.Frame {
	return frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), body, s.meta("", &final))
}

func (s *StreamingSTT) control(code frames.ControlCode, reason string) frames.Frame {
	return frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), code, s.meta(reason, nil))
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)

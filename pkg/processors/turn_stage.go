package processors

import (
	"github.com/fauzanlubis/larynx/pkg/frames"
	"github.com/fauzanlubis/larynx/pkg/pipeline"
	"github.com/fauzanlubis/larynx/pkg/turn"
)

// TurnStage drives the per-call turn manager from the frame stream. It sits
// between the VAD and the STT stage: turn boundaries from upstream update the
// floor state, and a detected barge-in injects interruption controls ahead of
// the frame that caused it.
type TurnStage struct {
	mgr *turn.Manager

	queued []frames.Frame
}

func NewTurnStage(strategy turn.Strategy, opts turn.Options) *TurnStage {
	s := &TurnStage{}
	s.mgr = turn.NewManager(strategy, emitFunc(func(f frames.Frame) error {
		s.queued = append(s.queued, f)
		return nil
	}), opts)
	return s
}

type emitFunc func(frames.Frame) error

func (fn emitFunc) Emit(f frames.Frame) error { return fn(f) }

func (s *TurnStage) Name() string { return "turn" }

// Manager exposes the underlying turn manager for listeners.
func (s *TurnStage) Manager() *turn.Manager { return s.mgr }

func (s *TurnStage) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		streamID := streamIDOf(cf)
		role := frames.Role(cf.Meta()[frames.MetaRole])
		switch cf.Code() {
		case frames.ControlStartOfTurn:
			s.mgr.OnUserSpeechStart(streamID)
		case frames.ControlEndOfTurn:
			if role == frames.RoleAssistant {
				s.mgr.OnAssistantSpeechEnd()
			} else {
				s.mgr.OnUserSpeechEnd(streamID)
			}
		}
	case frames.KindAudio:
		af := f.(frames.AudioFrame)
		if af.Meta()[frames.MetaSource] == "tts" {
			s.mgr.OnAssistantSpeechStart()
		} else {
			s.mgr.OnUserSpeechContinued(streamIDOf(af))
		}
	}
	if len(s.queued) == 0 {
		return []frames.Frame{f}, nil
	}
	out := append(s.queued, f)
	s.queued = nil
	return out, nil
}

var _ pipeline.FrameProcessor = (*TurnStage)(nil)

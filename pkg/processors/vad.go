package processors

import (
	"math"
	"time"

	"github.com/fauzanlubis/larynx/pkg/codec"
	"github.com/fauzanlubis/larynx/pkg/frames"
	"github.com/fauzanlubis/larynx/pkg/pipeline"
)

// VADConfig is resolved once at pipeline construction.
type VADConfig struct {
	SampleRate         int           `mapstructure:"sample_rate"`
	FrameSize          int           `mapstructure:"frame_size"`
	VolumeThreshold    float64       `mapstructure:"volume_threshold"`
	MinSpeechDuration  time.Duration `mapstructure:"min_speech_duration"`
	MinSilenceDuration time.Duration `mapstructure:"min_silence_duration"`
	Padding            time.Duration `mapstructure:"padding"`
}

func (c VADConfig) withDefaults() VADConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = codec.RatePipeline
	}
	if c.FrameSize <= 0 {
		c.FrameSize = 320
	}
	if c.VolumeThreshold <= 0 {
		c.VolumeThreshold = 500
	}
	if c.MinSpeechDuration <= 0 {
		c.MinSpeechDuration = 200 * time.Millisecond
	}
	if c.MinSilenceDuration <= 0 {
		c.MinSilenceDuration = 600 * time.Millisecond
	}
	if c.Padding <= 0 {
		c.Padding = 100 * time.Millisecond
	}
	return c
}

// VAD is an energy-based voice activity stage. It acts only on audio: RMS
// above the volume threshold sustained for MinSpeechDuration opens a turn
// (start_of_turn), RMS below it for MinSilenceDuration closes the turn
// (end_of_turn). Everything it does not act on passes through unchanged,
// including control signals from upstream.
type VAD struct {
	cfg VADConfig

	speaking    bool
	speechAccum time.Duration
	silentAccum time.Duration
}

func NewVAD(cfg VADConfig) *VAD {
	return &VAD{cfg: cfg.withDefaults()}
}

func (v *VAD) Name() string { return "vad" }

func (v *VAD) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() != frames.KindAudio {
		return []frames.Frame{f}, nil
	}
	af := f.(frames.AudioFrame)
	samples := codec.PCM16Samples(af.RawPayload())
	if len(samples) == 0 {
		return []frames.Frame{f}, nil
	}
	dur := af.Duration()
	loud := rms(samples) >= v.cfg.VolumeThreshold

	out := make([]frames.Frame, 0, 2)
	if loud {
		v.silentAccum = 0
		v.speechAccum += dur
		if !v.speaking && v.speechAccum >= v.cfg.MinSpeechDuration {
			v.speaking = true
			out = append(out, frames.NewControlFrame(streamIDOf(af), af.PTS(), frames.ControlStartOfTurn, map[string]string{
				frames.MetaSource: "vad",
			}))
		}
	} else {
		v.speechAccum = 0
		if v.speaking {
			v.silentAccum += dur
			// Padding lets a short breath pause ride through before the
			// turn is declared over.
			if v.silentAccum >= v.cfg.MinSilenceDuration+v.cfg.Padding {
				v.speaking = false
				v.silentAccum = 0
				out = append(out, af)
				out = append(out, frames.NewControlFrame(streamIDOf(af), af.PTS(), frames.ControlEndOfTurn, map[string]string{
					frames.MetaSource: "vad",
				}))
				return out, nil
			}
		}
	}
	out = append(out, af)
	return out, nil
}

// Speaking reports whether the stage currently considers the caller to be
// mid-utterance.
func (v *VAD) Speaking() bool { return v.speaking }

func rms(samples []int16) float64 {
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func streamIDOf(f frames.Frame) string {
	return f.Meta()[frames.MetaStreamID]
}

var _ pipeline.FrameProcessor = (*VAD)(nil)

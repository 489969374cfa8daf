package engine

import (
	"fmt"
	"strings"

	"github.com/fauzanlubis/larynx/pkg/adapters/stt"
	"github.com/fauzanlubis/larynx/pkg/adapters/tts"
	"github.com/fauzanlubis/larynx/pkg/codec"
	"github.com/fauzanlubis/larynx/pkg/configutil"
	"github.com/fauzanlubis/larynx/pkg/llm"
	"github.com/fauzanlubis/larynx/pkg/providers/deepgram"
	"github.com/fauzanlubis/larynx/pkg/providers/mock"
	"github.com/fauzanlubis/larynx/pkg/transports"
	transportmock "github.com/fauzanlubis/larynx/pkg/transports/mock"
	"github.com/fauzanlubis/larynx/pkg/transports/twilio"
)

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	Interim        bool   `mapstructure:"interim"`
	VADEvents      bool   `mapstructure:"vad_events"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
}

type mockSTTSettings struct {
	Transcript        string `mapstructure:"transcript"`
	InterimTranscript string `mapstructure:"interim_transcript"`
	EmitInterim       bool   `mapstructure:"emit_interim"`
	EmitVAD           bool   `mapstructure:"emit_vad"`
	EmitUtteranceEnd  bool   `mapstructure:"emit_utterance_end"`
}

type mockTTSSettings struct {
	SampleRate int `mapstructure:"sample_rate"`
	Channels   int `mapstructure:"channels"`
}

type mockLLMSettings struct {
	ResponseText string   `mapstructure:"response_text"`
	StreamChunks []string `mapstructure:"stream_chunks"`
}

// RegisterBuiltinProviders wires the vendors shipped with the engine. Apps
// with custom vendors register their own builders on top.
func RegisterBuiltinProviders(r *ProviderRegistry) {
	r.RegisterSTT("deepgram", func(cfg Config, traceID string) (func(callSID, streamID string) stt.StreamingSTT, error) {
		var s deepgramSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &s); err != nil {
			return nil, fmt.Errorf("deepgram settings: %w", err)
		}
		if err := configutil.RequireString(s.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return nil, err
		}
		if s.SampleRate == 0 {
			s.SampleRate = codec.RatePipeline
		}
		return func(callSID, streamID string) stt.StreamingSTT {
			return deepgram.New(deepgram.Config{
				APIKey:         s.APIKey,
				Model:          s.Model,
				Language:       s.Language,
				SampleRate:     s.SampleRate,
				Encoding:       s.Encoding,
				Interim:        s.Interim,
				VADEvents:      s.VADEvents,
				UtteranceEndMS: s.UtteranceEndMS,
				StreamID:       streamID,
				CallSID:        callSID,
				TraceID:        traceID,
			})
		}, nil
	})

	r.RegisterSTT("mock", func(cfg Config, traceID string) (func(callSID, streamID string) stt.StreamingSTT, error) {
		var s mockSTTSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &s); err != nil {
			return nil, fmt.Errorf("mock stt settings: %w", err)
		}
		return func(callSID, streamID string) stt.StreamingSTT {
			return mock.NewSTT(mock.STTConfig{
				StreamID:          streamID,
				CallSID:           callSID,
				TraceID:           traceID,
				Transcript:        s.Transcript,
				InterimTranscript: s.InterimTranscript,
				EmitInterim:       s.EmitInterim,
				EmitVAD:           s.EmitVAD,
				EmitUtteranceEnd:  s.EmitUtteranceEnd,
			})
		}, nil
	})

	r.RegisterTTS("mock", func(cfg Config) (func(callSID, streamID string) tts.StreamingTTS, error) {
		var s mockTTSSettings
		if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &s); err != nil {
			return nil, fmt.Errorf("mock tts settings: %w", err)
		}
		return func(callSID, streamID string) tts.StreamingTTS {
			return mock.NewTTS(mock.TTSConfig{
				StreamID:   streamID,
				CallSID:    callSID,
				SampleRate: s.SampleRate,
				Channels:   s.Channels,
			})
		}, nil
	})

	r.RegisterLLM("mock", func(cfg Config) (llm.Adapter, error) {
		var s mockLLMSettings
		if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &s); err != nil {
			return nil, fmt.Errorf("mock llm settings: %w", err)
		}
		return mock.NewLLMAdapter(mock.LLMConfig{
			ResponseText: s.ResponseText,
			StreamChunks: s.StreamChunks,
		}), nil
	})
}

// BuildTransport constructs the configured transport. The twilio transport
// reads its own settings schema; mock needs none.
func BuildTransport(cfg Config) (transports.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transports.Provider)) {
	case "mock":
		return transportmock.New(), nil
	case "twilio":
		var tc twilio.Config
		if err := configutil.DecodeSettings(cfg.Transports.Settings, &tc); err != nil {
			return nil, fmt.Errorf("twilio settings: %w", err)
		}
		return twilio.New(tc), nil
	default:
		return nil, fmt.Errorf("transport not registered: %s", cfg.Transports.Provider)
	}
}

package engine

import (
	"fmt"
	"strings"

	"github.com/fauzanlubis/larynx/pkg/adapters/stt"
	"github.com/fauzanlubis/larynx/pkg/adapters/tts"
	"github.com/fauzanlubis/larynx/pkg/llm"
)

type STTFactoryBuilder func(cfg Config, traceID string) (func(callSID, streamID string) stt.StreamingSTT, error)
type TTSFactoryBuilder func(cfg Config) (func(callSID, streamID string) tts.StreamingTTS, error)
type LLMFactory func(cfg Config) (llm.Adapter, error)

// ProviderRegistry maps vendor names to factory builders. Builders resolve
// once per call; the factories they return build one streaming session per
// stream. Lookups are case-insensitive.
type ProviderRegistry struct {
	stt map[string]STTFactoryBuilder
	tts map[string]TTSFactoryBuilder
	llm map[string]LLMFactory
}

func NewProviderRegistry() *ProviderRegistry {
	r := &ProviderRegistry{}
	r.stt = map[string]STTFactoryBuilder{}
	r.tts = map[string]TTSFactoryBuilder{}
	r.llm = map[string]LLMFactory{}
	return r
}

func vendorKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *ProviderRegistry) RegisterSTT(name string, b STTFactoryBuilder) { r.stt[vendorKey(name)] = b }
func (r *ProviderRegistry) RegisterTTS(name string, b TTSFactoryBuilder) { r.tts[vendorKey(name)] = b }
func (r *ProviderRegistry) RegisterLLM(name string, b LLMFactory)        { r.llm[vendorKey(name)] = b }

func (r *ProviderRegistry) BuildSTTFactory(provider string, cfg Config, traceID string) (func(callSID, streamID string) stt.StreamingSTT, error) {
	b, ok := r.stt[vendorKey(provider)]
	if !ok {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return b(cfg, traceID)
}

func (r *ProviderRegistry) BuildTTSFactory(provider string, cfg Config) (func(callSID, streamID string) tts.StreamingTTS, error) {
	b, ok := r.tts[vendorKey(provider)]
	if !ok {
		return nil, fmt.Errorf("tts provider not registered: %s", provider)
	}
	return b(cfg)
}

func (r *ProviderRegistry) BuildLLM(provider string, cfg Config) (llm.Adapter, error) {
	b, ok := r.llm[vendorKey(provider)]
	if !ok {
		return nil, fmt.Errorf("llm provider not registered: %s", provider)
	}
	return b(cfg)
}

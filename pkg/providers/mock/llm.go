package mock

import (
	"context"

	"github.com/fauzanlubis/larynx/pkg/llm"
)

type LLMConfig struct {
	ResponseText string
	StreamChunks []string
	Err          error
}

// LLMAdapter replays a canned response. Configure StreamChunks to control
// how the streamed text is split, or Err to exercise failure handling.
type LLMAdapter struct {
	cfg LLMConfig
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" {
		cfg.ResponseText = "mock response"
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	if a.cfg.Err != nil {
		return llm.Response{}, a.cfg.Err
	}
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	return llm.Response{Text: a.cfg.ResponseText, FinishReason: "stop"}, nil
}

func (a *LLMAdapter) Stream(ctx context.Context, input llm.Context) (<-chan string, error) {
	if a.cfg.Err != nil {
		return nil, a.cfg.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(chan string, len(a.cfg.StreamChunks)+1)
	go func() {
		defer close(out)
		for _, chunk := range a.chunks() {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (a *LLMAdapter) chunks() []string {
	if len(a.cfg.StreamChunks) > 0 {
		return a.cfg.StreamChunks
	}
	return []string{a.cfg.ResponseText}
}

var _ llm.Adapter = (*LLMAdapter)(nil)

package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fauzanlubis/larynx/pkg/errorsx"
	"github.com/fauzanlubis/larynx/pkg/frames"
	"github.com/fauzanlubis/larynx/pkg/llm"
	"github.com/fauzanlubis/larynx/pkg/metrics"
	"github.com/fauzanlubis/larynx/pkg/pipeline"
)

type LLMConfig struct {
	SystemPrompt string        `mapstructure:"system_prompt"`
	MaxHistory   int           `mapstructure:"max_history"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

func (c LLMConfig) withDefaults() LLMConfig {
	if c.MaxHistory <= 0 {
		c.MaxHistory = 20
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// LLMStage turns final user sentences into assistant responses. It keeps a
// short per-stream conversation history, streams the reply as partial text
// frames and closes each response with end_of_turn. The aggregator behind
// it reassembles the partials into sentences for synthesis.
type LLMStage struct {
	mu      sync.Mutex
	cfg     LLMConfig
	adapter llm.Adapter
	history map[string][]llm.Message
	ctx     context.Context
	unitCtx context.Context
	obs     metrics.Observer
}

func NewLLMStage(adapter llm.Adapter, cfg LLMConfig) *LLMStage {
	return &LLMStage{
		cfg:     cfg.withDefaults(),
		adapter: adapter,
		history: make(map[string][]llm.Message),
	}
}

func (p *LLMStage) Name() string { return "llm" }

func (p *LLMStage) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *LLMStage) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

// SetUnitContext binds the cancellable unit context the stream select
// watches, so a cancel pushed mid-generation interrupts it at once.
func (p *LLMStage) SetUnitContext(ctx context.Context) {
	if ctx != nil {
		p.unitCtx = ctx
	}
}

func (p *LLMStage) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		switch cf.Code() {
		case frames.ControlCancel, frames.ControlStartInterruption:
			p.resetStream(streamIDOf(cf))
		}
		return []frames.Frame{f}, nil
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		if sf.Name() == "call_end" {
			p.resetStream(sf.Meta()[frames.MetaStreamID])
		}
		return []frames.Frame{f}, nil
	case frames.KindText:
	default:
		return []frames.Frame{f}, nil
	}

	tf := f.(frames.TextFrame)
	if !tf.Final() || tf.Role() == frames.RoleAssistant {
		return []frames.Frame{f}, nil
	}
	streamID := streamIDOf(tf)
	input := p.appendUser(streamID, tf.Text())

	ctx := p.unitCtx
	if ctx == nil {
		ctx = p.ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	ch, err := p.adapter.Stream(ctx, input)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonLLMStream)
		slog.Info("llm_stream_error", "stream_id", streamID, "provider", p.adapter.Name(), "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		p.record(metrics.EventStageError, streamID)
		return []frames.Frame{frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, tf.Meta())}, nil
	}

	var full strings.Builder
	out := make([]frames.Frame, 0, 8)
stream:
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				break stream
			}
			if full.Len() == 0 {
				p.record("llm_first_token", streamID)
			}
			full.WriteString(chunk)
			out = append(out, frames.NewTextFrame(streamID, time.Now().UnixNano(), chunk, map[string]string{
				frames.MetaStreamID: streamID,
				frames.MetaSource:   "llm",
				frames.MetaRole:     string(frames.RoleAssistant),
				frames.MetaIsFinal:  "false",
			}))
		case <-ctx.Done():
			slog.Info("llm_stream_cancelled", "stream_id", streamID, "provider", p.adapter.Name())
			p.resetStream(streamID)
			return []frames.Frame{frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlCancel, map[string]string{
				frames.MetaStreamID: streamID,
				frames.MetaSource:   "llm",
			})}, nil
		}
	}
	text := full.String()
	p.appendAssistant(streamID, text)
	p.record("llm_done", streamID)
	slog.Info("llm_response", "stream_id", streamID, "provider", p.adapter.Name(), "chars", len(text), "latency_ms", time.Since(start).Milliseconds())
	out = append(out, frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlEndOfTurn, map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaSource:   "llm",
		frames.MetaRole:     string(frames.RoleAssistant),
	}))
	return out, nil
}

func (p *LLMStage) appendUser(streamID, text string) llm.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := append(p.history[streamID], llm.Message{Role: "user", Content: text})
	if len(h) > p.cfg.MaxHistory {
		h = h[len(h)-p.cfg.MaxHistory:]
	}
	p.history[streamID] = h
	msgs := make([]llm.Message, len(h))
	copy(msgs, h)
	return llm.Context{System: p.cfg.SystemPrompt, Messages: msgs}
}

func (p *LLMStage) appendAssistant(streamID, text string) {
	if text == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	h := append(p.history[streamID], llm.Message{Role: "assistant", Content: text})
	if len(h) > p.cfg.MaxHistory {
		h = h[len(h)-p.cfg.MaxHistory:]
	}
	p.history[streamID] = h
}

func (p *LLMStage) resetStream(streamID string) {
	p.mu.Lock()
	delete(p.history, streamID)
	p.mu.Unlock()
}

func (p *LLMStage) CloseAll() {
	p.mu.Lock()
	p.history = make(map[string][]llm.Message)
	p.mu.Unlock()
}

func (p *LLMStage) record(name, streamID string) {
	if p.obs == nil {
		return
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{"stage": p.Name(), "stream_id": streamID},
	})
}

var (
	_ pipeline.FrameProcessor = (*LLMStage)(nil)
	_ pipeline.ContextAware   = (*LLMStage)(nil)
	_ pipeline.ObserverAware  = (*LLMStage)(nil)
	_ pipeline.Closer         = (*LLMStage)(nil)
)

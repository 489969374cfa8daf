package processors

import (
	"context"
	"testing"
	"time"

	"github.com/fauzanlubis/larynx/pkg/frames"
	"github.com/fauzanlubis/larynx/pkg/llm"
	"github.com/fauzanlubis/larynx/pkg/providers/mock"
)

func userText(text string, final bool) frames.TextFrame {
	meta := map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaSource:   "stt",
		frames.MetaRole:     string(frames.RoleUser),
		frames.MetaIsFinal:  "false",
	}
	if final {
		meta[frames.MetaIsFinal] = "true"
	}
	return frames.NewTextFrame("stream-1", time.Now().UnixNano(), text, meta)
}

func TestLLMStageStreamsResponse(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{StreamChunks: []string{"How can ", "I help?"}})
	stage := NewLLMStage(adapter, LLMConfig{})

	out, err := stage.Process(userText("hello", true))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	// Two partial chunks, then end_of_turn.
	if len(out) != 3 {
		t.Fatalf("expected 3 frames, got %d: %v", len(out), out)
	}
	last := out[len(out)-1]
	cf, ok := last.(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlEndOfTurn {
		t.Fatalf("expected trailing end_of_turn, got %v", last)
	}
	var joined string
	for _, f := range out[:2] {
		tf := f.(frames.TextFrame)
		if tf.Final() {
			t.Fatalf("expected partial chunk, got final %q", tf.Text())
		}
		if tf.Role() != frames.RoleAssistant {
			t.Fatalf("expected assistant role, got %q", tf.Role())
		}
		joined += tf.Text()
	}
	if joined != "How can I help?" {
		t.Fatalf("unexpected streamed response %q", joined)
	}
}

func TestLLMStageIgnoresInterimAndAssistantText(t *testing.T) {
	adapter := mock.NewLLMAdapter(mock.LLMConfig{})
	stage := NewLLMStage(adapter, LLMConfig{})

	out, err := stage.Process(userText("partial", false))
	if err != nil {
		t.Fatalf("process interim: %v", err)
	}
	if len(out) != 1 || out[0].Kind() != frames.KindText {
		t.Fatalf("expected interim pass-through, got %v", out)
	}

	own := frames.NewTextFrame("stream-1", 1, "echo", map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaRole:     string(frames.RoleAssistant),
		frames.MetaIsFinal:  "true",
	})
	out, err = stage.Process(own)
	if err != nil {
		t.Fatalf("process assistant: %v", err)
	}
	if len(out) != 1 || out[0].Kind() != frames.KindText {
		t.Fatalf("expected assistant text pass-through, got %v", out)
	}
}

func TestLLMStageKeepsHistoryAcrossTurns(t *testing.T) {
	var captured llm.Context
	adapter := &capturingLLM{}
	stage := NewLLMStage(adapter, LLMConfig{SystemPrompt: "be brief"})

	if _, err := stage.Process(userText("first", true)); err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if _, err := stage.Process(userText("second", true)); err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	captured = adapter.last
	// user, assistant, user
	if len(captured.Messages) != 3 {
		t.Fatalf("expected 3 messages of history, got %d", len(captured.Messages))
	}
	if captured.System != "be brief" {
		t.Fatalf("expected system prompt carried, got %q", captured.System)
	}
	if captured.Messages[1].Role != "assistant" {
		t.Fatalf("expected assistant reply in history, got %q", captured.Messages[1].Role)
	}
}

func TestLLMStageCancelClearsHistory(t *testing.T) {
	adapter := &capturingLLM{}
	stage := NewLLMStage(adapter, LLMConfig{})

	if _, err := stage.Process(userText("first", true)); err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	cancel := frames.NewControlFrame("stream-1", 1, frames.ControlCancel, map[string]string{frames.MetaStreamID: "stream-1"})
	if _, err := stage.Process(cancel); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := stage.Process(userText("second", true)); err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if len(adapter.last.Messages) != 1 {
		t.Fatalf("expected history reset, got %d messages", len(adapter.last.Messages))
	}
}

type capturingLLM struct {
	last llm.Context
}

func (c *capturingLLM) Name() string { return "capturing" }

func (c *capturingLLM) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	c.last = input
	return llm.Response{Text: "ok"}, nil
}

func (c *capturingLLM) Stream(ctx context.Context, input llm.Context) (<-chan string, error) {
	c.last = input
	out := make(chan string, 1)
	out <- "ok"
	close(out)
	return out, nil
}

package aggregators

import (
	"testing"
	"time"

	"github.com/fauzanlubis/larynx/pkg/frames"
)

func token(t *testing.T, text string) frames.TextFrame {
	t.Helper()
	return frames.NewTextFrame("stream-1", time.Now().UnixNano(), text, map[string]string{
		frames.MetaRole: string(frames.RoleAssistant),
	})
}

func TestPunctuationFlush(t *testing.T) {
	agg := NewSentenceAggregator(AggregatorConfig{})
	out, err := agg.Process(token(t, "Hello"))
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no output before sentence end, got %d frames", len(out))
	}
	out, err = agg.Process(token(t, " world."))
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one sentence, got %d frames", len(out))
	}
	tf := out[0].(frames.TextFrame)
	if tf.Text() != "Hello world." {
		t.Fatalf("expected %q, got %q", "Hello world.", tf.Text())
	}
	if !tf.Final() {
		t.Fatalf("expected emitted sentence marked final for synthesis")
	}
	if leftover := agg.Flush(); leftover != "" {
		t.Fatalf("expected empty buffer after flush, got %q", leftover)
	}
}

func TestTurnBoundaryFlushesUnterminatedText(t *testing.T) {
	agg := NewSentenceAggregator(AggregatorConfig{MinLen: 64})
	if out, _ := agg.Process(token(t, "wait for it")); len(out) != 0 {
		t.Fatalf("expected buffering, got %d frames", len(out))
	}
	boundary := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlEndOfTurn, nil)
	out, err := agg.Process(boundary)
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected sentence plus boundary, got %d frames", len(out))
	}
	tf, ok := out[0].(frames.TextFrame)
	if !ok {
		t.Fatalf("expected text emitted before boundary signal")
	}
	if tf.Text() != "wait for it" {
		t.Fatalf("expected %q, got %q", "wait for it", tf.Text())
	}
	cf, ok := out[1].(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlEndOfTurn {
		t.Fatalf("expected boundary forwarded after flush")
	}
}

func TestEndOfStreamFlushes(t *testing.T) {
	agg := NewSentenceAggregator(AggregatorConfig{})
	_, _ = agg.Process(token(t, "almost done"))
	eos := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlEndOfStream, nil)
	out, _ := agg.Process(eos)
	if len(out) != 2 {
		t.Fatalf("expected sentence plus end_of_stream, got %d frames", len(out))
	}
}

func TestCancelDiscardsBuffer(t *testing.T) {
	agg := NewSentenceAggregator(AggregatorConfig{})
	_, _ = agg.Process(token(t, "partial answer that should vanish"))
	cancel := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlCancel, nil)
	out, _ := agg.Process(cancel)
	if len(out) != 1 {
		t.Fatalf("expected only the cancel frame, got %d frames", len(out))
	}
	if _, ok := out[0].(frames.ControlFrame); !ok {
		t.Fatalf("expected cancel forwarded unchanged")
	}
	if agg.Flush() != "" {
		t.Fatalf("expected cleared buffer after cancel")
	}
}

func TestFinalFragmentFlushesImmediately(t *testing.T) {
	agg := NewSentenceAggregator(AggregatorConfig{MinLen: 64})
	final := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "ok", map[string]string{
		frames.MetaIsFinal: "true",
	})
	out, _ := agg.Process(final)
	if len(out) != 1 {
		t.Fatalf("expected one unit for final fragment, got %d", len(out))
	}
	if tf := out[0].(frames.TextFrame); tf.Text() != "ok" {
		t.Fatalf("expected %q, got %q", "ok", tf.Text())
	}
}

func TestPassThroughKeepsUnknownFrames(t *testing.T) {
	agg := NewSentenceAggregator(AggregatorConfig{})
	af := frames.NewAudioFrame("stream-1", 1, []byte{0, 0}, 16000, 1, nil)
	out, _ := agg.Process(af)
	if len(out) != 1 {
		t.Fatalf("expected pass-through, got %d frames", len(out))
	}
	if out[0].Kind() != frames.KindAudio {
		t.Fatalf("expected audio frame forwarded unchanged")
	}
}

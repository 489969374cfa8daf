package engine

import (
	"context"
	"testing"
	"time"

	"github.com/fauzanlubis/larynx/pkg/codec"
	"github.com/fauzanlubis/larynx/pkg/frames"
	transportmock "github.com/fauzanlubis/larynx/pkg/transports/mock"
)

func mockConfig() Config {
	return Config{
		Vendors: VendorsConfig{
			STT: VendorConfig{Provider: "mock"},
			TTS: VendorConfig{Provider: "mock"},
			LLM: VendorConfig{Provider: "mock", Settings: map[string]any{
				"response_text": "Hello caller.",
			}},
		},
		Transports: TransportsConfig{Provider: "mock"},
		LogLevel:   "error",
	}
}

func callMeta() map[string]string {
	return map[string]string{
		frames.MetaCallSID:  "CA-test-1",
		frames.MetaStreamID: "MZ-test-1",
		frames.MetaTraceID:  "trace-1",
	}
}

func mulawPacket() []byte {
	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = 0xFF // μ-law silence
	}
	return payload
}

func TestEngineRoutesCallToSynthesis(t *testing.T) {
	tr := transportmock.New()
	eng := NewEngine(EngineOptions{Config: mockConfig(), Transport: tr})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = eng.Stop() }()

	tr.Push(frames.NewAudioFrame("MZ-test-1", time.Now().UnixNano(), mulawPacket(), codec.RateTelephony, 1, callMeta()))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-tr.Sent():
			if !ok {
				t.Fatalf("transport closed before synthesis arrived")
			}
			if f.Kind() == frames.KindAudio {
				if st, ok := eng.Stats("CA-test-1"); !ok || st.PacketsReceived != 1 {
					t.Fatalf("unexpected intake stats: %+v ok=%v", st, ok)
				}
				return
			}
		case <-deadline:
			t.Fatalf("no synthesized audio reached the transport")
		}
	}
}

func TestEngineCallEndTearsDownSession(t *testing.T) {
	tr := transportmock.New()
	eng := NewEngine(EngineOptions{Config: mockConfig(), Transport: tr})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = eng.Stop() }()

	tr.Push(frames.NewAudioFrame("MZ-test-1", time.Now().UnixNano(), mulawPacket(), codec.RateTelephony, 1, callMeta()))

	waitFor(t, time.Second, func() bool {
		_, ok := eng.Stats("CA-test-1")
		return ok
	}, "session was never created")

	tr.Push(frames.NewSystemFrame("MZ-test-1", time.Now().UnixNano(), "call_end", callMeta()))

	waitFor(t, 2*time.Second, func() bool {
		_, ok := eng.Stats("CA-test-1")
		return !ok && eng.Registry().Count() == 0
	}, "session survived call_end")
}

func TestEngineUnknownProviderFailsSessionNotEngine(t *testing.T) {
	cfg := mockConfig()
	cfg.Vendors.STT.Provider = "nope"
	tr := transportmock.New()
	eng := NewEngine(EngineOptions{Config: cfg, Transport: tr})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = eng.Stop() }()

	tr.Push(frames.NewAudioFrame("MZ-test-1", time.Now().UnixNano(), mulawPacket(), codec.RateTelephony, 1, callMeta()))

	time.Sleep(200 * time.Millisecond)
	if eng.Registry().Count() != 0 {
		t.Fatalf("expected no session for unknown provider")
	}
	if _, ok := eng.Stats("CA-test-1"); ok {
		t.Fatalf("expected no intake adapter for failed session")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

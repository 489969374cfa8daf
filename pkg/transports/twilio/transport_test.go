package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/fauzanlubis/larynx/pkg/frames"
)

// bufferedWriter builds a wsWriter with no socket so tests can observe the
// messages Send enqueues.
func bufferedWriter() *wsWriter {
	return &wsWriter{ch: make(chan []byte, 8)}
}

func attachTestLeg(tr *Transport, streamID, callSID string) *wsWriter {
	w := bufferedWriter()
	tr.attach(&leg{streamID: streamID, callSID: callSID, traceID: "trace-1", writer: w})
	return w
}

func decodeMessage(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal outbound message: %v", err)
	}
	return msg
}

func TestSendInterruptionClearsPlayout(t *testing.T) {
	tr := New(Config{})
	w := attachTestLeg(tr, "MZ1", "CA1")

	cf := frames.NewControlFrame("MZ1", time.Now().UnixNano(), frames.ControlStartInterruption, nil)
	if err := tr.Send(cf); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case raw := <-w.ch:
		msg := decodeMessage(t, raw)
		if msg["event"] != "clear" {
			t.Fatalf("expected clear event, got %v", msg["event"])
		}
		if msg["streamSid"] != "MZ1" {
			t.Fatalf("expected streamSid MZ1, got %v", msg["streamSid"])
		}
	default:
		t.Fatalf("expected a clear message for the active leg")
	}
}

func TestSendAudioBecomesMediaMessage(t *testing.T) {
	tr := New(Config{})
	w := attachTestLeg(tr, "MZ1", "CA1")

	payload := []byte{0x01, 0x02, 0x03}
	af := frames.NewAudioFrame("MZ1", time.Now().UnixNano(), payload, 8000, 1, nil)
	if err := tr.Send(af); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case raw := <-w.ch:
		msg := decodeMessage(t, raw)
		if msg["event"] != "media" {
			t.Fatalf("expected media event, got %v", msg["event"])
		}
		media, _ := msg["media"].(map[string]any)
		got, _ := media["payload"].(string)
		if got != base64.StdEncoding.EncodeToString(payload) {
			t.Fatalf("unexpected media payload %q", got)
		}
	default:
		t.Fatalf("expected a media message for the active leg")
	}
}

func TestSendToUnknownStreamIsDropped(t *testing.T) {
	tr := New(Config{})
	af := frames.NewAudioFrame("MZ-gone", time.Now().UnixNano(), []byte{0x01}, 8000, 1, nil)
	if err := tr.Send(af); err != nil {
		t.Fatalf("send to unknown stream must not error, got %v", err)
	}
}

func TestHandleVoiceSignature(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com", VoiceGreeting: "hi & bye"}
	tr := New(cfg)

	form := url.Values{}
	form.Set("CallSid", "CA123")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", signRequest(cfg.AuthToken, tr.requestURL(req), map[string]string{"CallSid": "CA123"}))
	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	twiml := w.Body.String()
	if !strings.Contains(twiml, `<Stream url="wss://example.com/ws"`) {
		t.Fatalf("expected stream URL in TwiML, got %q", twiml)
	}
	if !strings.Contains(twiml, "<Say>hi &amp; bye</Say>") {
		t.Fatalf("expected escaped greeting in TwiML, got %q", twiml)
	}

	bad := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	bad.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	bad.Header.Set("X-Twilio-Signature", "nope")
	wBad := httptest.NewRecorder()
	tr.handleVoice(wBad, bad)
	if wBad.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a bad signature, got %d", wBad.Code)
	}
}

func TestHandleStatusEndsCall(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com"}
	tr := New(cfg)
	attachTestLeg(tr, "MZ1", "CA123")

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("CallStatus", "busy")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/status", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", signRequest(cfg.AuthToken, tr.requestURL(req),
		map[string]string{"CallSid": "CA123", "CallStatus": "busy"}))
	w := httptest.NewRecorder()
	tr.handleStatus(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	select {
	case f := <-tr.Recv():
		sys, ok := f.(frames.SystemFrame)
		if !ok || sys.Name() != "call_end" {
			t.Fatalf("expected call_end system frame, got %T", f)
		}
		meta := sys.Meta()
		if meta[frames.MetaCallEndReason] != "busy" {
			t.Fatalf("expected reason busy, got %q", meta[frames.MetaCallEndReason])
		}
		if meta[frames.MetaCallSID] != "CA123" {
			t.Fatalf("expected call sid CA123, got %q", meta[frames.MetaCallSID])
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a call_end frame from the status callback")
	}
	if tr.leg("MZ1") != nil {
		t.Fatalf("expected leg detached after terminal status")
	}
}

func TestReconnectReplacesLeg(t *testing.T) {
	tr := New(Config{})
	attachTestLeg(tr, "MZ-old", "CA1")
	old := tr.attach(&leg{streamID: "MZ-new", callSID: "CA1", writer: bufferedWriter()})
	if old == nil || old.streamID != "MZ-old" {
		t.Fatalf("expected reconnect to surface the replaced leg, got %+v", old)
	}
	if tr.leg("MZ-old") != nil {
		t.Fatalf("expected old leg dropped from registry")
	}
	if l := tr.legForCall("CA1"); l == nil || l.streamID != "MZ-new" {
		t.Fatalf("expected call index to follow the new leg")
	}
}

func TestEndReasonMapping(t *testing.T) {
	cases := map[string]string{
		"completed":   "completed",
		"Hangup":      "completed",
		"busy":        "busy",
		"no-answer":   "no_answer",
		"failed":      "failed",
		"canceled":    "failed",
		"ringing":     "",
		"in-progress": "",
		"":            "",
		"martian":     "unknown",
	}
	for in, want := range cases {
		if got := endReasonFor(in); got != want {
			t.Fatalf("endReasonFor(%q) = %q, want %q", in, got, want)
		}
	}
	if got := endReasonOrDefault(""); got != "completed" {
		t.Fatalf("expected stop without a reason to default to completed, got %q", got)
	}
}

func signRequest(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	base := url
	for _, k := range keys {
		base += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

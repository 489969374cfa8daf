package twilio

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fauzanlubis/larynx/pkg/errorsx"
	"github.com/fauzanlubis/larynx/pkg/frames"
	twilioclient "github.com/twilio/twilio-go/client"
)

// handleVoice answers Twilio's webhook for a new call with TwiML that
// connects the call's audio to our media-stream websocket.
func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.verifySignature(r, "twilio_invalid_signature") {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(t.answerTwiML(r)))
}

// handleStatus consumes Twilio call-status callbacks. Terminal statuses end
// the session even when the media stream never delivered a stop event, for
// example when the callee was busy or never picked up.
func (t *Transport) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.verifySignature(r, "twilio_status_invalid_signature") {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	defer w.WriteHeader(http.StatusOK)
	if err := r.ParseForm(); err != nil {
		return
	}
	callSID := r.FormValue("CallSid")
	reason := endReasonFor(r.FormValue("CallStatus"))
	if callSID == "" || reason == "" {
		return
	}
	l := t.legForCall(callSID)
	if l == nil {
		return
	}
	meta := l.meta()
	meta[frames.MetaCallEndReason] = reason
	t.deliver(frames.NewSystemFrame(l.streamID, time.Now().UnixNano(), "call_end", meta))
	t.detach(l.streamID)
}

func (t *Transport) answerTwiML(r *http.Request) string {
	var wsURL string
	if t.cfg.PublicURL != "" {
		wsURL = t.externalURL("wss", t.cfg.WebsocketPath)
	} else {
		host := r.Host
		if host == "" {
			host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
		}
		wsURL = "wss://" + host + t.cfg.WebsocketPath
	}
	var b strings.Builder
	b.WriteString(`<Response>`)
	if g := strings.TrimSpace(t.cfg.VoiceGreeting); g != "" {
		b.WriteString(`<Say>`)
		b.WriteString(xmlEscape(g))
		b.WriteString(`</Say>`)
	}
	b.WriteString(`<Connect><Stream url="`)
	b.WriteString(wsURL)
	b.WriteString(`"/></Connect></Response>`)
	return b.String()
}

// verifySignature checks the X-Twilio-Signature header against the request
// body. Requests are accepted unverified only when no auth token is
// configured, which is the local-development case.
func (t *Transport) verifySignature(r *http.Request, logEvent string) bool {
	if t.cfg.AuthToken == "" {
		return true
	}
	ok := func() bool {
		sig := r.Header.Get("X-Twilio-Signature")
		if sig == "" {
			return false
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return false
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
		v := twilioclient.NewRequestValidator(t.cfg.AuthToken)
		return v.ValidateBody(t.requestURL(r), body, sig)
	}()
	if !ok {
		slog.Warn(logEvent, "reason_code", string(errorsx.ReasonTransportInvalidSignature))
	}
	return ok
}

// requestURL reconstructs the URL Twilio signed. Behind a proxy the public
// base URL is authoritative; otherwise fall back to the request itself.
func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return strings.TrimRight(t.cfg.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func xmlEscape(in string) string {
	return strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	).Replace(in)
}

// endReasonFor folds Twilio's status vocabulary into the pipeline's
// call_end_reason values. Non-terminal statuses map to empty.
var endReasons = map[string]string{
	"completed":         "completed",
	"call_ended":        "completed",
	"call-ended":        "completed",
	"completed_by_user": "completed",
	"hangup":            "completed",
	"busy":              "busy",
	"no_answer":         "no_answer",
	"noanswer":          "no_answer",
	"no-answer":         "no_answer",
	"failed":            "failed",
	"error":             "failed",
	"canceled":          "failed",
	"cancelled":         "failed",
	"transport_closed":  "failed",
}

var liveStatuses = map[string]bool{
	"":            true,
	"queued":      true,
	"ringing":     true,
	"in-progress": true,
	"inprogress":  true,
}

func endReasonFor(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if liveStatuses[s] {
		return ""
	}
	if mapped, ok := endReasons[s]; ok {
		return mapped
	}
	return "unknown"
}

func endReasonOrDefault(raw string) string {
	if r := endReasonFor(raw); r != "" {
		return r
	}
	return "completed"
}

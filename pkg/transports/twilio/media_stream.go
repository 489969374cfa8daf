package twilio

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/fauzanlubis/larynx/pkg/frames"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Wire shapes for the Twilio media-stream protocol. Only the fields the
// pipeline consumes are decoded.
type streamEvent struct {
	Event string `json:"event"`
	Start *struct {
		CallSID  string `json:"callSid"`
		StreamID string `json:"streamSid"`
		From     string `json:"from"`
	} `json:"start,omitempty"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Stop *struct {
		Reason string `json:"reason"`
	} `json:"stop,omitempty"`
}

type outboundMedia struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

func (t *Transport) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var cur *leg
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt streamEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				continue
			}
			cur = t.onStart(conn, evt)
		case "media":
			if cur == nil || evt.Media == nil {
				continue
			}
			t.onMedia(cur, evt.Media.Payload)
		case "stop":
			if cur != nil {
				reason := ""
				if evt.Stop != nil {
					reason = evt.Stop.Reason
				}
				t.onStop(cur, reason)
			}
			return
		}
	}
	// Socket died without a stop event. Treat it as a failed call end so
	// the session tears down instead of leaking.
	if cur != nil {
		t.onStop(cur, "transport_closed")
	}
}

func (t *Transport) onStart(conn *websocket.Conn, evt streamEvent) *leg {
	l := &leg{
		streamID: evt.Start.StreamID,
		callSID:  evt.Start.CallSID,
		traceID:  uuid.NewString(),
		caller:   evt.Start.From,
		writer:   newWSWriter(conn),
	}
	old := t.attach(l)
	if old != nil && old.writer != nil {
		old.writer.close()
	}

	meta := l.meta()
	meta[frames.MetaSource] = "transport"
	t.deliver(frames.NewSystemFrame(l.streamID, time.Now().UnixNano(), "call_start", meta))
	if old != nil {
		rm := l.meta()
		rm[frames.MetaSource] = "transport"
		rm[frames.MetaOldStreamID] = old.streamID
		t.deliver(frames.NewSystemFrame(l.streamID, time.Now().UnixNano(), "call_reconnect", rm))
	}
	return l
}

func (t *Transport) onMedia(l *leg, payload string) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return
	}
	meta := l.meta()
	meta[frames.MetaEncoding] = frames.EncodingMuLaw
	t.deliver(frames.NewAudioFrame(l.streamID, time.Now().UnixNano(), raw, 8000, 1, meta))
}

func (t *Transport) onStop(l *leg, rawReason string) {
	meta := l.meta()
	meta[frames.MetaCallEndReason] = endReasonOrDefault(rawReason)
	t.deliver(frames.NewSystemFrame(l.streamID, time.Now().UnixNano(), "call_end", meta))
	t.detach(l.streamID)
}

// wsWriter serializes all writes to one websocket through a single pump
// goroutine. Enqueueing never blocks; a saturated socket loses messages
// rather than stalling the pipeline sink.
type wsWriter struct {
	conn *websocket.Conn
	ch   chan []byte
	once sync.Once
}

func newWSWriter(conn *websocket.Conn) *wsWriter {
	w := &wsWriter{conn: conn, ch: make(chan []byte, 256)}
	go w.pump()
	return w
}

func (w *wsWriter) pump() {
	for msg := range w.ch {
		_ = w.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (w *wsWriter) enqueue(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case w.ch <- b:
	default:
	}
}

func (w *wsWriter) media(streamID string, payload []byte) {
	msg := outboundMedia{Event: "media", StreamSID: streamID}
	msg.Media.Payload = base64.StdEncoding.EncodeToString(payload)
	w.enqueue(msg)
}

func (w *wsWriter) clear(streamID string) {
	w.enqueue(outboundClear{Event: "clear", StreamSID: streamID})
}

// silence plays five 20ms μ-law silence frames so the caller hears a live
// line while the pipeline recovers from a provider failure.
func (w *wsWriter) silence(streamID string) {
	frame := bytes.Repeat([]byte{0xFF}, 160)
	for i := 0; i < 5; i++ {
		w.media(streamID, frame)
	}
}

func (w *wsWriter) close() {
	w.once.Do(func() { close(w.ch) })
	if w.conn != nil {
		_ = w.conn.Close()
	}
}

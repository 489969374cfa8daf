package twilio

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fauzanlubis/larynx/pkg/frames"
	"github.com/gorilla/websocket"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// leg is everything the transport tracks for one live media stream: the
// Twilio identifiers, the trace ID minted at attach, and the socket writer
// that carries synthesized audio back to the caller.
type leg struct {
	streamID string
	callSID  string
	traceID  string
	caller   string
	writer   *wsWriter
}

func (l *leg) meta() map[string]string {
	m := map[string]string{frames.MetaStreamID: l.streamID}
	if l.callSID != "" {
		m[frames.MetaCallSID] = l.callSID
	}
	if l.traceID != "" {
		m[frames.MetaTraceID] = l.traceID
	}
	if l.caller != "" {
		m[frames.MetaFromNumber] = l.caller
	}
	return m
}

// Transport bridges Twilio telephony to the pipeline's frame model. Inbound
// webhook and media-stream traffic becomes audio and system frames on Recv;
// frames handed to Send become media or clear messages on the caller's
// websocket.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	out      chan frames.Frame

	mu     sync.Mutex
	legs   map[string]*leg
	byCall map[string]string

	draining atomic.Bool

	// test seams for the REST client
	caller callCreator
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg:    cfg,
		out:    make(chan frames.Frame, 512),
		legs:   make(map[string]*leg),
		byCall: make(map[string]string),
	}
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     t.originAllowed,
	}
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Recv() <-chan frames.Frame { return t.out }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.externalURL("https", t.cfg.VoicePath),
		"status_callback_url": t.externalURL("https", t.cfg.StatusCallbackPath),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.HandleFunc(t.cfg.WebsocketPath, t.handleMediaStream)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatus)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("twilio_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	legs := t.legs
	t.legs = make(map[string]*leg)
	t.byCall = make(map[string]string)
	t.mu.Unlock()
	for _, l := range legs {
		if l.writer != nil {
			l.writer.close()
		}
	}
	close(t.out)
	return nil
}

// Send maps pipeline output onto the Twilio media-stream protocol: audio
// frames become base64 media messages, interruption controls become a clear
// so buffered playout stops, and a fallback control plays a short silence
// so the caller does not hear a dead line.
func (t *Transport) Send(f frames.Frame) error {
	switch f.Kind() {
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		l := t.leg(cf.Meta()[frames.MetaStreamID])
		if l == nil || l.writer == nil {
			return nil
		}
		switch cf.Code() {
		case frames.ControlCancel, frames.ControlFlush, frames.ControlStartInterruption:
			l.writer.clear(l.streamID)
		case frames.ControlFallback:
			l.writer.silence(l.streamID)
		}
		return nil
	case frames.KindAudio:
		af := f.(frames.AudioFrame)
		l := t.leg(af.Meta()[frames.MetaStreamID])
		if l == nil || l.writer == nil {
			return nil
		}
		l.writer.media(l.streamID, af.RawPayload())
		return nil
	default:
		return nil
	}
}

// Dial places an outbound call whose answer webhook points back at this
// transport, so the answered call flows through the same media stream.
func (t *Transport) Dial(ctx context.Context, to, from, url string) (string, error) {
	d := NewDialer(t.cfg)
	d.client = t.caller
	if url == "" {
		url = t.externalURL("https", t.cfg.VoicePath)
	}
	return d.Dial(ctx, to, from, url)
}

// attach registers a new leg and returns the replaced one, if the call
// reconnected on a fresh stream.
func (t *Transport) attach(l *leg) *leg {
	var old *leg
	t.mu.Lock()
	if l.callSID != "" {
		if prev := t.byCall[l.callSID]; prev != "" && prev != l.streamID {
			old = t.legs[prev]
			delete(t.legs, prev)
		}
		t.byCall[l.callSID] = l.streamID
	}
	t.legs[l.streamID] = l
	t.mu.Unlock()
	return old
}

func (t *Transport) detach(streamID string) {
	t.mu.Lock()
	l := t.legs[streamID]
	delete(t.legs, streamID)
	if l != nil && l.callSID != "" && t.byCall[l.callSID] == streamID {
		delete(t.byCall, l.callSID)
	}
	t.mu.Unlock()
	if l != nil && l.writer != nil {
		l.writer.close()
	}
}

func (t *Transport) leg(streamID string) *leg {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.legs[streamID]
}

func (t *Transport) legForCall(callSID string) *leg {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.legs[t.byCall[callSID]]
}

func (t *Transport) deliver(f frames.Frame) {
	select {
	case t.out <- f:
	default:
	}
}

// externalURL builds the address Twilio should reach us at. PublicURL wins
// when set; otherwise the listen address is good enough for local runs.
func (t *Transport) externalURL(scheme, path string) string {
	if base := strings.TrimRight(t.cfg.PublicURL, "/"); base != "" {
		base = strings.TrimPrefix(base, "https://")
		base = strings.TrimPrefix(base, "http://")
		return scheme + "://" + base + path
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if scheme == "wss" {
		return "wss://" + addr + path
	}
	return "http://" + addr + path
}

func (t *Transport) originAllowed(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimRight(strings.TrimSpace(r.Header.Get("Origin")), "/")
	if origin == "" {
		return true
	}
	bare := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.Contains(a, "://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, bare) {
			return true
		}
	}
	return false
}

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

func restClient(accountSID, authToken string) callCreator {
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return rest.Api
}

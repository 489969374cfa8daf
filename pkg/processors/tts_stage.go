package processors

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fauzanlubis/larynx/pkg/adapters/tts"
	"github.com/fauzanlubis/larynx/pkg/errorsx"
	"github.com/fauzanlubis/larynx/pkg/frames"
	"github.com/fauzanlubis/larynx/pkg/metrics"
	"github.com/fauzanlubis/larynx/pkg/pipeline"
	"github.com/fauzanlubis/larynx/pkg/resilience"
)

// ttsStream pairs one media stream with its live synthesis session.
type ttsStream struct {
	session tts.StreamingTTS
	callSID string
}

// TTSStage synthesizes assistant sentences through a per-stream text-to-speech
// session and forwards the audio it produces. Interruption controls flush the
// session so stale playback never reaches the caller.
type TTSStage struct {
	mu      sync.Mutex
	streams map[string]*ttsStream
	byCall  map[string]string
	factory func(callSID, streamID string) tts.StreamingTTS

	ctx     context.Context
	obs     metrics.Observer
	retry   resilience.RetryPolicy
	breaker *resilience.CircuitBreaker
}

func NewTTSStage(factory func(callSID, streamID string) tts.StreamingTTS) *TTSStage {
	return &TTSStage{
		streams: make(map[string]*ttsStream),
		byCall:  make(map[string]string),
		factory: factory,
		retry:   resilience.NewRetryPolicy(2, 200*time.Millisecond),
		breaker: resilience.NewCircuitBreaker(3, 30*time.Second),
	}
}

func (p *TTSStage) Name() string { return "tts" }

func (p *TTSStage) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *TTSStage) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

func (p *TTSStage) Process(f frames.Frame) ([]frames.Frame, error) {
	switch v := f.(type) {
	case frames.ControlFrame:
		switch v.Code() {
		case frames.ControlCancel, frames.ControlStartInterruption, frames.ControlFlush:
			p.flushStream(streamIDOf(v))
		}
		return []frames.Frame{f}, nil
	case frames.SystemFrame:
		if v.Name() == "call_end" {
			p.endStream(v.Meta())
		}
		return []frames.Frame{f}, nil
	case frames.TextFrame:
		return p.synthesize(f, v)
	}
	return []frames.Frame{f}, nil
}

func (p *TTSStage) synthesize(f frames.Frame, tf frames.TextFrame) ([]frames.Frame, error) {
	// Only finished assistant sentences are worth synthesizing.
	if !tf.Final() || tf.Role() != frames.RoleAssistant || tf.Text() == "" {
		return []frames.Frame{f}, nil
	}
	meta := tf.Meta()
	streamID := meta[frames.MetaStreamID]
	callSID := meta[frames.MetaCallSID]

	if !p.breaker.Allow() {
		p.record(metrics.EventBreakerDenied, streamID)
		slog.Info("tts_circuit_open", "stream_id", streamID, "reason_code", string(errorsx.ReasonTTSCircuitOpen))
		return p.fallback(f, streamID, meta), nil
	}

	session, err := p.ensureStream(streamID, callSID)
	if err != nil {
		p.reportFailure("tts_session_error", errorsx.Wrap(err, errorsx.ReasonTTSConnect), streamID, callSID)
		return p.fallback(f, streamID, meta), nil
	}

	if err := session.SendText(tf.Text()); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonTTSSend)
		slog.Info("tts_send_error", "stream_id", streamID, "call_sid", callSID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		session, err = p.reconnectAndResend(streamID, callSID, tf.Text())
		if err != nil {
			p.reportFailure("tts_retry_error", errorsx.Wrap(err, errorsx.ReasonTTSRetry), streamID, callSID)
			return p.fallback(f, streamID, meta), nil
		}
	}
	p.breaker.OnSuccess()

	out := p.drainAudio(session.Results())
	if len(out) > 0 {
		p.record("tts_first_audio", streamID)
	}
	return append([]frames.Frame{f}, out...), nil
}

func (p *TTSStage) reconnectAndResend(streamID, callSID, text string) (tts.StreamingTTS, error) {
	var session tts.StreamingTTS
	err := p.retry.Do(func() error {
		p.CloseStream(streamID)
		var err error
		session, err = p.ensureStream(streamID, callSID)
		if err != nil {
			return err
		}
		return session.SendText(text)
	})
	return session, err
}

func (p *TTSStage) fallback(f frames.Frame, streamID string, meta map[string]string) []frames.Frame {
	return []frames.Frame{frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)}
}

func (p *TTSStage) reportFailure(event string, err error, streamID, callSID string) {
	slog.Info(event, "stream_id", streamID, "call_sid", callSID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
	if resilience.IsRateLimit(err) {
		p.record(metrics.EventRateLimit, streamID)
	}
	p.breaker.OnError(err)
}

func (p *TTSStage) drainAudio(ch <-chan frames.Frame) []frames.Frame {
	var out []frames.Frame
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

func (p *TTSStage) ensureStream(streamID, callSID string) (tts.StreamingTTS, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.streams[streamID]
	if st == nil {
		st = &ttsStream{callSID: callSID}
		p.streams[streamID] = st
	}
	if callSID != "" {
		st.callSID = callSID
		p.byCall[callSID] = streamID
	}
	if st.session != nil {
		return st.session, nil
	}
	session := p.factory(st.callSID, streamID)
	if p.ctx == nil {
		p.ctx = context.Background()
	}
	if err := session.Start(p.ctx); err != nil {
		return nil, err
	}
	st.session = session
	return session, nil
}

func (p *TTSStage) flushStream(streamID string) {
	p.mu.Lock()
	st := p.streams[streamID]
	p.mu.Unlock()
	if st != nil && st.session != nil {
		st.session.Flush()
	}
}

func (p *TTSStage) endStream(meta map[string]string) {
	streamID := meta[frames.MetaStreamID]
	if streamID == "" {
		p.mu.Lock()
		streamID = p.byCall[meta[frames.MetaCallSID]]
		p.mu.Unlock()
	}
	if streamID != "" {
		p.CloseStream(streamID)
	}
}

func (p *TTSStage) CloseStream(streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.streams[streamID]
	if st == nil {
		return
	}
	if st.session != nil {
		_ = st.session.Close()
	}
	if st.callSID != "" && p.byCall[st.callSID] == streamID {
		delete(p.byCall, st.callSID)
	}
	delete(p.streams, streamID)
}

func (p *TTSStage) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, st := range p.streams {
		if st.session != nil {
			_ = st.session.Close()
		}
		delete(p.streams, id)
	}
	p.byCall = make(map[string]string)
}

func (p *TTSStage) record(name, streamID string) {
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
	_ pipeline.FrameProcessor = (*TTSStage)(nil)
	_ pipeline.ContextAware   = (*TTSStage)(nil)
	_ pipeline.ObserverAware  = (*TTSStage)(nil)
	_ pipeline.Closer         = (*TTSStage)(nil)
)

package processors

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fauzanlubis/larynx/pkg/adapters/stt"
	"github.com/fauzanlubis/larynx/pkg/errorsx"
	"github.com/fauzanlubis/larynx/pkg/frames"
	"github.com/fauzanlubis/larynx/pkg/metrics"
	"github.com/fauzanlubis/larynx/pkg/pipeline"
	"github.com/fauzanlubis/larynx/pkg/resilience"
)

type STTReplayConfig struct {
	MaxChunks int
}

// sttStream is everything the stage tracks for one media stream: the live
// vendor session, the call it belongs to, and the rolling audio kept for
// replay after a reconnect.
type sttStream struct {
	session stt.StreamingSTT
	callSID string
	traceID string
	replay  []audioChunk
}

type audioChunk struct {
	data     []byte
	rate     int
	channels int
}

func (s *sttStream) remember(chunk audioChunk, max int) {
	if max <= 0 {
		return
	}
	s.replay = append(s.replay, chunk)
	if len(s.replay) > max {
		s.replay = s.replay[len(s.replay)-max:]
	}
}

// STTStage feeds audio into a per-stream speech-to-text session and forwards
// the transcripts the session produces. Provider failures are retried with a
// fresh session and recent audio replayed into it; when the circuit opens the
// stage emits a fallback control instead of audio.
type STTStage struct {
	mu      sync.Mutex
	streams map[string]*sttStream
	byCall  map[string]string
	factory func(callSID, streamID string) stt.StreamingSTT

	replayCfg      STTReplayConfig
	forwardInterim bool

	ctx     context.Context
	obs     metrics.Observer
	retry   resilience.RetryPolicy
	breaker *resilience.CircuitBreaker
}

func NewSTTStage(factory func(callSID, streamID string) stt.StreamingSTT) *STTStage {
	return &STTStage{
		streams:   make(map[string]*sttStream),
		byCall:    make(map[string]string),
		factory:   factory,
		replayCfg: STTReplayConfig{MaxChunks: 50},
		retry:     resilience.NewRetryPolicy(2, 200*time.Millisecond),
		breaker:   resilience.NewCircuitBreaker(3, 30*time.Second),
	}
}

// SetReplayBuffer configures how many recent audio chunks to replay on reconnect.
func (p *STTStage) SetReplayBuffer(cfg STTReplayConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.MaxChunks < 0 {
		cfg.MaxChunks = 0
	}
	p.replayCfg = cfg
	if cfg.MaxChunks == 0 {
		for _, st := range p.streams {
			st.replay = nil
		}
	}
}

// SetForwardInterim toggles emitting non-final text frames downstream.
func (p *STTStage) SetForwardInterim(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forwardInterim = enabled
}

func (p *STTStage) Name() string { return "stt" }

func (p *STTStage) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *STTStage) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

func (p *STTStage) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindSystem:
		p.onSystem(f.(frames.SystemFrame))
		return []frames.Frame{f}, nil
	case frames.KindAudio:
	default:
		return []frames.Frame{f}, nil
	}

	af := f.(frames.AudioFrame)
	meta := af.Meta()
	streamID := meta[frames.MetaStreamID]
	callSID := meta[frames.MetaCallSID]

	if !p.breaker.Allow() {
		p.record(metrics.EventBreakerDenied, streamID)
		slog.Info("stt_circuit_open", "stream_id", streamID, "reason_code", string(errorsx.ReasonSTTCircuitOpen))
		frames.ReleaseAudioFrame(f)
		return p.fallback(streamID, meta), nil
	}

	session, err := p.ensureStream(streamID, callSID, meta[frames.MetaTraceID])
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTConnect)
		p.reportFailure("stt_session_error", err, streamID, callSID)
		frames.ReleaseAudioFrame(f)
		return p.fallback(streamID, meta), nil
	}

	// Buffer before sending so the frame that kills the connection is
	// itself part of the replay.
	p.bufferForReplay(streamID, af)

	if err := session.SendAudio(af); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTSend)
		slog.Info("stt_send_error", "stream_id", streamID, "call_sid", callSID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		if retryErr := p.reconnectAndResend(streamID, callSID, af); retryErr != nil {
			retryErr = errorsx.Wrap(retryErr, errorsx.ReasonSTTRetry)
			p.reportFailure("stt_retry_error", retryErr, streamID, callSID)
			frames.ReleaseAudioFrame(f)
			return p.fallback(streamID, meta), nil
		}
		session = p.lookup(streamID).session
	}

	p.breaker.OnSuccess()
	p.record("stt_audio_in", streamID)
	frames.ReleaseAudioFrame(f)

	out := p.drainResults(session.Results())
	for _, e := range out {
		if tf, ok := e.(frames.TextFrame); ok && tf.Final() {
			p.record("stt_final", streamID)
			break
		}
	}
	return out, nil
}

// onSystem tears stream state down when the call ends.
func (p *STTStage) onSystem(sf frames.SystemFrame) {
	if sf.Name() != "call_end" {
		return
	}
	meta := sf.Meta()
	streamID := meta[frames.MetaStreamID]
	if streamID == "" {
		p.mu.Lock()
		streamID = p.byCall[meta[frames.MetaCallSID]]
		p.mu.Unlock()
	}
	if streamID != "" {
		p.forgetStream(streamID)
	}
}

// reconnectAndResend drops the dead session and retries with a fresh one,
// replaying buffered audio the first time so the vendor does not lose the
// words spoken across the gap.
func (p *STTStage) reconnectAndResend(streamID, callSID string, af frames.AudioFrame) error {
	replayed := false
	return p.retry.Do(func() error {
		p.CloseStream(streamID)
		session, err := p.ensureStream(streamID, callSID, "")
		if err != nil {
			return err
		}
		if !replayed {
			p.replayInto(streamID, session)
			replayed = true
		}
		return session.SendAudio(af)
	})
}

func (p *STTStage) fallback(streamID string, meta map[string]string) []frames.Frame {
	return []frames.Frame{frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)}
}

func (p *STTStage) reportFailure(event string, err error, streamID, callSID string) {
	slog.Info(event, "stream_id", streamID, "call_sid", callSID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
	if resilience.IsRateLimit(err) {
		p.record(metrics.EventRateLimit, streamID)
	}
	p.breaker.OnError(err)
}

func (p *STTStage) drainResults(ch <-chan frames.Frame) []frames.Frame {
	p.mu.Lock()
	forwardInterim := p.forwardInterim
	p.mu.Unlock()

	var out []frames.Frame
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			if tf, isText := f.(frames.TextFrame); isText && !tf.Final() && !forwardInterim {
				continue
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

func (p *STTStage) lookup(streamID string) *sttStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams[streamID]
}

// ensureStream returns the live session for streamID, starting one when
// needed. Call and trace identity stick to the stream on first sight.
func (p *STTStage) ensureStream(streamID, callSID, traceID string) (stt.StreamingSTT, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.streams[streamID]
	if st == nil {
		st = &sttStream{callSID: callSID}
		p.streams[streamID] = st
	}
	if callSID != "" {
		st.callSID = callSID
		p.byCall[callSID] = streamID
	}
	if traceID != "" {
		st.traceID = traceID
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

// CloseStream drops the vendor session but keeps the stream's replay buffer
// so a reconnect can resend recent audio.
func (p *STTStage) CloseStream(streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st := p.streams[streamID]; st != nil && st.session != nil {
		_ = st.session.Close()
		st.session = nil
	}
}

// forgetStream removes every trace of the stream once its call has ended.
func (p *STTStage) forgetStream(streamID string) {
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

func (p *STTStage) CloseAll() {
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

func (p *STTStage) bufferForReplay(streamID string, af frames.AudioFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.streams[streamID]
	if st == nil || p.replayCfg.MaxChunks <= 0 {
		return
	}
	data := make([]byte, len(af.RawPayload()))
	copy(data, af.RawPayload())
	st.remember(audioChunk{data: data, rate: af.Rate(), channels: af.Channels()}, p.replayCfg.MaxChunks)
}

func (p *STTStage) replayInto(streamID string, session stt.StreamingSTT) {
	p.mu.Lock()
	var chunks []audioChunk
	if st := p.streams[streamID]; st != nil {
		chunks = append(chunks, st.replay...)
	}
	p.mu.Unlock()
	for _, chunk := range chunks {
		replayFrame := frames.NewAudioFrame(streamID, time.Now().UnixNano(), chunk.data, chunk.rate, chunk.channels, map[string]string{
			frames.MetaStreamID: streamID,
			frames.MetaReason:   "replay",
		})
		if err := session.SendAudio(replayFrame); err != nil {
			return
		}
	}
}

func (p *STTStage) record(name, streamID string) {
	if p.obs == nil {
		return
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{"stage": p.Name(), "stream_id": streamID},
	})
}

var _ pipeline.FrameProcessor = (*STTStage)(nil)
var _ pipeline.ContextAware = (*STTStage)(nil)

package deepgram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/fauzanlubis/larynx/pkg/adapters/stt"
	"github.com/fauzanlubis/larynx/pkg/frames"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey         string
	Model          string
	Language       string
	SampleRate     int
	Encoding       string
	Interim        bool
	VADEvents      bool
	UtteranceEndMS int
	StreamID       string
	CallSID        string
	TraceID        string
}

// StreamingSTT feeds call audio into a Deepgram live-transcription socket
// and surfaces transcripts and turn boundaries as frames. Audio flows
// through an io.Pipe so SendAudio never waits on the network.
type StreamingSTT struct {
	cfg    Config
	ws     *client.WSCallback
	out    chan frames.Frame
	ctx    context.Context
	cancel context.CancelFunc
	pr     *io.PipeReader
	pw     *io.PipeWriter
	logged bool
}

func New(cfg Config) *StreamingSTT {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	return &StreamingSTT{
		cfg: cfg,
		out: make(chan frames.Frame, 256),
	}
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pr, s.pw = io.Pipe()

	opts := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		InterimResults: s.cfg.Interim,
		VadEvents:      s.cfg.VADEvents,
		SmartFormat:    true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		opts.UtteranceEndMs = strconv.Itoa(s.cfg.UtteranceEndMS)
	}

	ws, err := client.NewWSUsingCallback(s.ctx, s.cfg.APIKey,
		&interfaces.ClientOptions{EnableKeepAlive: true}, opts, &listener{stt: s})
	if err != nil {
		slog.Error("deepgram_client_error", "stream_id", s.cfg.StreamID, "error", err.Error())
		return err
	}
	s.ws = ws
	if !s.ws.Connect() {
		slog.Error("deepgram_connect_failed", "stream_id", s.cfg.StreamID)
		return errors.New("deepgram connection failed")
	}
	slog.Info("deepgram_connected", "stream_id", s.cfg.StreamID, "call_sid", s.cfg.CallSID,
		"model", s.cfg.Model, "sample_rate", s.cfg.SampleRate, "vad_events", s.cfg.VADEvents)

	go func() {
		if err := s.ws.Stream(s.pr); err != nil && s.ctx.Err() == nil {
			slog.Error("deepgram_stream_error", "stream_id", s.cfg.StreamID, "error", err.Error())
		}
	}()
	return nil
}

func (s *StreamingSTT) Close() error {
	slog.Info("deepgram_closing", "stream_id", s.cfg.StreamID)
	if s.cancel != nil {
		s.cancel()
	}
	if s.pw != nil {
		_ = s.pw.Close()
	}
	if s.ws != nil {
		s.ws.Stop()
	}
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	if s.pw == nil {
		return errors.New("not started")
	}
	_, err := s.pw.Write(frame.RawPayload())
	if err != nil {
		slog.Error("deepgram_send_error", "stream_id", s.cfg.StreamID, "error", err.Error())
	}
	return err
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

// baseMeta carries the call identity every emitted frame shares.
func (s *StreamingSTT) baseMeta(reason string) map[string]string {
	m := map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaCallSID:  s.cfg.CallSID,
		frames.MetaSource:   "stt",
	}
	if s.cfg.TraceID != "" {
		m[frames.MetaTraceID] = s.cfg.TraceID
	}
	if reason != "" {
		m[frames.MetaReason] = reason
	}
	return m
}

func (s *StreamingSTT) push(f frames.Frame) {
	select {
	case s.out <- f:
	default:
		slog.Warn("deepgram_results_full", "stream_id", s.cfg.StreamID)
	}
}

// listener receives Deepgram socket events and translates them into the
// pipeline's frame vocabulary: transcripts to text frames, VAD events to
// turn-boundary controls.
type listener struct {
	stt *StreamingSTT
}

func (l *listener) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}
	final := mr.IsFinal || mr.SpeechFinal

	meta := l.stt.baseMeta("")
	meta[frames.MetaIsFinal] = strconv.FormatBool(final)
	l.stt.push(frames.NewTextFrame(l.stt.cfg.StreamID, time.Now().UnixNano(), transcript, meta))

	// A final transcript ends the utterance, so flush whatever the
	// aggregation downstream is holding.
	if final {
		l.stt.push(frames.NewControlFrame(l.stt.cfg.StreamID, time.Now().UnixNano(),
			frames.ControlFlush, l.stt.baseMeta("speech_final")))
	}
	return nil
}

func (l *listener) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	slog.Info("deepgram_speech_started", "stream_id", l.stt.cfg.StreamID)
	l.stt.push(frames.NewControlFrame(l.stt.cfg.StreamID, time.Now().UnixNano(),
		frames.ControlStartOfTurn, l.stt.baseMeta("speech_started")))
	return nil
}

func (l *listener) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	slog.Info("deepgram_utterance_end", "stream_id", l.stt.cfg.StreamID)
	l.stt.push(frames.NewControlFrame(l.stt.cfg.StreamID, time.Now().UnixNano(),
		frames.ControlEndOfTurn, l.stt.baseMeta("utterance_end")))
	return nil
}

func (l *listener) Open(*msginterfaces.OpenResponse) error {
	slog.Info("deepgram_socket_open", "stream_id", l.stt.cfg.StreamID)
	return nil
}

func (l *listener) Metadata(md *msginterfaces.MetadataResponse) error {
	if !l.stt.logged {
		l.stt.logged = true
		slog.Info("deepgram_session", "stream_id", l.stt.cfg.StreamID, "request_id", md.RequestID)
	}
	return nil
}

func (l *listener) Close(*msginterfaces.CloseResponse) error {
	slog.Info("deepgram_socket_closed", "stream_id", l.stt.cfg.StreamID)
	return nil
}

func (l *listener) Error(er *msginterfaces.ErrorResponse) error {
	slog.Error("deepgram_error", "stream_id", l.stt.cfg.StreamID,
		"error_code", er.ErrCode, "error_message", er.ErrMsg)
	return nil
}

func (l *listener) UnhandledEvent(data []byte) error {
	slog.Debug("deepgram_unhandled_event", "stream_id", l.stt.cfg.StreamID, "data", string(data))
	return nil
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)

package frames

import (
	"sync"
	"time"
)

type Kind string

const (
	KindAudio   Kind = "audio"
	KindText    Kind = "text"
	KindControl Kind = "control"
	KindSystem  Kind = "system"
)

type ControlCode string

const (
	ControlStartOfTurn       ControlCode = "start_of_turn"
	ControlEndOfTurn         ControlCode = "end_of_turn"
	ControlEndOfStream       ControlCode = "end_of_stream"
	ControlCancel            ControlCode = "cancel"
	ControlFlush             ControlCode = "flush"
	ControlFallback          ControlCode = "fallback"
	ControlStartInterruption ControlCode = "start_interruption"
)

// Role identifies which side of the conversation produced a text frame.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

// header carries the fields every frame shares. Meta returns a copy so a
// frame stays immutable once built.
type header struct {
	pts  int64
	meta map[string]string
}

func newHeader(streamID string, pts int64, meta map[string]string) header {
	merged := make(map[string]string, 2+len(meta))
	if streamID != "" {
		merged[MetaStreamID] = streamID
	}
	for k, v := range meta {
		merged[k] = v
	}
	return header{pts: pts, meta: merged}
}

func (h header) PTS() int64 { return h.pts }

func (h header) Meta() map[string]string {
	out := make(map[string]string, len(h.meta))
	for k, v := range h.meta {
		out[k] = v
	}
	return out
}

// AudioFrame carries little-endian 16-bit PCM (or raw telephony bytes when
// MetaEncoding says so) for a single stream. Frames never mix sample rates.
type AudioFrame struct {
	header
	data   []byte
	rate   int
	ch     int
	pooled bool
}

func NewAudioFrame(streamID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{header: newHeader(streamID, pts, meta), data: data, rate: rate, ch: ch}
}

// NewAudioFrameFromPool copies data into a pooled buffer. Release the frame
// with ReleaseAudioFrame once it leaves the pipeline.
func NewAudioFrameFromPool(streamID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	buf := AcquireAudioBuf(len(data))
	copy(buf, data)
	f := NewAudioFrame(streamID, pts, buf, rate, ch, meta)
	f.pooled = true
	return f
}

func (a AudioFrame) Kind() Kind         { return KindAudio }
func (a AudioFrame) Data() []byte       { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte { return a.data }
func (a AudioFrame) Rate() int          { return a.rate }
func (a AudioFrame) Channels() int      { return a.ch }

// Duration derives playback time from payload length. PCM16 is two bytes
// per sample; μ-law on the wire is one.
func (a AudioFrame) Duration() time.Duration {
	if a.rate <= 0 || a.ch <= 0 {
		return 0
	}
	bytesPerSample := 2
	if a.meta[MetaEncoding] == EncodingMuLaw {
		bytesPerSample = 1
	}
	samples := len(a.data) / (bytesPerSample * a.ch)
	return time.Duration(samples) * time.Second / time.Duration(a.rate)
}

// ReleaseAudioFrame returns a pooled payload to the buffer pool. It reports
// whether anything was released; non-audio and unpooled frames are no-ops.
func ReleaseAudioFrame(f Frame) bool {
	var af AudioFrame
	switch v := f.(type) {
	case AudioFrame:
		af = v
	case *AudioFrame:
		af = *v
	default:
		return false
	}
	if !af.pooled {
		return false
	}
	ReleaseAudioBuf(af.data)
	return true
}

// TextFrame is one incremental fragment of transcribed or generated text.
// Finality and speaker role travel in meta so stages stay agnostic.
type TextFrame struct {
	header
	text string
}

func NewTextFrame(streamID string, pts int64, text string, meta map[string]string) TextFrame {
	return TextFrame{header: newHeader(streamID, pts, meta), text: text}
}

func (t TextFrame) Kind() Kind   { return KindText }
func (t TextFrame) Text() string { return t.text }
func (t TextFrame) Final() bool  { return t.meta[MetaIsFinal] == "true" }

func (t TextFrame) Role() Role {
	if t.meta[MetaRole] == string(RoleAssistant) {
		return RoleAssistant
	}
	return RoleUser
}

// ControlFrame is an out-of-band marker interleaved with data frames.
// It carries only its code and timestamp.
type ControlFrame struct {
	header
	code ControlCode
}

func NewControlFrame(streamID string, pts int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{header: newHeader(streamID, pts, meta), code: code}
}

func (c ControlFrame) Kind() Kind        { return KindControl }
func (c ControlFrame) Code() ControlCode { return c.code }

// SystemFrame carries lifecycle markers (call_start, call_end, heartbeat)
// from the transport into the pipeline.
type SystemFrame struct {
	header
	name string
}

func NewSystemFrame(streamID string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{header: newHeader(streamID, pts, meta), name: name}
}

func (s SystemFrame) Kind() Kind   { return KindSystem }
func (s SystemFrame) Name() string { return s.name }

// PTSGen hands out strictly increasing wall-clock presentation timestamps
// per stream. Timestamps stay close to real time so lag checks against
// time.Now keep working, and never repeat even when two packets land inside
// the same nanosecond.
type PTSGen struct {
	mu   sync.Mutex
	last map[string]int64
}

func NewPTSGen() *PTSGen {
	return &PTSGen{last: make(map[string]int64)}
}

func (g *PTSGen) Next(streamID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := time.Now().UnixNano()
	if prev := g.last[streamID]; v <= prev {
		v = prev + 1
	}
	g.last[streamID] = v
	return v
}

var audioBufPool = sync.Pool{
	New: func() any { return make([]byte, 0, 4096) },
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}

package aggregators

import (
	"strings"
	"sync"
	"time"

	"github.com/fauzanlubis/larynx/pkg/frames"
	"github.com/fauzanlubis/larynx/pkg/pipeline"
)

// SentenceAggregator buffers incremental text fragments into sentence-sized
// units for synthesis. A sentence is emitted when the buffer ends in
// terminal punctuation, when the token cap is hit, or when the fragment is
// marked final. Turn boundaries force a flush of whatever remains — even an
// unterminated clause — and the flushed sentence is always emitted BEFORE
// the boundary frame itself, so no trailing text is dropped at the end of a
// response. A cancel clears the buffer without emitting.
type SentenceAggregator struct {
	mu          sync.Mutex
	cfg         AggregatorConfig
	sb          strings.Builder
	tokenCount  int
	firstPTS    int64
	streamID    string
	meta        map[string]string
	lastTokenAt time.Time
	history     []string
}

func defaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		MinLen:       8,
		MaxTokens:    256,
		MaxHistory:   10,
		FlushTimeout: 300 * time.Millisecond,
	}
}

// merge overlays the positive fields of override onto base.
func merge(base, override AggregatorConfig) AggregatorConfig {
	if override.MinLen > 0 {
		base.MinLen = override.MinLen
	}
	if override.MaxTokens > 0 {
		base.MaxTokens = override.MaxTokens
	}
	if override.MaxHistory > 0 {
		base.MaxHistory = override.MaxHistory
	}
	if override.FlushTimeout > 0 {
		base.FlushTimeout = override.FlushTimeout
	}
	return base
}

func NewSentenceAggregator(cfg AggregatorConfig) *SentenceAggregator {
	return &SentenceAggregator{cfg: merge(defaultAggregatorConfig(), cfg)}
}

func (a *SentenceAggregator) Name() string { return "sentence_aggregator" }

func (a *SentenceAggregator) Configure(cfg AggregatorConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = merge(a.cfg, cfg)
	return nil
}

func (a *SentenceAggregator) AddToken(tok string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.appendLocked(tok)
}

func (a *SentenceAggregator) appendLocked(tok string) {
	a.sb.WriteString(tok)
	a.tokenCount++
	a.lastTokenAt = time.Now()
}

// Flush drains the buffer and returns the pending text, empty if none.
func (a *SentenceAggregator) Flush() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.takeLocked(false)
	if out == nil {
		return ""
	}
	return out.Text()
}

func (a *SentenceAggregator) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindText:
		return a.processText(f.(frames.TextFrame)), nil
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		switch cf.Code() {
		case frames.ControlEndOfTurn, frames.ControlEndOfStream, frames.ControlFlush:
			a.mu.Lock()
			out := a.takeLocked(false)
			a.mu.Unlock()
			if out != nil {
				return []frames.Frame{*out, f}, nil
			}
			return []frames.Frame{f}, nil
		case frames.ControlCancel, frames.ControlStartInterruption:
			a.mu.Lock()
			a.resetLocked()
			a.mu.Unlock()
			return []frames.Frame{f}, nil
		default:
			return []frames.Frame{f}, nil
		}
	default:
		// Idle traffic still gives stale fragments a way out.
		a.mu.Lock()
		timedOut := a.tokenCount > 0 && time.Since(a.lastTokenAt) > a.cfg.FlushTimeout
		var out *frames.TextFrame
		if timedOut {
			out = a.takeLocked(true)
		}
		a.mu.Unlock()
		if out != nil {
			return []frames.Frame{*out, f}, nil
		}
		return []frames.Frame{f}, nil
	}
}

func (a *SentenceAggregator) processText(tf frames.TextFrame) []frames.Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.firstPTS == 0 {
		a.firstPTS = tf.PTS()
		a.streamID = tf.Meta()[frames.MetaStreamID]
		a.meta = tf.Meta()
	}
	a.appendLocked(tf.Text())

	text := strings.TrimSpace(a.sb.String())
	if tf.Final() {
		if out := a.takeLocked(false); out != nil {
			return []frames.Frame{*out}
		}
		return nil
	}
	if (eosDetected(text) && len(text) >= a.cfg.MinLen) || a.tokenCount >= a.cfg.MaxTokens {
		if out := a.takeLocked(false); out != nil {
			return []frames.Frame{*out}
		}
	}
	return nil
}

// takeLocked builds the sentence frame from the buffer and resets it.
// minLen is enforced only when respectMin is set; boundary flushes take
// everything.
func (a *SentenceAggregator) takeLocked(respectMin bool) *frames.TextFrame {
	out := strings.TrimSpace(a.sb.String())
	if out == "" || (respectMin && len(out) < a.cfg.MinLen) {
		return nil
	}
	meta := make(map[string]string, len(a.meta)+1)
	for k, v := range a.meta {
		meta[k] = v
	}
	meta[frames.MetaIsFinal] = "true"
	tf := frames.NewTextFrame(a.streamID, a.firstPTS, out, meta)
	a.resetLocked()
	a.appendHistoryLocked(out)
	return &tf
}

func (a *SentenceAggregator) resetLocked() {
	a.sb.Reset()
	a.tokenCount = 0
	a.firstPTS = 0
	a.streamID = ""
	a.meta = nil
}

// eosDetected reports whether the buffered text ends a sentence. A trailing
// ellipsis only counts once the clause is long enough to stand alone.
func eosDetected(s string) bool {
	t := strings.TrimSpace(s)
	if t == "" {
		return false
	}
	if strings.HasSuffix(t, "...") {
		return len(t) >= 12
	}
	switch t[len(t)-1] {
	case '.', '!', '?', '\n':
		return true
	}
	return false
}

func (a *SentenceAggregator) appendHistoryLocked(text string) {
	if a.cfg.MaxHistory <= 0 {
		return
	}
	a.history = append(a.history, text)
	if excess := len(a.history) - a.cfg.MaxHistory; excess > 0 {
		a.history = a.history[excess:]
	}
}

// History returns the flushed sentences retained so far, oldest first.
func (a *SentenceAggregator) History() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.history...)
}

var (
	_ pipeline.FrameProcessor = (*SentenceAggregator)(nil)
	_ Aggregator              = (*SentenceAggregator)(nil)
)

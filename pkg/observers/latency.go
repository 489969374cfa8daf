package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fauzanlubis/larynx/pkg/metrics"
)

// The events that bound one question-to-answer turn, in pipeline order.
const (
	markAudioIn  = "stt_audio_in"
	markSTTFinal = "stt_final"
	markLLMFirst = "llm_first_token"
	markTTSFirst = "tts_first_audio"
	markLLMDone  = "llm_done"
)

// LatencyObserver assembles per-turn latency from the stage events of one
// stream and logs a single summary line when the turn completes. The
// interesting number is ttfb_ms: final transcript to first synthesized
// audio, the silence the caller actually hears.
type LatencyObserver struct {
	mu    sync.Mutex
	turns map[string]*turnMarks
	log   *slog.Logger
}

type turnMarks struct {
	at      map[string]time.Time
	traceID string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{turns: make(map[string]*turnMarks), log: log}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	switch ev.Name {
	case markAudioIn, markSTTFinal, markLLMFirst, markTTSFirst, markLLMDone:
	default:
		return
	}
	streamID := ev.Tags["stream_id"]
	if streamID == "" {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	turn := o.turns[streamID]
	if turn == nil {
		turn = &turnMarks{at: make(map[string]time.Time)}
		o.turns[streamID] = turn
	}
	if turn.traceID == "" {
		turn.traceID = ev.Tags["trace_id"]
	}
	// First occurrence wins for every mark except the terminal one, so a
	// turn spanning several interim results keeps its earliest timings.
	if _, seen := turn.at[ev.Name]; !seen || ev.Name == markLLMDone {
		turn.at[ev.Name] = ev.Time
	}
	if ev.Name == markLLMDone {
		o.summarize(streamID, turn)
		delete(o.turns, streamID)
	}
}

func (o *LatencyObserver) summarize(streamID string, turn *turnMarks) {
	span := func(from, to string) int64 {
		a, b := turn.at[from], turn.at[to]
		if a.IsZero() || b.IsZero() {
			return -1
		}
		return b.Sub(a).Milliseconds()
	}
	o.log.Info("latency",
		"stream_id", streamID,
		"trace_id", turn.traceID,
		"stt_ms", span(markAudioIn, markSTTFinal),
		"llm_first_token_ms", span(markSTTFinal, markLLMFirst),
		"tts_first_audio_ms", span(markLLMFirst, markTTSFirst),
		"ttfb_ms", span(markSTTFinal, markTTSFirst),
	)
}

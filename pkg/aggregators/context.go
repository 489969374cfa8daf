package aggregators

import "time"

type AggregatorConfig struct {
	// MinLen is the minimum rune count before a fragment may flush on its
	// own; shorter fragments wait for punctuation or a timeout.
	MinLen int
	// MaxTokens caps a single aggregated sentence.
	MaxTokens int
	// MaxHistory bounds how many flushed sentences are retained.
	MaxHistory int
	// FlushTimeout forces a flush when no terminator arrives in time.
	FlushTimeout time.Duration
}

// Aggregator buffers streamed tokens into sentence-sized units.
type Aggregator interface {
	Configure(cfg AggregatorConfig) error
	AddToken(tok string)
	Flush() string
}

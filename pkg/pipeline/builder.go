package pipeline

// Builder assembles the stage order for one call: acoustic pre-stages,
// then the core VAD -> STT -> LLM -> aggregator -> TTS sequence, then any
// post-stages.
type Builder struct {
	streamID string
	pre      []FrameProcessor
	core     []FrameProcessor
	post     []FrameProcessor
}

func NewBuilder(streamID string) *Builder {
	return &Builder{streamID: streamID}
}

func (b *Builder) WithStage(s FrameProcessor) *Builder {
	if s != nil {
		b.core = append(b.core, s)
	}
	return b
}

func (b *Builder) WithStageList(list []FrameProcessor) *Builder {
	for _, s := range list {
		b.WithStage(s)
	}
	return b
}

func (b *Builder) WithVAD(s FrameProcessor) *Builder { return b.WithStage(s) }
func (b *Builder) WithSTT(s FrameProcessor) *Builder { return b.WithStage(s) }
func (b *Builder) WithLLM(s FrameProcessor) *Builder { return b.WithStage(s) }
func (b *Builder) WithTTS(s FrameProcessor) *Builder { return b.WithStage(s) }

func (b *Builder) WithAggregator(s FrameProcessor) *Builder { return b.WithStage(s) }
func (b *Builder) WithTurnManager(s FrameProcessor) *Builder { return b.WithStage(s) }

func (b *Builder) WithAcoustic(s FrameProcessor) *Builder {
	if s != nil {
		b.pre = append(b.pre, s)
	}
	return b
}

func (b *Builder) WithSerializer(s FrameProcessor) *Builder {
	if s != nil {
		b.post = append(b.post, s)
	}
	return b
}

func (b *Builder) Build(cfg Config) *Manager {
	stages := append(append(append([]FrameProcessor{}, b.pre...), b.core...), b.post...)
	return NewManager(b.streamID, cfg, stages...)
}

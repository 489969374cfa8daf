package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fauzanlubis/larynx/pkg/aggregators"
	"github.com/fauzanlubis/larynx/pkg/frames"
	"github.com/fauzanlubis/larynx/pkg/ingress"
	"github.com/fauzanlubis/larynx/pkg/logging"
	"github.com/fauzanlubis/larynx/pkg/metrics"
	"github.com/fauzanlubis/larynx/pkg/observers"
	"github.com/fauzanlubis/larynx/pkg/pipeline"
	"github.com/fauzanlubis/larynx/pkg/processors"
	"github.com/fauzanlubis/larynx/pkg/runner"
	"github.com/fauzanlubis/larynx/pkg/transports"
	"github.com/fauzanlubis/larynx/pkg/turn"
)

// Engine owns the process-level wiring: one transport, one observer chain,
// and a registry of per-call pipelines. Each inbound call gets its own
// manager plus an ingress adapter that tracks intake counters for it.
type Engine struct {
	cfg       Config
	registry  *pipeline.SessionRegistry
	transport transports.Transport
	providers *ProviderRegistry
	runner    *pipeline.Runner
	asyncObs  *metrics.AsyncObserver
	adapters  sync.Map
	artifacts *os.File
	ctx       context.Context
	cancel    context.CancelFunc
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Transport transports.Transport
	// Extra stages inserted before and after the core sequence.
	PreStages  []pipeline.FrameProcessor
	PostStages []pipeline.FrameProcessor
}

func NewEngine(opts EngineOptions) *Engine {
	cfg := opts.Config
	SetDefaultLogger(cfg.LogLevel, cfg.LogFormat)

	slog.Info("engine_init",
		"environment", cfg.Environment,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"stt_provider", cfg.Vendors.STT.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"transport", cfg.Transports.Provider,
	)

	latencyObs := observers.NewLatencyObserver(slog.Default())
	var logSink metrics.Observer = observers.NewLoggerObserver(slog.Default())
	if cfg.Observability.MetricsMinInterval > 0 {
		logSink = metrics.NewThrottledObserver(logSink, cfg.Observability.MetricsMinInterval)
	}
	obsList := []metrics.Observer{latencyObs, logSink}
	var artifacts *os.File
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if f, err := openArtifacts(dir); err != nil {
			slog.Warn("artifacts_open_failed", "dir", dir, "error", err)
		} else {
			artifacts = f
			obsList = append(obsList, metrics.NewJSONLObserver(f))
		}
	}
	asyncObs := metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), 2048)

	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
		RegisterBuiltinProviders(providers)
	}

	var sink func(frames.Frame)
	if opts.Transport != nil {
		transport := opts.Transport
		recordAudio := cfg.Observability.RecordAudio
		sink = func(f frames.Frame) {
			if f.Kind() == frames.KindAudio {
				af := f.(frames.AudioFrame)
				meta := f.Meta()
				fields := map[string]any{
					"sample_rate": af.Rate(),
					"channels":    af.Channels(),
				}
				if recordAudio {
					fields["payload_b64"] = base64.StdEncoding.EncodeToString(af.RawPayload())
				}
				asyncObs.RecordEvent(metrics.MetricsEvent{
					Name: "audio_out",
					Time: time.Now(),
					Tags: map[string]string{
						frames.MetaStreamID: meta[frames.MetaStreamID],
						frames.MetaCallSID:  meta[frames.MetaCallSID],
						"component":         "transport",
					},
					Fields: fields,
				})
			}
			_ = transport.Send(f)
		}
	}

	registry := pipeline.NewSessionRegistry(func(ctx context.Context, callSID, streamID, traceID string) (*pipeline.Manager, error) {
		sttFactory, err := providers.BuildSTTFactory(cfg.Vendors.STT.Provider, cfg, traceID)
		if err != nil {
			return nil, err
		}
		sttStage := processors.NewSTTStage(sttFactory)
		sttStage.SetForwardInterim(cfg.STT.ForwardInterim)
		sttStage.SetReplayBuffer(processors.STTReplayConfig{MaxChunks: cfg.STT.ReplayChunks})
		sttStage.SetObserver(asyncObs)
		sttStage.SetContext(ctx)

		llmAdapter, err := providers.BuildLLM(cfg.Vendors.LLM.Provider, cfg)
		if err != nil {
			return nil, err
		}
		llmStage := processors.NewLLMStage(llmAdapter, cfg.LLM)
		llmStage.SetObserver(asyncObs)
		llmStage.SetContext(ctx)

		ttsFactory, err := providers.BuildTTSFactory(cfg.Vendors.TTS.Provider, cfg)
		if err != nil {
			return nil, err
		}
		ttsStage := processors.NewTTSStage(ttsFactory)
		ttsStage.SetObserver(asyncObs)
		ttsStage.SetContext(ctx)

		turnStage := processors.NewTurnStage(turnStrategy(cfg.Turn), turn.Options{
			MinBargeIn: cfg.Turn.MinBargeIn,
		})

		b := pipeline.NewBuilder(streamID)
		for _, p := range opts.PreStages {
			b.WithAcoustic(p)
		}
		b.WithVAD(processors.NewVAD(cfg.VAD)).
			WithTurnManager(turnStage).
			WithSTT(sttStage).
			WithLLM(llmStage).
			WithAggregator(aggregators.NewSentenceAggregator(cfg.Aggregator.toAggregator())).
			WithTTS(ttsStage)
		for _, p := range opts.PostStages {
			b.WithSerializer(p)
		}

		mgr := b.Build(cfg.Pipeline)
		mgr.SetObserver(asyncObs)
		if sink != nil {
			mgr.SetSink(sink)
		}

		go func() {
			<-ctx.Done()
			sttStage.CloseAll()
			ttsStage.CloseAll()
		}()

		return mgr, nil
	})

	hooks := runner.Hooks{
		OnStart: func() {
			slog.Info("engine_ready", readyArgs(opts.Transport)...)
		},
		OnStop: func() {
			asyncObs.Close()
			if artifacts != nil {
				_ = artifacts.Close()
			}
			slog.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_calls", registry.Count())
		},
	}

	// Draining stops intake first, then tears sessions down and waits for
	// the registry to empty.
	drainer := pipeline.DrainerFunc(func() error {
		if opts.Transport != nil {
			_ = opts.Transport.Stop()
		}
		registry.SetDraining(true)
		registry.CloseAll()
		wait, cancelWait := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancelWait()
		_ = registry.WaitForEmpty(wait, 200*time.Millisecond)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:       cfg,
		registry:  registry,
		transport: opts.Transport,
		providers: providers,
		runner:    pipeline.NewDrainRunner(drainer, hooks, 30*time.Second),
		asyncObs:  asyncObs,
		artifacts: artifacts,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = e.ctx
	}
	if e.transport != nil {
		if err := e.transport.Start(ctx); err != nil {
			return err
		}
		go e.routeTransport(ctx)
	}
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	e.cancel()
	return e.runner.Stop()
}

// routeTransport fans transport frames out to per-call ingress adapters.
func (e *Engine) routeTransport(ctx context.Context) {
	in := e.transport.Recv()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-in:
			if !ok {
				return
			}
			e.dispatch(f)
		}
	}
}

// dispatch routes one inbound frame. Audio goes through HandlePacket so
// drops are counted; everything else rides the priority lane via
// HandleEvent. call_end tears the session down even while draining.
func (e *Engine) dispatch(f frames.Frame) {
	meta := f.Meta()
	callSID := meta[frames.MetaCallSID]
	streamID := meta[frames.MetaStreamID]
	if callSID == "" || streamID == "" {
		return
	}
	if sf, ok := f.(frames.SystemFrame); ok && sf.Name() == "call_end" {
		e.endCall(callSID, f)
		return
	}
	if e.registry.Draining() {
		return
	}
	ad, err := e.adapterFor(callSID, streamID, meta[frames.MetaTraceID])
	if err != nil {
		slog.Warn("session_create_failed", "call_sid", callSID, "error", err)
		return
	}
	if af, ok := f.(frames.AudioFrame); ok {
		_ = ad.HandlePacket(af.RawPayload())
		return
	}
	_ = ad.HandleEvent(f)
}

func (e *Engine) endCall(callSID string, f frames.Frame) {
	if ad, ok := e.adapters.Load(callSID); ok {
		_ = ad.(*ingress.Adapter).HandleEvent(f)
	}
	e.registry.Remove(callSID)
	e.adapters.Delete(callSID)
}

func (e *Engine) adapterFor(callSID, streamID, traceID string) (*ingress.Adapter, error) {
	if v, ok := e.adapters.Load(callSID); ok {
		return v.(*ingress.Adapter), nil
	}
	sess, _, err := e.registry.GetOrCreate(callSID, streamID, traceID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("no session for call %s", callSID)
	}
	ad := ingress.NewAdapter(callSID, streamID, sess.Manager)
	ad.SetObserver(e.asyncObs)
	actual, _ := e.adapters.LoadOrStore(callSID, ad)
	return actual.(*ingress.Adapter), nil
}

// Stats reports the intake counters for one call, if it is live.
func (e *Engine) Stats(callSID string) (ingress.Stats, bool) {
	if v, ok := e.adapters.Load(callSID); ok {
		return v.(*ingress.Adapter).Stats(), true
	}
	return ingress.Stats{}, false
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func SetDefaultLogger(level, format string) {
	lvl, ok := logLevels[strings.ToLower(strings.TrimSpace(level))]
	if !ok {
		lvl = slog.LevelInfo
	}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		slog.SetDefault(logging.InitLogger(lvl))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func openArtifacts(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("events-%s.jsonl", time.Now().Format("20060102-150405"))
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func turnStrategy(cfg TurnConfig) turn.Strategy {
	if strings.EqualFold(strings.TrimSpace(cfg.Strategy), "polite") {
		return turn.PoliteStrategy{}
	}
	return turn.AggressiveStrategy{}
}

func (e *Engine) ProviderRegistry() *ProviderRegistry { return e.providers }

func (e *Engine) Transport() transports.Transport { return e.transport }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Registry() *pipeline.SessionRegistry { return e.registry }

func (e *Engine) Health() error {
	if e.transport == nil {
		return fmt.Errorf("missing transport")
	}
	return nil
}

// readyArgs collects transport-supplied metadata for the ready log line.
func readyArgs(t transports.Transport) []any {
	rr, ok := t.(transports.ReadyReporter)
	if !ok {
		return nil
	}
	args := make([]any, 0, 8)
	for k, v := range rr.ReadyFields() {
		args = append(args, k, v)
	}
	return args
}

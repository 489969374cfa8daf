package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fauzanlubis/larynx/pkg/codec"
	"github.com/fauzanlubis/larynx/pkg/errorsx"
	"github.com/fauzanlubis/larynx/pkg/frames"
	"github.com/fauzanlubis/larynx/pkg/metrics"
	"github.com/fauzanlubis/larynx/pkg/priority"
)

// State is the lifecycle phase of a Manager.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return "STOPPED"
	}
}

// Manager owns the ordered stage sequence for one call. It accepts raw
// telephony packets and already-built frames, drives them through the
// stages on a single goroutine, and applies the bounded-drop admission
// policy: a saturated intake queue drops new audio rather than blocking
// the socket layer above it.
type Manager struct {
	cfg      Config
	streamID string
	stages   []FrameProcessor
	q        *priority.IntakeQueue
	pts      *frames.PTSGen

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	unitMu     sync.Mutex
	unitCtx    context.Context
	unitCancel context.CancelFunc

	sink func(frames.Frame)
	obs  metrics.Observer

	errMu   sync.Mutex
	termErr error

	processed atomic.Int64
}

func NewManager(streamID string, cfg Config, stages ...FrameProcessor) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:      cfg,
		streamID: streamID,
		stages:   stages,
		q:        priority.New(cfg.HighCapacity, cfg.LowCapacity),
		pts:      frames.NewPTSGen(),
		done:     make(chan struct{}),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// SetContext rebinds the call-scoped context. Valid only before Start.
func (m *Manager) SetContext(ctx context.Context) {
	if ctx == nil || m.State() != StateCreated {
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
}

func (m *Manager) SetSink(sink func(frames.Frame))  { m.sink = sink }
func (m *Manager) SetObserver(obs metrics.Observer) { m.obs = obs }

func (m *Manager) State() State { return State(m.state.Load()) }

// Start transitions CREATED -> RUNNING and begins consuming the intake
// queue. Any other starting state is an invalid-state error.
func (m *Manager) Start() error {
	if !m.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return errorsx.Wrap(errorsx.ErrInvalidState, errorsx.ReasonInvalidState)
	}
	logPipeline(m.streamID, m.stages)
	unit := m.armUnit()
	for _, s := range m.stages {
		if ca, ok := s.(ContextAware); ok {
			ca.SetContext(m.ctx)
		}
		if ua, ok := s.(UnitAware); ok {
			ua.SetUnitContext(unit)
		}
		if oa, ok := s.(ObserverAware); ok && m.obs != nil {
			oa.SetObserver(m.obs)
		}
	}
	go m.loop()
	return nil
}

// armUnit replaces the per-unit context with a fresh child of the call
// context. One unit spans the frames between two cancels; aborting it
// interrupts suspended provider calls without ending the call.
func (m *Manager) armUnit() context.Context {
	m.unitMu.Lock()
	defer m.unitMu.Unlock()
	if m.unitCancel != nil {
		m.unitCancel()
	}
	m.unitCtx, m.unitCancel = context.WithCancel(m.ctx)
	return m.unitCtx
}

func (m *Manager) abortUnit() {
	m.unitMu.Lock()
	cancel := m.unitCancel
	m.unitMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) unitAborted() bool {
	m.unitMu.Lock()
	ctx := m.unitCtx
	m.unitMu.Unlock()
	return ctx != nil && ctx.Err() != nil
}

// PushAudio transcodes one raw μ-law packet to 16 kHz PCM and enqueues it.
// Valid only while RUNNING. A full queue drops the packet silently; the
// drop is visible through Drops().
func (m *Manager) PushAudio(raw []byte) error {
	if m.State() != StateRunning {
		return errorsx.Wrap(errorsx.ErrInvalidState, errorsx.ReasonInvalidState)
	}
	if len(raw) == 0 {
		return nil
	}
	pcm, rate := codec.MuLawToPCM16K(raw)
	meta := map[string]string{
		frames.MetaEncoding: frames.EncodingPCM16,
		frames.MetaSource:   "ingress",
	}
	af := frames.NewAudioFrameFromPool(m.streamID, m.pts.Next(m.streamID), pcm, rate, 1, meta)
	if !m.q.TryPushLow(frames.Frame(af)) {
		frames.ReleaseAudioFrame(af)
		m.recordDrop(af)
		return nil
	}
	m.recordIn(af)
	return nil
}

// PushEvent enqueues an already-built frame. Control frames take the high
// lane so they overtake buffered audio, and a cancel additionally aborts
// the unit in flight so a stage suspended on a provider call returns
// without waiting out its timeout.
func (m *Manager) PushEvent(f frames.Frame) error {
	if m.State() != StateRunning {
		return errorsx.Wrap(errorsx.ErrInvalidState, errorsx.ReasonInvalidState)
	}
	if f == nil {
		return nil
	}
	if f.Kind() == frames.KindControl {
		if cf, ok := f.(frames.ControlFrame); ok && cf.Code() == frames.ControlCancel {
			m.abortUnit()
		}
		if !m.q.TryPushHigh(f) {
			m.recordDrop(f)
			return nil
		}
	} else {
		if !m.q.TryPushLow(f) {
			frames.ReleaseAudioFrame(f)
			m.recordDrop(f)
			return nil
		}
	}
	m.recordIn(f)
	return nil
}

// Stop drains outstanding frames (bounded by DrainTimeout), releases stage
// resources, and transitions to STOPPED. Valid from RUNNING or STOPPING;
// calling Stop on an already-stopped manager is a no-op.
func (m *Manager) Stop() error {
	if m.state.CompareAndSwap(int32(StateCreated), int32(StateStopped)) {
		m.cancel()
		close(m.done)
		return nil
	}
	if m.State() == StateStopped {
		return nil
	}
	m.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
	m.q.Close()
	select {
	case <-m.done:
	case <-time.After(m.cfg.DrainTimeout):
		m.setErr(errorsx.Wrap(errorsx.ErrDrainTimeout, errorsx.ReasonDrainTimeout))
	}
	m.cancel()
	m.closeStages()
	m.state.Store(int32(StateStopped))
	return m.Err()
}

// Done closes when the consume loop has exited, either after drain or on a
// fatal stage error.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Err reports the terminal error, if any, once the manager has stopped.
func (m *Manager) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.termErr
}

// Drops is the monotonic count of frames rejected under backpressure.
func (m *Manager) Drops() int64 { return m.q.Dropped() }

// QueueDepth is the current number of queued intake frames.
func (m *Manager) QueueDepth() int { return m.q.Depth() }

// Processed is the monotonic count of frames that completed the stage walk.
func (m *Manager) Processed() int64 { return m.processed.Load() }

func (m *Manager) loop() {
	defer close(m.done)
	for {
		fAny, ok := m.q.Pop()
		if !ok {
			return
		}
		f := fAny.(frames.Frame)
		select {
		case <-m.ctx.Done():
			frames.ReleaseAudioFrame(f)
			return
		default:
		}
		cf, isControl := f.(frames.ControlFrame)
		isCancel := isControl && cf.Code() == frames.ControlCancel
		if isCancel {
			// Abandon the unit in flight: queued audio is discarded and
			// the cancel itself still walks the stages so they reset.
			m.abortUnit()
			n := m.q.DrainLow()
			if n > 0 {
				slog.Info("pipeline_cancel_drained", "stream_id", m.streamID, "frames", n)
			}
		}
		if m.shouldDropForLag(f) {
			frames.ReleaseAudioFrame(f)
			m.recordDrop(f)
			continue
		}
		if fatal := m.walk(f); fatal != nil {
			m.setErr(fatal)
			m.q.Close()
			m.cancel()
			m.closeStages()
			m.state.Store(int32(StateStopped))
			slog.Error("pipeline_fatal", "stream_id", m.streamID,
				"reason_code", string(errorsx.Reason(fatal)), "error", fatal.Error())
			return
		}
		m.processed.Add(1)
		if isCancel {
			unit := m.armUnit()
			for _, s := range m.stages {
				if ua, ok := s.(UnitAware); ok {
					ua.SetUnitContext(unit)
				}
			}
		}
	}
}

// walk runs one frame through every stage in order. Recoverable stage
// errors discard the frame the stage was given; fatal errors propagate.
func (m *Manager) walk(f frames.Frame) error {
	out := []frames.Frame{f}
	for _, s := range m.stages {
		var next []frames.Frame
		for _, cur := range out {
			start := time.Now()
			r, err := s.Process(cur)
			if err != nil {
				if errorsx.IsFatal(err) {
					frames.ReleaseAudioFrame(cur)
					return err
				}
				slog.Warn("stage_error", "stream_id", m.streamID, "stage", s.Name(),
					"reason_code", string(errorsx.Reason(err)), "error", err.Error())
				m.recordStageError(s.Name())
				frames.ReleaseAudioFrame(cur)
				continue
			}
			m.recordStage(s.Name(), start)
			next = append(next, r...)
		}
		out = next
		if out == nil {
			break
		}
	}
	for _, e := range out {
		// Partial output produced for an aborted unit is discarded, not
		// emitted. Control and system frames still flow so stages and the
		// transport see the reset.
		if m.unitAborted() {
			switch e.Kind() {
			case frames.KindAudio, frames.KindText:
				frames.ReleaseAudioFrame(e)
				m.recordDrop(e)
				continue
			}
		}
		m.recordOut(e)
		m.emit(e)
	}
	return nil
}

func (m *Manager) emit(f frames.Frame) {
	if m.sink != nil {
		m.sink(f)
		frames.ReleaseAudioFrame(f)
	}
}

func (m *Manager) closeStages() {
	for _, s := range m.stages {
		if c, ok := s.(Closer); ok {
			c.CloseAll()
		}
	}
}

func (m *Manager) setErr(err error) {
	if err == nil {
		return
	}
	m.errMu.Lock()
	if m.termErr == nil {
		m.termErr = err
	}
	m.errMu.Unlock()
}

func (m *Manager) shouldDropForLag(f frames.Frame) bool {
	if f == nil || f.Kind() != frames.KindAudio {
		return false
	}
	pts := f.PTS()
	// Only wall-clock timestamps carry lag information.
	if pts < 1_000_000_000_000 {
		return false
	}
	return time.Since(time.Unix(0, pts)) > m.cfg.MaxAudioLag
}

func (m *Manager) recordIn(f frames.Frame) {
	m.record(metrics.EventFrameIn, f)
}

func (m *Manager) recordOut(f frames.Frame) {
	m.record(metrics.EventFrameOut, f)
}

func (m *Manager) recordDrop(f frames.Frame) {
	m.record(metrics.EventFrameDrop, f)
}

func (m *Manager) record(name string, f frames.Frame) {
	if m.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaStreamID: m.streamID}
	if f != nil {
		tags["kind"] = string(f.Kind())
	}
	m.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: tags})
}

func (m *Manager) recordStage(stage string, start time.Time) {
	if m.obs == nil {
		return
	}
	m.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventStageLatencyUS,
		Time:  time.Now(),
		Value: float64(time.Since(start).Microseconds()),
		Tags: map[string]string{
			frames.MetaStreamID: m.streamID,
			"stage":             stage,
		},
	})
}

func (m *Manager) recordStageError(stage string) {
	if m.obs == nil {
		return
	}
	m.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventStageError,
		Time: time.Now(),
		Tags: map[string]string{
			frames.MetaStreamID: m.streamID,
			"stage":             stage,
		},
	})
}

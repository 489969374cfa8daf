package turn

import (
	"sync"
	"time"

	"github.com/fauzanlubis/larynx/pkg/frames"
)

// Strategy decides how the manager reacts when the caller talks over the
// assistant.
type Strategy interface {
	Name() string
	BargeInEnabled() bool
}

type AggressiveStrategy struct{}

func (AggressiveStrategy) Name() string         { return "aggressive" }
func (AggressiveStrategy) BargeInEnabled() bool { return true }

type PoliteStrategy struct{}

func (PoliteStrategy) Name() string         { return "polite" }
func (PoliteStrategy) BargeInEnabled() bool { return false }

// InterruptEmitter receives the control frames a barge-in produces.
type InterruptEmitter interface {
	Emit(frame frames.Frame) error
}

type Options struct {
	// MinBargeIn is how long the caller must keep talking over the
	// assistant before playback is cut.
	MinBargeIn time.Duration
}

// Manager applies turn-taking rules for one call: who holds the floor, and
// when sustained caller speech during assistant playback becomes a barge-in.
type Manager struct {
	mu         sync.Mutex
	fsm        *FSM
	strategy   Strategy
	emitter    InterruptEmitter
	minBargeIn time.Duration

	speechStart time.Time
	overlapping bool
	lastChange  time.Time
}

func NewManager(strategy Strategy, emitter InterruptEmitter, opts Options) *Manager {
	minBargeIn := opts.MinBargeIn
	if minBargeIn <= 0 {
		minBargeIn = 300 * time.Millisecond
	}
	return &Manager{
		fsm:        NewFSM(),
		strategy:   strategy,
		emitter:    emitter,
		minBargeIn: minBargeIn,
		lastChange: time.Now(),
	}
}

func (m *Manager) State() State { return m.fsm.State() }

func (m *Manager) AddListener(l StateListener) { m.fsm.AddListener(l) }

// OnUserSpeechStart records that the caller started talking. If the
// assistant currently holds the floor, the overlap clock starts; a barge-in
// fires only once the overlap outlasts MinBargeIn.
func (m *Manager) OnUserSpeechStart(streamID string) {
	m.mu.Lock()
	m.speechStart = time.Now()
	m.overlapping = m.fsm.State() == StateSpeaking
	m.lastChange = time.Now()
	m.mu.Unlock()
	if m.fsm.State() != StateSpeaking {
		_ = m.fsm.Transition(StateListening, "user speech")
	}
	_ = streamID
}

// OnUserSpeechContinued reports sustained caller speech. Returns true when
// the overlap crossed the barge-in threshold and an interrupt was emitted.
func (m *Manager) OnUserSpeechContinued(streamID string) bool {
	m.mu.Lock()
	overlapping := m.overlapping
	elapsed := time.Since(m.speechStart)
	m.mu.Unlock()
	if !overlapping || elapsed < m.minBargeIn {
		return false
	}
	if m.strategy == nil || !m.strategy.BargeInEnabled() {
		return false
	}
	m.mu.Lock()
	m.overlapping = false
	m.mu.Unlock()
	m.emitInterrupt(streamID)
	m.fsm.Force(StateListening, "barge_in")
	return true
}

// OnUserSpeechEnd hands the floor to the assistant.
func (m *Manager) OnUserSpeechEnd(streamID string) {
	m.mu.Lock()
	m.overlapping = false
	m.lastChange = time.Now()
	m.mu.Unlock()
	_ = m.fsm.Transition(StateThinking, "user speech end")
	_ = streamID
}

// OnAssistantSpeechStart marks playback as active.
func (m *Manager) OnAssistantSpeechStart() {
	m.mu.Lock()
	m.lastChange = time.Now()
	m.mu.Unlock()
	_ = m.fsm.Transition(StateSpeaking, "assistant speech")
}

// OnAssistantSpeechEnd returns the floor to idle.
func (m *Manager) OnAssistantSpeechEnd() {
	m.mu.Lock()
	m.lastChange = time.Now()
	m.mu.Unlock()
	_ = m.fsm.Transition(StateIdle, "assistant speech end")
}

// SinceLastChange is how long the floor has been held unchanged.
func (m *Manager) SinceLastChange() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastChange)
}

func (m *Manager) emitInterrupt(streamID string) {
	if m.emitter == nil {
		return
	}
	meta := map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaSource:   "turn",
		frames.MetaReason:   "barge_in",
	}
	_ = m.emitter.Emit(frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlStartInterruption, meta))
	_ = m.emitter.Emit(frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlCancel, meta))
}

package turn

import (
	"sync"
	"time"
)

// State is one phase of a conversational turn.
type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateThinking:
		return "THINKING"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// StateChange is delivered to listeners on every transition.
type StateChange struct {
	From   State
	To     State
	At     time.Time
	Reason string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// InvalidTransitionError reports a transition the FSM does not allow.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid turn transition from " + e.From.String() + " to " + e.To.String()
}

var validTransitions = map[State][]State{
	StateIdle:      {StateListening},
	StateListening: {StateThinking, StateIdle},
	StateThinking:  {StateSpeaking, StateListening, StateIdle},
	StateSpeaking:  {StateListening, StateIdle},
}

// FSM tracks which side of the conversation holds the floor for one call.
type FSM struct {
	mu        sync.RWMutex
	current   State
	listeners []StateListener
}

func NewFSM() *FSM {
	return &FSM{current: StateIdle}
}

func (f *FSM) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// Transition moves to a new state, rejecting moves the turn model forbids.
func (f *FSM) Transition(to State, reason string) error {
	f.mu.Lock()
	if !transitionAllowed(f.current, to) {
		from := f.current
		f.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	ev := StateChange{From: f.current, To: to, At: time.Now(), Reason: reason}
	f.current = to
	listeners := make([]StateListener, len(f.listeners))
	copy(listeners, f.listeners)
	f.mu.Unlock()

	for _, l := range listeners {
		l.OnStateChange(ev)
	}
	return nil
}

// Force sets the state without validation, for recovery paths only.
func (f *FSM) Force(to State, reason string) {
	f.mu.Lock()
	ev := StateChange{From: f.current, To: to, At: time.Now(), Reason: reason}
	f.current = to
	listeners := make([]StateListener, len(f.listeners))
	copy(listeners, f.listeners)
	f.mu.Unlock()

	for _, l := range listeners {
		l.OnStateChange(ev)
	}
}

func (f *FSM) AddListener(l StateListener) {
	f.mu.Lock()
	f.listeners = append(f.listeners, l)
	f.mu.Unlock()
}

func transitionAllowed(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

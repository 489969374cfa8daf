package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Session binds one call to its pipeline manager.
type Session struct {
	CallSID  string
	StreamID string
	TraceID  string
	Manager  *Manager
	Ctx      context.Context
	Cancel   context.CancelFunc
	Created  time.Time
}

// SessionFactory builds and configures a manager for a new call. The
// returned manager must not be started; the registry starts it.
type SessionFactory func(ctx context.Context, callSID, streamID, traceID string) (*Manager, error)

// SessionRegistry maps call identifiers to live pipeline sessions. Each
// session owns isolated state; nothing is shared across calls.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	factory  SessionFactory
	draining atomic.Bool
}

func NewSessionRegistry(factory SessionFactory) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		factory:  factory,
	}
}

// GetOrCreate returns the live session for callSID, building and starting a
// new one when none exists. The second result reports whether a session was
// created by this call.
func (r *SessionRegistry) GetOrCreate(callSID, streamID, traceID string) (*Session, bool, error) {
	if callSID == "" {
		return nil, false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[callSID]; ok {
		return sess, false, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	mgr, err := r.factory(ctx, callSID, streamID, traceID)
	if err != nil {
		cancel()
		return nil, false, err
	}
	mgr.SetContext(ctx)
	if err := mgr.Start(); err != nil {
		cancel()
		return nil, false, err
	}
	sess := &Session{
		CallSID:  callSID,
		StreamID: streamID,
		TraceID:  traceID,
		Manager:  mgr,
		Ctx:      ctx,
		Cancel:   cancel,
		Created:  time.Now(),
	}
	r.sessions[callSID] = sess
	return sess, true, nil
}

func (r *SessionRegistry) Get(callSID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[callSID]
	return sess, ok
}

// Remove tears the session down: the manager is stopped and the call
// context cancelled. Removing an unknown callSID is a no-op.
func (r *SessionRegistry) Remove(callSID string) {
	r.mu.Lock()
	sess, ok := r.sessions[callSID]
	if ok {
		delete(r.sessions, callSID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if sess.Manager != nil {
		_ = sess.Manager.Stop()
	}
	if sess.Cancel != nil {
		sess.Cancel()
	}
}

func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for callSID := range r.sessions {
		ids = append(ids, callSID)
	}
	r.mu.Unlock()
	for _, callSID := range ids {
		r.Remove(callSID)
	}
}

func (r *SessionRegistry) Count() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.sessions))
}

func (r *SessionRegistry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *SessionRegistry) Draining() bool {
	return r.draining.Load()
}

// WaitForEmpty polls until every session is gone or ctx expires. It reports
// whether the registry emptied in time.
func (r *SessionRegistry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

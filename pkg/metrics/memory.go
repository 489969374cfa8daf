package metrics

import "sync"

// MemoryObserver retains every event in order, for tests that assert on
// what the pipeline recorded.
type MemoryObserver struct {
	mu     sync.Mutex
	Events []MetricsEvent
}

func NewMemoryObserver() *MemoryObserver { return &MemoryObserver{} }

func (m *MemoryObserver) RecordEvent(ev MetricsEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, ev)
}

// Snapshot copies the recorded events so callers can inspect them without
// racing the pipeline.
func (m *MemoryObserver) Snapshot() []MetricsEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MetricsEvent(nil), m.Events...)
}

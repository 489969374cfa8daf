package pipeline

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fauzanlubis/larynx/pkg/errorsx"
	"github.com/fauzanlubis/larynx/pkg/frames"
	"github.com/fauzanlubis/larynx/pkg/metrics"
)

type passStage struct {
	name string
}

func (s passStage) Name() string { return s.name }

func (s passStage) Process(f frames.Frame) ([]frames.Frame, error) {
	return []frames.Frame{f}, nil
}

type slowStage struct {
	delay time.Duration
}

func (s slowStage) Name() string { return "slow" }

func (s slowStage) Process(f frames.Frame) ([]frames.Frame, error) {
	time.Sleep(s.delay)
	return []frames.Frame{f}, nil
}

type failingStage struct {
	err error
}

func (s failingStage) Name() string { return "failing" }

func (s failingStage) Process(f frames.Frame) ([]frames.Frame, error) {
	return nil, s.err
}

type frameCollector struct {
	mu     sync.Mutex
	frames []frames.Frame
}

func (c *frameCollector) sink(f frames.Frame) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
}

func (c *frameCollector) snapshot() []frames.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]frames.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

func silencePacket(n int) []byte {
	return bytes.Repeat([]byte{0xFF}, n)
}

func TestManagerPushBeforeStartIsInvalidState(t *testing.T) {
	m := NewManager("stream-1", Config{})
	err := m.PushAudio(silencePacket(160))
	if err == nil || !errors.Is(err, errorsx.ErrInvalidState) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
}

func TestManagerPushAfterStopIsInvalidState(t *testing.T) {
	m := NewManager("stream-1", Config{DrainTimeout: time.Second}, passStage{name: "noop"})
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if m.State() != StateStopped {
		t.Fatalf("expected STOPPED, got %v", m.State())
	}
	err := m.PushAudio(silencePacket(160))
	if err == nil || !errors.Is(err, errorsx.ErrInvalidState) {
		t.Fatalf("expected invalid state error after stop, got %v", err)
	}
}

func TestManagerStartTwiceFails(t *testing.T) {
	m := NewManager("stream-1", Config{DrainTimeout: time.Second}, passStage{name: "noop"})
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()
	if err := m.Start(); err == nil {
		t.Fatalf("expected second start to fail")
	}
}

func TestManagerStopIsIdempotent(t *testing.T) {
	m := NewManager("stream-1", Config{DrainTimeout: time.Second}, passStage{name: "noop"})
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestManagerOverloadDropsInsteadOfBlocking(t *testing.T) {
	m := NewManager("stream-1", Config{
		LowCapacity:  4,
		DrainTimeout: 2 * time.Second,
		MaxAudioLag:  time.Minute,
	}, slowStage{delay: 20 * time.Millisecond})
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	packet := silencePacket(160)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if err := m.PushAudio(packet); err != nil {
				t.Errorf("push %d: %v", i, err)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("producer blocked under overload")
	}
	if m.Drops() == 0 {
		t.Fatalf("expected drops under sustained overload")
	}
	if depth := m.QueueDepth(); depth > 4 {
		t.Fatalf("queue depth %d exceeds capacity", depth)
	}
}

func TestManagerDropCounterIsMonotonic(t *testing.T) {
	m := NewManager("stream-1", Config{
		LowCapacity:  1,
		DrainTimeout: 2 * time.Second,
		MaxAudioLag:  time.Minute,
	}, slowStage{delay: 50 * time.Millisecond})
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	var last int64
	for i := 0; i < 50; i++ {
		if err := m.PushAudio(silencePacket(160)); err != nil {
			t.Fatalf("push: %v", err)
		}
		if d := m.Drops(); d < last {
			t.Fatalf("drop counter went backwards: %d -> %d", last, d)
		} else {
			last = d
		}
	}
}

func TestManagerRecoverableErrorKeepsPipelineAlive(t *testing.T) {
	col := &frameCollector{}
	m := NewManager("stream-1", Config{DrainTimeout: time.Second},
		failingStage{err: errorsx.Wrap(errors.New("bad fragment"), errorsx.ReasonStageRecoverable)})
	m.SetSink(col.sink)
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.PushAudio(silencePacket(160)); err != nil {
		t.Fatalf("push: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if m.State() != StateRunning {
		t.Fatalf("expected pipeline to survive recoverable error, state %v", m.State())
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestManagerFatalErrorStopsPipeline(t *testing.T) {
	cause := errors.New("backend unusable")
	m := NewManager("stream-1", Config{DrainTimeout: time.Second},
		failingStage{err: errorsx.Fatal(errorsx.Wrap(cause, errorsx.ReasonStageFatal))})
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.PushAudio(silencePacket(160)); err != nil {
		t.Fatalf("push: %v", err)
	}
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected loop exit on fatal error")
	}
	if m.State() != StateStopped {
		t.Fatalf("expected STOPPED after fatal error, got %v", m.State())
	}
	if err := m.Err(); err == nil || !errors.Is(err, cause) {
		t.Fatalf("expected terminal error surfaced, got %v", err)
	}
}

func TestManagerEndToEndSilencePacket(t *testing.T) {
	type result struct {
		kind  frames.Kind
		bytes int
		rate  int
	}
	got := make(chan result, 1)
	m := NewManager("stream-1", Config{DrainTimeout: time.Second},
		passStage{name: "vad"},
		passStage{name: "stt"},
		passStage{name: "llm"},
		passStage{name: "aggregator"},
		passStage{name: "tts"},
	)
	// The frame may be pooled, so inspect it inside the sink before the
	// manager releases it.
	m.SetSink(func(f frames.Frame) {
		r := result{kind: f.Kind()}
		if af, ok := f.(frames.AudioFrame); ok {
			r.bytes = len(af.RawPayload())
			r.rate = af.Rate()
		}
		select {
		case got <- r:
		default:
		}
	})
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.PushAudio(silencePacket(160)); err != nil {
		t.Fatalf("push: %v", err)
	}

	select {
	case r := <-got:
		if r.kind != frames.KindAudio {
			t.Fatalf("expected audio frame, got %v", r.kind)
		}
		if r.bytes != 640 {
			t.Fatalf("expected 640 PCM bytes from 160 mulaw bytes, got %d", r.bytes)
		}
		if r.rate != 16000 {
			t.Fatalf("expected 16000 Hz, got %d", r.rate)
		}
	case <-time.After(time.Second):
		t.Fatalf("no output frame produced")
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestManagerCancelDrainsBufferedAudio(t *testing.T) {
	m := NewManager("stream-1", Config{
		LowCapacity:  64,
		DrainTimeout: 2 * time.Second,
		MaxAudioLag:  time.Minute,
	}, slowStage{delay: 30 * time.Millisecond})
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	for i := 0; i < 20; i++ {
		if err := m.PushAudio(silencePacket(160)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	cancel := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlCancel, nil)
	if err := m.PushEvent(cancel); err != nil {
		t.Fatalf("push cancel: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if m.QueueDepth() > 2 {
		t.Fatalf("expected queued audio discarded on cancel, depth %d", m.QueueDepth())
	}
}

// suspendedStage holds the frame for up to 1.5s, the way an LLM stage
// suspends on a provider stream, and releases early when its unit context
// is cancelled.
type suspendedStage struct {
	unit     context.Context
	returned chan time.Time
}

func (s *suspendedStage) Name() string { return "suspended" }

func (s *suspendedStage) SetUnitContext(ctx context.Context) { s.unit = ctx }

func (s *suspendedStage) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() != frames.KindText {
		return []frames.Frame{f}, nil
	}
	select {
	case <-time.After(1500 * time.Millisecond):
	case <-s.unit.Done():
	}
	s.returned <- time.Now()
	return []frames.Frame{f}, nil
}

func TestManagerCancelInterruptsSuspendedStage(t *testing.T) {
	stage := &suspendedStage{returned: make(chan time.Time, 1)}
	col := &frameCollector{}
	m := NewManager("stream-1", Config{DrainTimeout: 3 * time.Second}, stage)
	m.SetSink(col.sink)
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	text := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "book me a table", map[string]string{
		frames.MetaIsFinal: "true",
	})
	if err := m.PushEvent(text); err != nil {
		t.Fatalf("push text: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	cancelledAt := time.Now()
	cancel := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlCancel, nil)
	if err := m.PushEvent(cancel); err != nil {
		t.Fatalf("push cancel: %v", err)
	}

	select {
	case ret := <-stage.returned:
		if d := ret.Sub(cancelledAt); d > 500*time.Millisecond {
			t.Fatalf("suspended stage kept running %v after cancel", d)
		}
	case <-time.After(time.Second):
		t.Fatalf("suspended stage never returned after cancel")
	}
	time.Sleep(50 * time.Millisecond)
	for _, f := range col.snapshot() {
		if f.Kind() == frames.KindText {
			t.Fatalf("partial output of the cancelled turn reached the sink")
		}
	}
	if m.State() != StateRunning {
		t.Fatalf("expected pipeline to survive cancel, state %v", m.State())
	}
}

// gateStage blocks every text frame until release closes, so the test can
// hold one frame in flight while it fills and overflows the intake queue.
type gateStage struct {
	entered chan struct{}
	release chan struct{}
}

func (s *gateStage) Name() string { return "gate" }

func (s *gateStage) Process(f frames.Frame) ([]frames.Frame, error) {
	s.entered <- struct{}{}
	<-s.release
	return []frames.Frame{f}, nil
}

func TestManagerDroppedEventNotCountedAsIntake(t *testing.T) {
	stage := &gateStage{entered: make(chan struct{}, 8), release: make(chan struct{})}
	obs := metrics.NewMemoryObserver()
	m := NewManager("stream-1", Config{LowCapacity: 1, DrainTimeout: 2 * time.Second}, stage)
	m.SetObserver(obs)
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	push := func() {
		f := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "hello", nil)
		if err := m.PushEvent(f); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	push()
	<-stage.entered // first frame is in flight, queue is empty
	push()          // fills the single low slot
	push()          // rejected
	if m.Drops() != 1 {
		t.Fatalf("expected exactly one drop, got %d", m.Drops())
	}

	close(stage.release)
	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	var in, drops int
	for _, ev := range obs.Snapshot() {
		switch ev.Name {
		case metrics.EventFrameIn:
			in++
		case metrics.EventFrameDrop:
			drops++
		}
	}
	if in != 2 {
		t.Fatalf("expected 2 intake events for the 2 admitted frames, got %d", in)
	}
	if drops != 1 {
		t.Fatalf("expected 1 drop event, got %d", drops)
	}
}

func TestManagerConcurrentStopOnCreated(t *testing.T) {
	m := NewManager("stream-1", Config{}, passStage{name: "noop"})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Stop(); err != nil {
				t.Errorf("stop: %v", err)
			}
		}()
	}
	wg.Wait()
	if m.State() != StateStopped {
		t.Fatalf("expected STOPPED, got %v", m.State())
	}
}

func TestManagerStampsMonotonicWallClockPTS(t *testing.T) {
	var mu sync.Mutex
	var stamps []int64
	m := NewManager("stream-1", Config{DrainTimeout: time.Second}, passStage{name: "noop"})
	// Frames are pooled, so read the PTS inside the sink before release.
	m.SetSink(func(f frames.Frame) {
		mu.Lock()
		stamps = append(stamps, f.PTS())
		mu.Unlock()
	})
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	before := time.Now().UnixNano()
	for i := 0; i < 10; i++ {
		if err := m.PushAudio(silencePacket(160)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	after := time.Now().UnixNano()

	mu.Lock()
	defer mu.Unlock()
	if len(stamps) != 10 {
		t.Fatalf("expected 10 frames out, got %d", len(stamps))
	}
	var last int64
	for i, pts := range stamps {
		if pts < before || pts > after {
			t.Fatalf("frame %d PTS %d outside wall-clock window", i, pts)
		}
		if pts <= last {
			t.Fatalf("frame %d PTS %d not strictly increasing after %d", i, pts, last)
		}
		last = pts
	}
}

package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const frameSamples = 960

type stubDecoder struct {
	mu     sync.Mutex
	gate   chan struct{}
	calls  int
	closed bool
}

// Each chunk is filled with frame[0]/100 so tests can tell chunks apart.
func (d *stubDecoder) Decode(ctx context.Context, frame []byte) ([]float32, error) {
	d.mu.Lock()
	d.calls++
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if len(frame) == 0 || frame[0] == 0xff {
		return nil, errors.New("corrupt packet")
	}
	out := make([]float32, frameSamples)
	for i := range out {
		out[i] = float32(frame[0]) / 100
	}
	return out, nil
}

func (d *stubDecoder) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

type countingMetrics struct {
	mu       sync.Mutex
	dropped  map[string]int
	failed   int
	overflow int
	clamped  int
	resets   int
}

func (m *countingMetrics) FrameDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dropped == nil {
		m.dropped = map[string]int{}
	}
	m.dropped[reason]++
}

func (m *countingMetrics) DecodeFailed() {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()
}

func (m *countingMetrics) PCMOverflow() {
	m.mu.Lock()
	m.overflow++
	m.mu.Unlock()
}

func (m *countingMetrics) ScheduleClamped() {
	m.mu.Lock()
	m.clamped++
	m.mu.Unlock()
}

func (m *countingMetrics) TimelineReset() {
	m.mu.Lock()
	m.resets++
	m.mu.Unlock()
}

func (m *countingMetrics) QueueDepth(int, int, int) {}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	s       *Scheduler
	dev     *TimelineDevice
	dec     *stubDecoder
	metrics *countingMetrics
	clock   *fakeClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		dev:     NewTimelineDevice(16000),
		dec:     &stubDecoder{},
		metrics: &countingMetrics{},
		clock:   &fakeClock{now: time.Unix(1700000000, 0)},
	}
	s, err := New(cfg, Deps{Device: h.dev, Decoder: h.dec, Metrics: h.metrics, Clock: h.clock.Now})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	s.noDriver = true
	if err := s.Init(); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	h.s = s
	t.Cleanup(func() { _ = s.Cleanup() })
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// pump runs n driver ticks, letting each decode finish first.
func (h *harness) pump(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		waitFor(t, "decode idle", func() bool { return !h.s.decoding.Load() })
		h.s.tick()
	}
	waitFor(t, "decode idle", func() bool { return !h.s.decoding.Load() })
}

func chunkID(c Chunk) byte {
	return byte(c.Samples[0]*100 + 0.5)
}

func assertContiguous(t *testing.T, slots []Slot) {
	t.Helper()
	for i := 1; i < len(slots); i++ {
		if slots[i].Start != slots[i-1].End {
			t.Fatalf("slot %d start=%v, want %v", i, slots[i].Start, slots[i-1].End)
		}
	}
}

func TestFramesPlayInOrderAndGapless(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	for i := byte(1); i <= 5; i++ {
		if !h.s.DecodeAndEnqueue([]byte{i}) {
			t.Fatalf("frame %d rejected", i)
		}
	}
	h.pump(t, 12)

	slots := h.s.Slots()
	if len(slots) != 3 {
		t.Fatalf("slots=%d, want 3", len(slots))
	}
	if slots[0].Start != 5*time.Millisecond {
		t.Fatalf("first start=%v, want 5ms", slots[0].Start)
	}
	if slots[0].End-slots[0].Start != 60*time.Millisecond {
		t.Fatalf("slot duration=%v, want 60ms", slots[0].End-slots[0].Start)
	}
	assertContiguous(t, slots)
	for i, slot := range slots {
		if got := chunkID(slot.Chunk); got != byte(i+1) {
			t.Fatalf("slot %d chunk=%d, want %d", i, got, i+1)
		}
	}
	st := h.s.Status()
	if !st.Playing || st.PCMQueueLen != 2 {
		t.Fatalf("status=%+v", st)
	}

	// Finishing the first slot schedules the fourth chunk right after the third.
	h.dev.Advance(65 * time.Millisecond)
	waitFor(t, "refill after completion", func() bool {
		s := h.s.Slots()
		return len(s) == 3 && chunkID(s[2].Chunk) == 4
	})
	slots = h.s.Slots()
	assertContiguous(t, slots)
	if slots[0].Start != 65*time.Millisecond {
		t.Fatalf("head start=%v, want 65ms", slots[0].Start)
	}
}

func TestScheduleClampsWhenBehindDeviceClock(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.s.DecodeAndEnqueue([]byte{1})
	h.pump(t, 2)
	if n := len(h.s.Slots()); n != 1 {
		t.Fatalf("slots=%d, want 1", n)
	}

	h.dev.Advance(500 * time.Millisecond)
	waitFor(t, "slot retired", func() bool { return len(h.s.Slots()) == 0 })
	if h.s.Status().Playing {
		t.Fatalf("playing should stop once no slots remain")
	}

	h.s.DecodeAndEnqueue([]byte{2})
	h.pump(t, 2)
	slots := h.s.Slots()
	if len(slots) != 1 {
		t.Fatalf("slots=%d, want 1", len(slots))
	}
	if slots[0].Start != 500*time.Millisecond {
		t.Fatalf("start=%v, want clamp to 500ms", slots[0].Start)
	}
	if h.metrics.clamped != 1 {
		t.Fatalf("clamped=%d, want 1", h.metrics.clamped)
	}
}

func TestPCMQueueDropsOldestOnOverflow(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	for i := byte(1); i <= 14; i++ {
		h.s.DecodeAndEnqueue([]byte{i})
	}
	h.pump(t, 30)

	st := h.s.Status()
	if st.ScheduledSlots != 3 || st.PCMQueueLen != 10 {
		t.Fatalf("slots=%d pcm=%d, want 3 and 10", st.ScheduledSlots, st.PCMQueueLen)
	}
	h.s.mu.Lock()
	head := chunkID(h.s.pcmQueue[0])
	h.s.mu.Unlock()
	if head != 5 {
		t.Fatalf("pcm head=%d, want 5", head)
	}
	if h.metrics.overflow != 1 {
		t.Fatalf("overflow=%d, want 1", h.metrics.overflow)
	}
}

func TestDecodeQueueRejectsNewestWhenFull(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	gate := make(chan struct{})
	h.dec.gate = gate
	defer close(gate)

	if !h.s.DecodeAndEnqueue([]byte{1}) {
		t.Fatalf("first frame rejected")
	}
	for i := 0; i < 20; i++ {
		if !h.s.DecodeAndEnqueue([]byte{2}) {
			t.Fatalf("frame %d rejected before queue was full", i)
		}
	}
	if h.s.DecodeAndEnqueue([]byte{3}) {
		t.Fatalf("frame accepted into full queue")
	}
	if got := h.metrics.dropped["decode_queue_full"]; got != 1 {
		t.Fatalf("dropped=%d, want 1", got)
	}
	if st := h.s.Status(); st.DecodeQueueLen != 20 || !st.Decoding {
		t.Fatalf("status=%+v", st)
	}
}

func TestDecodeErrorDropsFrameAndContinues(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.s.DecodeAndEnqueue([]byte{0xff})
	h.s.DecodeAndEnqueue([]byte{7})
	h.pump(t, 4)

	slots := h.s.Slots()
	if len(slots) != 1 || chunkID(slots[0].Chunk) != 7 {
		t.Fatalf("slots=%+v", slots)
	}
	if h.metrics.failed != 1 {
		t.Fatalf("failed=%d, want 1", h.metrics.failed)
	}
}

func TestStaleDecodeIgnoredAfterReset(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	gate := make(chan struct{})
	h.dec.gate = gate

	h.s.DecodeAndEnqueue([]byte{1})
	waitFor(t, "decode started", func() bool {
		h.dec.mu.Lock()
		defer h.dec.mu.Unlock()
		return h.dec.calls == 1
	})
	h.s.ResetTimeline()
	if h.s.Status().Decoding {
		t.Fatalf("reset should clear the in-flight token")
	}
	h.dec.mu.Lock()
	h.dec.gate = nil
	h.dec.mu.Unlock()
	close(gate)

	time.Sleep(20 * time.Millisecond)
	if st := h.s.Status(); st.PCMQueueLen != 0 {
		t.Fatalf("stale decode produced pcm: %+v", st)
	}

	h.s.DecodeAndEnqueue([]byte{2})
	h.pump(t, 2)
	slots := h.s.Slots()
	if len(slots) != 1 || chunkID(slots[0].Chunk) != 2 {
		t.Fatalf("slots=%+v", slots)
	}
}

func TestResetTimelineIsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	for i := byte(1); i <= 5; i++ {
		h.s.DecodeAndEnqueue([]byte{i})
	}
	h.pump(t, 10)
	h.dev.Advance(10 * time.Millisecond)

	h.s.ResetTimeline()
	first := h.s.Status()
	h.s.ResetTimeline()
	second := h.s.Status()
	if first != second {
		t.Fatalf("second reset changed state: %+v vs %+v", first, second)
	}
	if first.ScheduledSlots != 0 || first.PCMQueueLen != 0 || first.DecodeQueueLen != 0 || !first.FirstPlay || first.Playing {
		t.Fatalf("status after reset=%+v", first)
	}

	// The next chunk opens a fresh timeline relative to the device clock.
	h.s.DecodeAndEnqueue([]byte{9})
	h.pump(t, 2)
	slots := h.s.Slots()
	if len(slots) != 1 || slots[0].Start != 15*time.Millisecond {
		t.Fatalf("slots=%+v, want start 15ms", slots)
	}
}

func TestSilenceTimeoutStopsPlaying(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.s.DecodeAndEnqueue([]byte{1})
	h.pump(t, 2)
	if !h.s.Status().Playing {
		t.Fatalf("expected playing")
	}

	h.clock.Add(5 * time.Second)
	h.s.tick()
	if !h.s.Status().Playing {
		t.Fatalf("stopped before timeout")
	}
	h.clock.Add(6 * time.Second)
	h.s.tick()
	if h.s.Status().Playing {
		t.Fatalf("still playing after silence timeout")
	}
}

func TestSilenceTimeoutWaitsForPendingDecodes(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.s.DecodeAndEnqueue([]byte{1})
	h.pump(t, 2)
	if !h.s.Status().Playing {
		t.Fatalf("expected playing")
	}

	gate := make(chan struct{})
	h.dec.mu.Lock()
	h.dec.gate = gate
	h.dec.mu.Unlock()
	h.s.DecodeAndEnqueue([]byte{2})
	h.s.DecodeAndEnqueue([]byte{3})

	h.clock.Add(11 * time.Second)
	h.s.tick()
	if st := h.s.Status(); !st.Playing || st.DecodeQueueLen != 1 {
		t.Fatalf("status=%+v, want playing with one queued frame", st)
	}

	close(gate)
	h.pump(t, 3)
	if !h.s.Status().Playing {
		t.Fatalf("stopped while frames were still arriving")
	}
}

func TestCleanupIsIdempotentAndRejectsFrames(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	if err := h.s.Cleanup(); err != nil {
		t.Fatalf("Cleanup error: %v", err)
	}
	if err := h.s.Cleanup(); err != nil {
		t.Fatalf("second Cleanup error: %v", err)
	}
	if h.s.DecodeAndEnqueue([]byte{1}) {
		t.Fatalf("frame accepted after cleanup")
	}
	if !h.dec.closed {
		t.Fatalf("decoder not closed")
	}
	if _, err := h.dev.Schedule([]float32{0}, 0); !errors.Is(err, ErrDeviceClosed) {
		t.Fatalf("device err=%v, want ErrDeviceClosed", err)
	}
}

func TestDriverLoopPlaysWithoutManualTicks(t *testing.T) {
	dev := NewTimelineDevice(16000)
	s, err := New(DefaultConfig(), Deps{Device: dev, Decoder: &stubDecoder{}})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	defer s.Cleanup()
	if s.DecodeAndEnqueue([]byte{1}) {
		t.Fatalf("frame accepted before Init")
	}
	if err := s.Init(); err != nil {
		t.Fatalf("Init error: %v", err)
	}
	for i := byte(1); i <= 3; i++ {
		s.DecodeAndEnqueue([]byte{i})
	}
	waitFor(t, "three slots", func() bool { return s.Status().ScheduledSlots == 3 })
}

func TestConfigNormalizedClampsTick(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want time.Duration
	}{
		{in: 0, want: 5 * time.Millisecond},
		{in: time.Millisecond, want: 5 * time.Millisecond},
		{in: 20 * time.Millisecond, want: 20 * time.Millisecond},
		{in: time.Second, want: 30 * time.Millisecond},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		cfg.TickInterval = tc.in
		if got := cfg.normalized().TickInterval; got != tc.want {
			t.Fatalf("tick(%v)=%v, want %v", tc.in, got, tc.want)
		}
	}
}

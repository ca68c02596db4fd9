package playback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Device  OutputDevice
	Decoder Decoder
	Logger  *zap.Logger
	Metrics Metrics
	// Clock is the wall clock used for the silence timeout.
	Clock func() time.Time
}

// Scheduler decodes frames in arrival order and lays the resulting chunks
// back to back on the device timeline.
//
// At most one decode runs at a time. Every timeline reset bumps the epoch so
// that decodes and slot completions started before the reset are ignored.
type Scheduler struct {
	cfg     Config
	device  OutputDevice
	decoder Decoder
	logger  *zap.Logger
	metrics Metrics
	clock   func() time.Time

	mu          sync.Mutex
	decodeQueue [][]byte
	pcmQueue    []Chunk
	slots       []*Slot
	playing     bool
	nextStart   time.Duration
	firstPlay   bool
	lastActive  time.Time
	epoch       uint64
	initialized bool
	closed      bool

	decoding atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	doneCh   chan struct{}
	noDriver bool
}

// New creates a scheduler. Init must be called before frames are accepted.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Device == nil {
		return nil, errors.New("playback: output device is required")
	}
	if deps.Decoder == nil {
		return nil, errors.New("playback: decoder is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:       cfg.normalized(),
		device:    deps.Device,
		decoder:   deps.Decoder,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		clock:     deps.Clock,
		firstPlay: true,
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Init starts the driver loop. Calling it again is a no-op.
func (s *Scheduler) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("playback: scheduler closed")
	}
	if s.initialized {
		return nil
	}
	s.initialized = true
	s.firstPlay = true
	s.lastActive = s.clock()
	if s.noDriver {
		close(s.doneCh)
	} else {
		go s.run()
	}
	s.logger.Info("playback scheduler initialized",
		zap.Int("sample_rate", s.cfg.SampleRate),
		zap.Duration("tick", s.cfg.TickInterval),
		zap.Int("low_watermark", s.cfg.LowWatermark),
	)
	return nil
}

// DecodeAndEnqueue accepts one encoded frame. It reports false when the
// frame was rejected because the scheduler is not running or the decode
// queue is full.
func (s *Scheduler) DecodeAndEnqueue(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized || s.closed {
		return false
	}
	// Queue behind in-flight or waiting work to keep arrival order.
	if s.decoding.Load() || len(s.decodeQueue) > 0 {
		if len(s.decodeQueue) >= s.cfg.DecodeQueueSize {
			s.logger.Warn("decode queue full, dropping frame", zap.Int("size", len(frame)))
			s.metrics.FrameDropped("decode_queue_full")
			return false
		}
		s.decodeQueue = append(s.decodeQueue, frame)
		return true
	}
	s.startDecodeLocked(frame)
	return true
}

func (s *Scheduler) startDecodeLocked(frame []byte) {
	if !s.decoding.CompareAndSwap(false, true) {
		s.decodeQueue = append([][]byte{frame}, s.decodeQueue...)
		return
	}
	go s.decode(s.epoch, frame)
}

func (s *Scheduler) decode(epoch uint64, frame []byte) {
	samples, err := s.decoder.Decode(s.ctx, frame)

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || s.closed {
		return
	}
	s.decoding.Store(false)
	if err != nil {
		derr := &DecodeError{Size: len(frame), Err: err}
		s.logger.Warn("dropping undecodable frame", zap.Error(derr))
		s.metrics.DecodeFailed()
		return
	}
	if len(samples) == 0 {
		return
	}
	s.pushPCMLocked(Chunk{Samples: samples, SampleRate: s.cfg.SampleRate})
}

func (s *Scheduler) pushPCMLocked(chunk Chunk) {
	if len(s.pcmQueue) >= s.cfg.PCMQueueSize {
		s.pcmQueue = s.pcmQueue[1:]
		s.metrics.PCMOverflow()
		s.logger.Debug("pcm queue full, dropped oldest chunk", zap.Int("capacity", s.cfg.PCMQueueSize))
	}
	s.pcmQueue = append(s.pcmQueue, chunk)
	s.lastActive = s.clock()
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized || s.closed {
		return
	}

	if !s.decoding.Load() && len(s.decodeQueue) > 0 {
		frame := s.decodeQueue[0]
		s.decodeQueue = s.decodeQueue[1:]
		s.startDecodeLocked(frame)
	}

	now := s.device.Now()
	kept := s.slots[:0]
	for _, slot := range s.slots {
		if slot.End > now {
			kept = append(kept, slot)
		}
	}
	s.slots = kept

	defer func() {
		s.metrics.QueueDepth(len(s.decodeQueue), len(s.pcmQueue), len(s.slots))
	}()

	if len(s.pcmQueue) == 0 {
		pending := len(s.decodeQueue) > 0 || s.decoding.Load()
		if s.playing && !pending && s.clock().Sub(s.lastActive) > s.cfg.SilenceTimeout {
			s.playing = false
			s.logger.Info("playback idle, stopping", zap.Duration("silence", s.cfg.SilenceTimeout))
		}
		return
	}
	if len(s.slots) < s.cfg.LowWatermark {
		chunk := s.pcmQueue[0]
		s.pcmQueue = s.pcmQueue[1:]
		s.scheduleSlotLocked(chunk)
	}

	if !s.playing && len(s.slots) > 0 {
		s.playing = true
	}
}

func (s *Scheduler) scheduleSlotLocked(chunk Chunk) {
	now := s.device.Now()
	var start time.Duration
	if s.firstPlay {
		start = now + s.cfg.Lead
	} else {
		start = s.nextStart
		if start < now {
			s.logger.Debug("playback behind device clock, clamping",
				zap.Duration("behind", now-start),
			)
			s.metrics.ScheduleClamped()
			start = now
		}
	}

	voice, err := s.device.Schedule(chunk.Samples, start)
	if err != nil {
		s.logger.Warn("schedule chunk failed", zap.Error(err))
		s.metrics.FrameDropped("schedule_failed")
		return
	}
	s.firstPlay = false
	slot := &Slot{
		Chunk: chunk,
		Start: start,
		End:   start + chunk.Duration(),
		voice: voice,
		epoch: s.epoch,
	}
	s.slots = append(s.slots, slot)
	s.nextStart = slot.End
	s.lastActive = s.clock()
	go s.watch(slot)
}

func (s *Scheduler) watch(slot *Slot) {
	<-slot.voice.Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if slot.epoch != s.epoch || s.closed {
		return
	}
	for i, v := range s.slots {
		if v == slot {
			s.slots = append(s.slots[:i], s.slots[i+1:]...)
			break
		}
	}
	if len(s.pcmQueue) > 0 && len(s.slots) < s.cfg.LowWatermark {
		chunk := s.pcmQueue[0]
		s.pcmQueue = s.pcmQueue[1:]
		s.scheduleSlotLocked(chunk)
	}
	if len(s.slots) == 0 {
		s.playing = false
	}
}

// ResetTimeline stops everything scheduled, drops queued work, and makes the
// next chunk start a fresh timeline. Calling it twice in a row is the same
// as calling it once.
func (s *Scheduler) ResetTimeline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.metrics.TimelineReset()
}

func (s *Scheduler) resetLocked() {
	s.epoch++
	for _, slot := range s.slots {
		slot.voice.Stop()
	}
	s.slots = nil
	s.decodeQueue = nil
	s.pcmQueue = nil
	s.decoding.Store(false)
	s.playing = false
	s.nextStart = 0
	s.firstPlay = true
}

// Cleanup stops the driver and releases the decoder and output device. It is
// safe to call more than once.
func (s *Scheduler) Cleanup() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.resetLocked()
	s.closed = true
	started := s.initialized
	s.mu.Unlock()

	s.cancel()
	close(s.stopCh)
	if started {
		<-s.doneCh
	}
	return errors.Join(s.decoder.Close(), s.device.Close())
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Initialized:    s.initialized && !s.closed,
		DecodeQueueLen: len(s.decodeQueue),
		PCMQueueLen:    len(s.pcmQueue),
		ScheduledSlots: len(s.slots),
		Playing:        s.playing,
		Decoding:       s.decoding.Load(),
		MaxPCMQueue:    s.cfg.PCMQueueSize,
		MaxDecodeQueue: s.cfg.DecodeQueueSize,
		TickInterval:   s.cfg.TickInterval,
		LowWatermark:   s.cfg.LowWatermark,
		NextStart:      s.nextStart,
		FirstPlay:      s.firstPlay,
		DeviceTime:     s.device.Now(),
	}
}

// Slots returns a copy of the scheduled slots ordered by start time.
func (s *Scheduler) Slots() []Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Slot, 0, len(s.slots))
	for _, slot := range s.slots {
		out = append(out, Slot{Chunk: slot.Chunk, Start: slot.Start, End: slot.End})
	}
	return out
}

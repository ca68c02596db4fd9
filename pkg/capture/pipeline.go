// Package capture turns microphone input into a steady stream of 60 ms Opus
// frames ready for the wire.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/saker-ai/voice-client/pkg/audio"
	"github.com/saker-ai/voice-client/pkg/ogg"
	"go.uber.org/zap"
)

// Config controls the output format of the pipeline.
type Config struct {
	SampleRate      int
	Channels        int
	FrameDurationMs int
	// HeaderPages is how many leading pages of each encoder are codec setup.
	// Values below MinHeaderPages are raised to it.
	HeaderPages int
	// ReadMs is the size of each device read.
	ReadMs      int
	Constraints Constraints
}

// MinHeaderPages covers the OpusHead and OpusTags pages every Ogg Opus
// stream starts with.
const MinHeaderPages = 2

// DefaultConfig returns 16 kHz mono with 60 ms frames.
func DefaultConfig() Config {
	return Config{
		SampleRate:      16000,
		Channels:        1,
		FrameDurationMs: 60,
		HeaderPages:     2,
		ReadMs:          20,
		Constraints:     DefaultConstraints(),
	}
}

// Callbacks represents a callbacks.
type Callbacks struct {
	// OnError is called once when a running session fails. The device has
	// already been released.
	OnError func(error)
}

// Status is a snapshot of the pipeline.
type Status struct {
	Running       bool   `json:"running"`
	Paused        bool   `json:"paused"`
	Format        Format `json:"format"`
	HeadersSeen   int    `json:"headers_seen"`
	FramesEmitted uint64 `json:"frames_emitted"`
}

// Pipeline owns the microphone for one capture session at a time.
type Pipeline struct {
	cfg        Config
	device     InputDevice
	newEncoder EncoderFactory
	logger     *zap.Logger
	metrics    Metrics
	callbacks  Callbacks

	mu          sync.Mutex
	stream      InputStream
	format      Format
	encoder     PageEncoder
	resampler   *audio.StreamResampler
	mono        []float32
	onFrame     func([]byte)
	running     bool
	paused      bool
	headersSeen int
	emitted     uint64
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a pipeline. A nil factory selects the Ogg/Opus encoder.
func New(cfg Config, device InputDevice, newEncoder EncoderFactory, logger *zap.Logger, metrics Metrics, callbacks Callbacks) *Pipeline {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = def.Channels
	}
	if cfg.FrameDurationMs <= 0 {
		cfg.FrameDurationMs = def.FrameDurationMs
	}
	if cfg.HeaderPages < MinHeaderPages {
		cfg.HeaderPages = MinHeaderPages
	}
	if cfg.ReadMs <= 0 {
		cfg.ReadMs = def.ReadMs
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if newEncoder == nil {
		spec := audio.EncoderSpec{
			SampleRate:      cfg.SampleRate,
			Channels:        cfg.Channels,
			FrameDurationMs: cfg.FrameDurationMs,
		}
		newEncoder = func() (PageEncoder, error) {
			return NewOggOpusEncoder(spec, logger)
		}
	}
	return &Pipeline{
		cfg:        cfg,
		device:     device,
		newEncoder: newEncoder,
		logger:     logger,
		metrics:    metrics,
		callbacks:  callbacks,
	}
}

// Start acquires the microphone and begins emitting frames to onFrame. A
// paused pipeline resumes with the same encoder.
func (p *Pipeline) Start(ctx context.Context, onFrame func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		p.onFrame = onFrame
		if p.paused {
			p.paused = false
			p.logger.Info("capture resumed")
		}
		return nil
	}
	if p.device == nil {
		return &PermissionError{Reason: ErrDeviceNotFound}
	}

	stream, err := p.device.Open(ctx, p.cfg.Constraints)
	if err != nil {
		perr := classifyOpenError(err)
		p.logger.Warn("open microphone failed", zap.Error(perr))
		return perr
	}
	format := stream.Format()
	if format.SampleRate <= 0 || format.Channels <= 0 {
		_ = stream.Close()
		return &PermissionError{Reason: ErrUnsupportedConfig, Err: fmt.Errorf("device format %+v", format)}
	}

	encoder, err := p.newEncoder()
	if err != nil {
		_ = stream.Close()
		return &EncodeError{Err: err}
	}
	resampler, err := audio.NewStreamResampler(format.SampleRate, p.cfg.SampleRate)
	if err != nil {
		_ = encoder.Close()
		_ = stream.Close()
		return &PermissionError{Reason: ErrUnsupportedConfig, Err: err}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.stream = stream
	p.format = format
	p.encoder = encoder
	p.resampler = resampler
	p.onFrame = onFrame
	p.running = true
	p.paused = false
	p.headersSeen = 0
	p.cancel = cancel
	p.done = make(chan struct{})

	p.logger.Info("capture started",
		zap.Int("device_rate", format.SampleRate),
		zap.Int("device_channels", format.Channels),
		zap.Int("frame_ms", p.cfg.FrameDurationMs),
	)
	go p.readLoop(loopCtx, stream, format, p.done)
	return nil
}

// Stop pauses capture. The device stays open and input is discarded until
// Start or Resume.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.paused {
		return
	}
	p.paused = true
	p.resampler.Reset()
	p.logger.Info("capture paused")
}

// Resume continues a paused capture.
func (p *Pipeline) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrNotStarted
	}
	p.paused = false
	return nil
}

// Close releases the device and encoder. It is a no-op when not running.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	err := p.releaseLocked()
	done := p.done
	p.mu.Unlock()

	<-done
	p.logger.Info("capture closed")
	return err
}

// Status returns a snapshot of the pipeline.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Running:       p.running,
		Paused:        p.paused,
		Format:        p.format,
		HeadersSeen:   p.headersSeen,
		FramesEmitted: p.emitted,
	}
}

func (p *Pipeline) releaseLocked() error {
	p.cancel()
	var errs []error
	if p.stream != nil {
		errs = append(errs, p.stream.Close())
	}
	if p.encoder != nil {
		errs = append(errs, p.encoder.Close())
	}
	if p.resampler != nil {
		p.resampler.Close()
	}
	p.stream = nil
	p.encoder = nil
	p.resampler = nil
	p.running = false
	p.paused = false
	return errors.Join(errs...)
}

func (p *Pipeline) readLoop(ctx context.Context, stream InputStream, format Format, done chan struct{}) {
	defer close(done)
	buf := audio.AcquireFloat32(audio.DurationSamples(format.SampleRate, p.cfg.ReadMs) * format.Channels)
	defer audio.ReleaseFloat32(buf)
	for {
		n, err := stream.Read(buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.fail(fmt.Errorf("read microphone: %w", err))
			return
		}
		if n == 0 {
			continue
		}
		frames, err := p.process(buf[:n], format.Channels)
		p.emit(frames)
		if err != nil {
			p.fail(err)
			return
		}
	}
}

// process resamples input, encodes complete frames and demuxes the pages.
func (p *Pipeline) process(samples []float32, channels int) ([][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.paused {
		return nil, nil
	}
	p.mono = audio.Downmix(p.mono, samples, channels)
	if err := p.resampler.Append(p.mono); err != nil {
		return nil, &EncodeError{Err: fmt.Errorf("resample: %w", err)}
	}

	frameSize := audio.DurationSamples(p.cfg.SampleRate, p.cfg.FrameDurationMs)
	var out [][]byte
	for {
		pcm, ok := p.resampler.PopFrame(frameSize)
		if !ok {
			return out, nil
		}
		pages, err := p.encoder.Encode(pcm)
		audio.ReleaseInt16(pcm)
		if err != nil {
			return out, &EncodeError{Err: err}
		}
		for _, page := range pages {
			if frame := p.demuxLocked(page); frame != nil {
				out = append(out, frame)
			}
		}
	}
}

func (p *Pipeline) demuxLocked(page []byte) []byte {
	if p.headersSeen < p.cfg.HeaderPages {
		p.headersSeen++
		return nil
	}
	frame, err := ogg.Demux(page)
	if err != nil {
		p.metrics.FramingError()
		p.logger.Warn("dropping capture page", zap.Error(err))
		return nil
	}
	if ogg.IsSetupPacket(frame) {
		p.headersSeen++
		p.logger.Debug("dropping late setup page", zap.Int("size", len(frame)))
		return nil
	}
	if len(frame) == 0 {
		return nil
	}
	p.emitted++
	p.metrics.FrameCaptured()
	return frame
}

func (p *Pipeline) emit(frames [][]byte) {
	if len(frames) == 0 {
		return
	}
	p.mu.Lock()
	onFrame := p.onFrame
	p.mu.Unlock()
	if onFrame == nil {
		return
	}
	for _, frame := range frames {
		onFrame(frame)
	}
}

func (p *Pipeline) fail(err error) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	_ = p.releaseLocked()
	p.mu.Unlock()

	p.logger.Error("capture failed", zap.Error(err))
	if p.callbacks.OnError != nil {
		p.callbacks.OnError(err)
	}
}

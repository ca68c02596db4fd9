package audio

import (
	"fmt"
	"sync"

	"github.com/saker-ai/voice-client/pkg/audio/opusx"
	"go.uber.org/zap"
)

// maxPacketSize is the largest Opus packet libopus recommends allocating.
const maxPacketSize = 4000

// EncoderSpec describes an Opus encoder.
type EncoderSpec struct {
	SampleRate      int
	Channels        int
	FrameDurationMs int
	Application     opusx.Application
	Options         opusx.EncoderConfig
}

// OpusEncoder encodes fixed-size PCM16 frames.
type OpusEncoder struct {
	mu        sync.Mutex
	key       encoderKey
	enc       *opusx.Encoder
	frameSize int
	scratch   []int16
	packet    []byte
}

// NewOpusEncoder creates an encoder for spec. Option failures are logged and
// do not fail construction.
func NewOpusEncoder(spec EncoderSpec, logger *zap.Logger) (*OpusEncoder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if spec.SampleRate <= 0 || spec.Channels <= 0 || spec.FrameDurationMs <= 0 {
		return nil, fmt.Errorf("invalid encoder spec rate=%d channels=%d frame=%dms",
			spec.SampleRate, spec.Channels, spec.FrameDurationMs)
	}
	key := encoderKey{sampleRate: spec.SampleRate, channels: spec.Channels, application: spec.Application}
	enc, err := acquireRawEncoder(key)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	if err := enc.Configure(spec.Options); err != nil {
		logger.Warn("opus encoder option rejected", zap.String("backend", opusx.Backend()), zap.Error(err))
	}
	frameSize := spec.SampleRate * spec.FrameDurationMs / 1000
	return &OpusEncoder{
		key:       key,
		enc:       enc,
		frameSize: frameSize,
		scratch:   make([]int16, frameSize*spec.Channels),
		packet:    make([]byte, maxPacketSize),
	}, nil
}

// FrameSize returns samples per channel in one frame.
func (e *OpusEncoder) FrameSize() int {
	return e.frameSize
}

// Encode encodes one frame of interleaved PCM16. Short input is padded with
// silence and long input truncated. A nil packet with nil error means the
// encoder produced no output (DTX).
func (e *OpusEncoder) Encode(pcm []int16) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc == nil {
		return nil, fmt.Errorf("opus encode: encoder closed")
	}

	n := copy(e.scratch, pcm)
	for i := n; i < len(e.scratch); i++ {
		e.scratch[i] = 0
	}
	size, err := e.enc.Encode(e.scratch, e.packet)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	if size == 0 {
		return nil, nil
	}
	out := make([]byte, size)
	copy(out, e.packet[:size])
	return out, nil
}

// Close returns the underlying encoder to the pool.
func (e *OpusEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc != nil {
		releaseRawEncoder(e.key, e.enc)
	}
	e.enc = nil
	return nil
}

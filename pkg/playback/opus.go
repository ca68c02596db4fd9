package playback

import (
	"context"

	"github.com/saker-ai/voice-client/pkg/audio"
)

// OpusDecoder adapts audio.OpusDecoder to Decoder.
type OpusDecoder struct {
	dec *audio.OpusDecoder
}

// NewOpusDecoder creates a mono Opus decoder at sampleRate.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := audio.NewOpusDecoder(sampleRate, channels)
	if err != nil {
		return nil, err
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode executes the decode method.
func (d *OpusDecoder) Decode(ctx context.Context, frame []byte) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.dec.DecodeFloat32(frame)
}

// Close executes the close method.
func (d *OpusDecoder) Close() error {
	return d.dec.Close()
}

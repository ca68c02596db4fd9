package audio

import (
	"fmt"
	"sync"

	"github.com/saker-ai/voice-client/pkg/audio/opusx"
)

// maxFrameMs is the longest duration a single Opus packet can carry.
const maxFrameMs = 120

// OpusDecoder decodes Opus packets into mono float32 PCM.
type OpusDecoder struct {
	mu         sync.Mutex
	dec        *opusx.Decoder
	sampleRate int
	channels   int
	pcm        []float32
}

// NewOpusDecoder executes the newOpusDecoder function.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := opusx.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:        dec,
		sampleRate: sampleRate,
		channels:   channels,
		pcm:        make([]float32, sampleRate*maxFrameMs/1000*channels),
	}, nil
}

// SampleRate returns the output rate.
func (d *OpusDecoder) SampleRate() int {
	return d.sampleRate
}

// DecodeFloat32 decodes one packet. Multi-channel output is downmixed so the
// returned slice is always mono and owned by the caller.
func (d *OpusDecoder) DecodeFloat32(packet []byte) ([]float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dec == nil {
		return nil, fmt.Errorf("opus decode: decoder closed")
	}
	if len(packet) == 0 {
		return nil, fmt.Errorf("opus decode: empty packet")
	}
	n, err := d.dec.DecodeFloat32(packet, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return Downmix(nil, d.pcm[:n*d.channels], d.channels), nil
}

// Close releases the decoder.
func (d *OpusDecoder) Close() error {
	d.mu.Lock()
	d.dec = nil
	d.mu.Unlock()
	return nil
}

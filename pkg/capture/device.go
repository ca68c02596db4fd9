package capture

import "context"

// Constraints are the processing hints requested from the input device.
// Zero SampleRate or Channels leaves the choice to the device.
type Constraints struct {
	EchoCancellation bool `mapstructure:"echo_cancellation" yaml:"echo_cancellation"`
	NoiseSuppression bool `mapstructure:"noise_suppression" yaml:"noise_suppression"`
	AutoGainControl  bool `mapstructure:"auto_gain_control" yaml:"auto_gain_control"`
	SampleRate       int  `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels         int  `mapstructure:"channels" yaml:"channels"`
}

// DefaultConstraints turns every enhancement on and forces nothing.
func DefaultConstraints() Constraints {
	return Constraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true}
}

// Format is the native format of an opened stream.
type Format struct {
	SampleRate int
	Channels   int
}

// InputStream delivers interleaved float32 samples.
type InputStream interface {
	Format() Format
	// Read blocks until samples are available and returns how many were
	// written to buf. It fails once the stream is closed.
	Read(buf []float32) (int, error)
	// Close may run while a Read is blocked. Device resources are released
	// only after that Read has returned.
	Close() error
}

// InputDevice opens microphone streams.
type InputDevice interface {
	Open(ctx context.Context, c Constraints) (InputStream, error)
}

// PageEncoder turns fixed-size PCM16 frames into Ogg pages. The pages of a
// fresh encoder start with the stream headers.
type PageEncoder interface {
	Encode(pcm []int16) ([][]byte, error)
	Close() error
}

// EncoderFactory creates a PageEncoder for one capture session.
type EncoderFactory func() (PageEncoder, error)

// Metrics receives capture events.
type Metrics interface {
	FrameCaptured()
	FramingError()
}

type nopMetrics struct{}

func (nopMetrics) FrameCaptured() {}
func (nopMetrics) FramingError() {}

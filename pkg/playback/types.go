// Package playback schedules decoded speech for gapless output against the
// output device's own clock.
package playback

import (
	"context"
	"fmt"
	"time"
)

// Voice is one scheduled buffer on an output device.
type Voice interface {
	// Stop silences the voice. Done is closed afterwards.
	Stop()
	// Done is closed when the voice finished playing or was stopped.
	Done() <-chan struct{}
}

// OutputDevice plays buffers at absolute positions on its clock.
type OutputDevice interface {
	// Now returns the device clock measured from device start.
	Now() time.Duration
	// Schedule queues mono samples to start at the given device time.
	Schedule(samples []float32, at time.Duration) (Voice, error)
	SampleRate() int
	Close() error
}

// Decoder turns one encoded frame into mono PCM.
type Decoder interface {
	Decode(ctx context.Context, frame []byte) ([]float32, error)
	Close() error
}

// Metrics receives scheduler events.
type Metrics interface {
	FrameDropped(reason string)
	DecodeFailed()
	PCMOverflow()
	ScheduleClamped()
	TimelineReset()
	QueueDepth(decode, pcm, slots int)
}

type nopMetrics struct{}

func (nopMetrics) FrameDropped(string) {}
func (nopMetrics) DecodeFailed() {}
func (nopMetrics) PCMOverflow() {}
func (nopMetrics) ScheduleClamped() {}
func (nopMetrics) TimelineReset() {}
func (nopMetrics) QueueDepth(int, int, int) {}

// Chunk is the decoded PCM of one frame.
type Chunk struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// Slot is a chunk placed on the device timeline.
type Slot struct {
	Chunk Chunk
	Start time.Duration
	End   time.Duration

	voice Voice
	epoch uint64
}

// DecodeError reports a frame that failed to decode. The frame is dropped.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame (%d bytes): %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Status is a read-only snapshot of scheduler state.
type Status struct {
	Initialized    bool          `json:"initialized"`
	DecodeQueueLen int           `json:"decode_queue_len"`
	PCMQueueLen    int           `json:"pcm_queue_len"`
	ScheduledSlots int           `json:"scheduled_slots"`
	Playing        bool          `json:"playing"`
	Decoding       bool          `json:"decoding"`
	MaxPCMQueue    int           `json:"max_pcm_queue"`
	MaxDecodeQueue int           `json:"max_decode_queue"`
	TickInterval   time.Duration `json:"tick_interval"`
	LowWatermark   int           `json:"low_watermark"`
	NextStart      time.Duration `json:"next_start"`
	FirstPlay      bool          `json:"first_play"`
	DeviceTime     time.Duration `json:"device_time"`
}

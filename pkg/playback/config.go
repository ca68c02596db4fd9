package playback

import "time"

const (
	minTick = 5 * time.Millisecond
	maxTick = 30 * time.Millisecond
)

// Config controls buffering and timing.
type Config struct {
	SampleRate      int
	Channels        int
	TickInterval    time.Duration
	Lead            time.Duration
	LowWatermark    int
	DecodeQueueSize int
	PCMQueueSize    int
	SilenceTimeout  time.Duration
}

// DefaultConfig returns the 16 kHz mono defaults.
func DefaultConfig() Config {
	return Config{
		SampleRate:      16000,
		Channels:        1,
		TickInterval:    5 * time.Millisecond,
		Lead:            5 * time.Millisecond,
		LowWatermark:    3,
		DecodeQueueSize: 20,
		PCMQueueSize:    10,
		SilenceTimeout:  10 * time.Second,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = def.SampleRate
	}
	if c.Channels <= 0 {
		c.Channels = def.Channels
	}
	if c.TickInterval < minTick {
		c.TickInterval = minTick
	}
	if c.TickInterval > maxTick {
		c.TickInterval = maxTick
	}
	if c.Lead < 0 {
		c.Lead = def.Lead
	}
	if c.LowWatermark <= 0 {
		c.LowWatermark = def.LowWatermark
	}
	if c.DecodeQueueSize <= 0 {
		c.DecodeQueueSize = def.DecodeQueueSize
	}
	if c.PCMQueueSize <= 0 {
		c.PCMQueueSize = def.PCMQueueSize
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = def.SilenceTimeout
	}
	return c
}

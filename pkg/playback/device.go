package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gopxl/beep"
)

// ErrDeviceClosed is returned by Schedule after Close.
var ErrDeviceClosed = errors.New("playback: device closed")

// TimelineDevice is a beep.Streamer that mixes scheduled voices. The number
// of samples pulled from it is the device clock, so whatever sink drives the
// streamer (a speaker or RunClock) defines time.
type TimelineDevice struct {
	mu     sync.Mutex
	rate   beep.SampleRate
	pos    int
	voices []*timelineVoice
	closed bool
}

type timelineVoice struct {
	start   int
	samples []float32
	once    sync.Once
	done    chan struct{}
}

func (v *timelineVoice) finish() {
	v.once.Do(func() { close(v.done) })
}

// Stop executes the stop method.
func (v *timelineVoice) Stop() {
	v.finish()
}

// Done executes the done method.
func (v *timelineVoice) Done() <-chan struct{} {
	return v.done
}

// NewTimelineDevice creates a device running at sampleRate.
func NewTimelineDevice(sampleRate int) *TimelineDevice {
	return &TimelineDevice{rate: beep.SampleRate(sampleRate)}
}

// SampleRate returns the device rate.
func (d *TimelineDevice) SampleRate() int {
	return int(d.rate)
}

// Format returns the beep format of the streamer.
func (d *TimelineDevice) Format() beep.Format {
	return beep.Format{SampleRate: d.rate, NumChannels: 2, Precision: 2}
}

// Now returns the duration of audio streamed so far.
func (d *TimelineDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rate.D(d.pos)
}

// Schedule places samples at the given device time. Times in the past start
// immediately.
func (d *TimelineDevice) Schedule(samples []float32, at time.Duration) (Voice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceClosed
	}
	start := d.rate.N(at)
	if start < d.pos {
		start = d.pos
	}
	v := &timelineVoice{start: start, samples: samples, done: make(chan struct{})}
	d.voices = append(d.voices, v)
	return v, nil
}

// Stream implements beep.Streamer. It never runs dry; gaps are silence.
func (d *TimelineDevice) Stream(samples [][2]float64) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range samples {
		samples[i] = [2]float64{}
	}
	from := d.pos
	to := d.pos + len(samples)
	kept := d.voices[:0]
	for _, v := range d.voices {
		select {
		case <-v.done:
			continue
		default:
		}
		end := v.start + len(v.samples)
		lo, hi := max(v.start, from), min(end, to)
		for t := lo; t < hi; t++ {
			s := float64(v.samples[t-v.start])
			samples[t-from][0] += s
			samples[t-from][1] += s
		}
		if end <= to {
			v.finish()
			continue
		}
		kept = append(kept, v)
	}
	d.voices = kept
	d.pos = to
	return len(samples), true
}

// Err implements beep.Streamer.
func (d *TimelineDevice) Err() error {
	return nil
}

// Advance pulls dur worth of samples without sending them anywhere.
func (d *TimelineDevice) Advance(dur time.Duration) {
	n := d.rate.N(dur)
	if n <= 0 {
		return
	}
	d.Stream(make([][2]float64, n))
}

// RunClock advances the device in real time until ctx is done. It stands in
// for a speaker when no audio output is available.
func (d *TimelineDevice) RunClock(ctx context.Context, step time.Duration) {
	ticker := time.NewTicker(step)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.Advance(now.Sub(last))
			last = now
		}
	}
}

// Close stops every pending voice. Closing twice is allowed.
func (d *TimelineDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for _, v := range d.voices {
		v.finish()
	}
	d.voices = nil
	return nil
}

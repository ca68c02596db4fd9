package audio

import (
	"errors"
	"sync"

	resampler "github.com/godeps/go-audio-soxr"
)

type soxrKey struct {
	inRate  int
	outRate int
	quality resampler.QualityPreset
}

var soxrPools sync.Map

func soxrPool(key soxrKey) *sync.Pool {
	if pool, ok := soxrPools.Load(key); ok {
		return pool.(*sync.Pool)
	}
	pool := &sync.Pool{}
	actual, _ := soxrPools.LoadOrStore(key, pool)
	return actual.(*sync.Pool)
}

func acquireSoxr(key soxrKey) (*resampler.SimpleResamplerFloat32, error) {
	if v := soxrPool(key).Get(); v != nil {
		if r, ok := v.(*resampler.SimpleResamplerFloat32); ok && r != nil {
			return r, nil
		}
	}
	return resampler.NewEngineFloat32(float64(key.inRate), float64(key.outRate), key.quality)
}

func releaseSoxr(key soxrKey, r *resampler.SimpleResamplerFloat32) {
	if r == nil {
		return
	}
	r.Reset()
	soxrPool(key).Put(r)
}

// StreamResampler converts mono float32 audio between rates and slices the
// result into fixed-size PCM16 frames. Equal rates bypass soxr.
type StreamResampler struct {
	key    soxrKey
	r      *resampler.SimpleResamplerFloat32
	outBuf []float32
	closed bool
}

// NewStreamResampler creates a streaming resampler for continuous audio.
func NewStreamResampler(inRate, outRate int) (*StreamResampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, errors.New("resampler: rates must be positive")
	}
	s := &StreamResampler{key: soxrKey{inRate: inRate, outRate: outRate, quality: resampler.QualityHigh}}
	if inRate == outRate {
		return s, nil
	}
	r, err := acquireSoxr(s.key)
	if err != nil {
		return nil, err
	}
	s.r = r
	return s, nil
}

// Append feeds mono samples at the input rate.
func (s *StreamResampler) Append(samples []float32) error {
	if s.closed {
		return errors.New("resampler: closed")
	}
	if len(samples) == 0 {
		return nil
	}
	if s.r == nil {
		s.outBuf = append(s.outBuf, samples...)
		return nil
	}
	out, err := s.r.Process(samples)
	if err != nil {
		return err
	}
	s.outBuf = append(s.outBuf, out...)
	return nil
}

// Flush drains samples held inside the resampler.
func (s *StreamResampler) Flush() error {
	if s.closed || s.r == nil {
		return nil
	}
	out, err := s.r.Flush()
	if err != nil {
		return err
	}
	s.outBuf = append(s.outBuf, out...)
	return nil
}

// Buffered returns the number of output samples waiting to be popped.
func (s *StreamResampler) Buffered() int {
	return len(s.outBuf)
}

// PopFrame returns a PCM16 frame of frameSize samples if enough output is
// buffered. The frame comes from the int16 pool.
func (s *StreamResampler) PopFrame(frameSize int) ([]int16, bool) {
	if frameSize <= 0 || len(s.outBuf) < frameSize {
		return nil, false
	}
	frame := Float32ToInt16Into(AcquireInt16(frameSize), s.outBuf[:frameSize])
	s.outBuf = s.outBuf[frameSize:]
	return frame, true
}

// Reset drops buffered output and resampler history.
func (s *StreamResampler) Reset() {
	s.outBuf = s.outBuf[:0]
	if s.r != nil {
		s.r.Reset()
	}
}

// Close returns the soxr engine to its pool.
func (s *StreamResampler) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.r != nil {
		releaseSoxr(s.key, s.r)
		s.r = nil
	}
	s.outBuf = nil
}

package audio

import "math"

func float32ToInt16(sample float32) int16 {
	if sample >= 1.0 {
		return math.MaxInt16
	}
	if sample <= -1.0 {
		return math.MinInt16
	}
	return int16(sample * math.MaxInt16)
}

// Float32ToInt16Into fills dst with samples converted to int16 and returns it.
func Float32ToInt16Into(dst []int16, samples []float32) []int16 {
	if cap(dst) < len(samples) {
		dst = make([]int16, len(samples))
	} else {
		dst = dst[:len(samples)]
	}
	for i, sample := range samples {
		dst[i] = float32ToInt16(sample)
	}
	return dst
}

// Int16ToFloat32Into fills dst with samples scaled to [-1, 1] and returns it.
func Int16ToFloat32Into(dst []float32, samples []int16) []float32 {
	if cap(dst) < len(samples) {
		dst = make([]float32, len(samples))
	} else {
		dst = dst[:len(samples)]
	}
	for i, sample := range samples {
		dst[i] = float32(sample) / float32(math.MaxInt16)
	}
	return dst
}

// Downmix averages interleaved frames into mono. With one channel it copies.
func Downmix(dst []float32, interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return append(dst[:0], interleaved...)
	}
	frames := len(interleaved) / channels
	if cap(dst) < frames {
		dst = make([]float32, frames)
	} else {
		dst = dst[:frames]
	}
	scale := 1 / float32(channels)
	for i := 0; i < frames; i++ {
		var sum float32
		base := i * channels
		for c := 0; c < channels; c++ {
			sum += interleaved[base+c]
		}
		dst[i] = sum * scale
	}
	return dst
}

// DurationSamples returns how many samples rate produces in ms milliseconds.
func DurationSamples(rate, ms int) int {
	return rate * ms / 1000
}

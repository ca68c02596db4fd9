package audio

import (
	"sync"

	"github.com/saker-ai/voice-client/pkg/audio/opusx"
)

type encoderKey struct {
	sampleRate  int
	channels    int
	application opusx.Application
}

var encoderPools sync.Map

func encoderPool(key encoderKey) *sync.Pool {
	if pool, ok := encoderPools.Load(key); ok {
		return pool.(*sync.Pool)
	}
	pool := &sync.Pool{}
	actual, _ := encoderPools.LoadOrStore(key, pool)
	return actual.(*sync.Pool)
}

func acquireRawEncoder(key encoderKey) (*opusx.Encoder, error) {
	if v := encoderPool(key).Get(); v != nil {
		if enc, ok := v.(*opusx.Encoder); ok && enc != nil {
			return enc, nil
		}
	}
	return opusx.NewEncoder(key.sampleRate, key.channels, key.application)
}

// Pooled encoders keep their ctl settings; Reset only clears stream state,
// so every acquire re-applies the caller's options.
func releaseRawEncoder(key encoderKey, enc *opusx.Encoder) {
	if enc == nil {
		return
	}
	if err := enc.Reset(); err != nil {
		return
	}
	encoderPool(key).Put(enc)
}

//go:build !cgo

package playback

import (
	"errors"
	"time"
)

// ErrNoSpeaker is returned when the binary was built without audio output.
var ErrNoSpeaker = errors.New("playback: speaker output requires cgo")

// StartSpeaker always fails without cgo; callers fall back to RunClock.
func StartSpeaker(*TimelineDevice, time.Duration) error {
	return ErrNoSpeaker
}

// StopSpeaker is a no-op without cgo.
func StopSpeaker() {}

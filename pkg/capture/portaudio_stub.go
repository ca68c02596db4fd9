//go:build !portaudio

package capture

import (
	"context"
	"errors"
)

// PortAudioDevice reports a missing device in builds without the
// portaudio tag.
type PortAudioDevice struct {
	FramesPerBuffer int
}

// Open executes the open method.
func (PortAudioDevice) Open(context.Context, Constraints) (InputStream, error) {
	return nil, &PermissionError{Reason: ErrDeviceNotFound, Err: errors.New("built without portaudio support")}
}

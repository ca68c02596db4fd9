//go:build portaudio

package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// PortAudioDevice opens the default PortAudio input.
type PortAudioDevice struct {
	// FramesPerBuffer is the PortAudio buffer size per read.
	FramesPerBuffer int
}

type portAudioStream struct {
	stream *portaudio.Stream
	buf    []float32
	format Format
	guard  *readGuard
}

// Open executes the open method.
func (d PortAudioDevice) Open(ctx context.Context, c Constraints) (InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, mapPortAudioError(err)
	}
	info, err := portaudio.DefaultInputDevice()
	if err != nil || info == nil || info.MaxInputChannels <= 0 {
		_ = portaudio.Terminate()
		return nil, &PermissionError{Reason: ErrDeviceNotFound, Err: err}
	}

	channels := c.Channels
	if channels <= 0 {
		channels = min(info.MaxInputChannels, 2)
	}
	rate := float64(c.SampleRate)
	if rate <= 0 {
		rate = info.DefaultSampleRate
	}
	frames := d.FramesPerBuffer
	if frames <= 0 {
		frames = int(rate) / 50
	}

	buf := make([]float32, frames*channels)
	stream, err := portaudio.OpenDefaultStream(channels, 0, rate, frames, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, mapPortAudioError(err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, mapPortAudioError(err)
	}
	s := &portAudioStream{
		stream: stream,
		buf:    buf,
		format: Format{SampleRate: int(rate), Channels: channels},
	}
	s.guard = newReadGuard(s.release)
	return s, nil
}

func (s *portAudioStream) Format() Format {
	return s.format
}

func (s *portAudioStream) Read(dst []float32) (int, error) {
	if err := s.guard.begin(); err != nil {
		return 0, err
	}
	n := 0
	err := s.stream.Read()
	if err == nil || errors.Is(err, portaudio.InputOverflowed) {
		n = copy(dst, s.buf)
		err = nil
	}
	if cerr := s.guard.end(); cerr != nil {
		return 0, cerr
	}
	return n, err
}

// Close stops the stream. A blocked Read finishes the teardown itself.
func (s *portAudioStream) Close() error {
	return s.guard.close()
}

func (s *portAudioStream) release() error {
	serr := s.stream.Stop()
	cerr := s.stream.Close()
	terr := portaudio.Terminate()
	return errors.Join(serr, cerr, terr)
}

func mapPortAudioError(err error) error {
	var pe portaudio.Error
	if !errors.As(err, &pe) {
		return classifyOpenError(err)
	}
	switch pe {
	case portaudio.DeviceUnavailable:
		return &PermissionError{Reason: ErrDeviceBusy, Err: err}
	case portaudio.InvalidDevice, portaudio.NotInitialized:
		return &PermissionError{Reason: ErrDeviceNotFound, Err: err}
	case portaudio.InvalidChannelCount, portaudio.InvalidSampleRate,
		portaudio.SampleFormatNotSupported, portaudio.BadIODeviceCombination:
		return &PermissionError{Reason: ErrUnsupportedConfig, Err: err}
	case portaudio.UnanticipatedHostError:
		return &PermissionError{Reason: ErrPermissionDenied, Err: err}
	default:
		return &PermissionError{Reason: ErrDeviceNotFound, Err: fmt.Errorf("portaudio: %w", err)}
	}
}

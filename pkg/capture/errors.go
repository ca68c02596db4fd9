package capture

import (
	"errors"
	"fmt"
	"os"
)

// Reasons a microphone could not be acquired.
var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrDeviceNotFound    = errors.New("no input device")
	ErrUnsupportedConfig = errors.New("unsupported configuration")
	ErrDeviceBusy        = errors.New("device busy")
)

// ErrNotStarted is returned by Resume before Start.
var ErrNotStarted = errors.New("capture: not started")

// PermissionError reports why the input device could not be opened. Reason
// is one of the Err* sentinels above.
type PermissionError struct {
	Reason error
	Err    error
}

func (e *PermissionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("microphone unavailable: %v", e.Reason)
	}
	return fmt.Sprintf("microphone unavailable: %v: %v", e.Reason, e.Err)
}

func (e *PermissionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Err}
}

// EncodeError reports an encoder failure. It ends the capture session.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("capture encoder: %v", e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// classifyOpenError wraps a device open failure into a PermissionError.
// Errors that match no known reason are reported as a missing device.
func classifyOpenError(err error) error {
	var pe *PermissionError
	if errors.As(err, &pe) {
		return err
	}
	for _, reason := range []error{ErrPermissionDenied, ErrDeviceNotFound, ErrUnsupportedConfig, ErrDeviceBusy} {
		if errors.Is(err, reason) {
			return &PermissionError{Reason: reason, Err: err}
		}
	}
	if errors.Is(err, os.ErrPermission) {
		return &PermissionError{Reason: ErrPermissionDenied, Err: err}
	}
	return &PermissionError{Reason: ErrDeviceNotFound, Err: err}
}

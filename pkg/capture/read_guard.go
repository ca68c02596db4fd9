package capture

import (
	"errors"
	"sync"
)

var errStreamClosed = errors.New("capture: stream closed")

// readGuard defers releasing a device until no read is in flight. Blocking
// device reads must not race with the stream teardown.
type readGuard struct {
	mu       sync.Mutex
	reading  bool
	closed   bool
	released bool
	release  func() error
}

func newReadGuard(release func() error) *readGuard {
	return &readGuard{release: release}
}

// begin marks a read in flight. It fails once the guard is closed.
func (g *readGuard) begin() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errStreamClosed
	}
	g.reading = true
	return nil
}

// end finishes a read. When Close arrived meanwhile the reader releases the
// device and gets errStreamClosed joined with the release error.
func (g *readGuard) end() error {
	g.mu.Lock()
	g.reading = false
	if !g.closed {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()
	return errors.Join(errStreamClosed, g.releaseOnce())
}

// close releases the device now, or hands the release to the pending read.
func (g *readGuard) close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	reading := g.reading
	g.mu.Unlock()
	if reading {
		return nil
	}
	return g.releaseOnce()
}

func (g *readGuard) releaseOnce() error {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return nil
	}
	g.released = true
	g.mu.Unlock()
	return g.release()
}

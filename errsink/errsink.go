// Package errsink implements the first-error-wins latch every device
// instance uses to surface failures to its owner: the first error reported
// is kept, every later error is only logged, matching the propagation
// policy in the driver's error handling design.
package errsink

import (
	"sync"

	"github.com/gogpu/cyclesdriver/drivererr"
	"github.com/gogpu/cyclesdriver/logging"
)

// Sink latches the first error reported to it. Safe for concurrent use.
type Sink struct {
	mu    sync.Mutex
	first *drivererr.Error
}

// New returns an empty Sink.
func New() *Sink {
	return &Sink{}
}

// Report records err. If this is the first error reported, it is latched
// and returned by Error()/HasError() from then on. Subsequent calls only
// log the error; they never overwrite the latch.
func (s *Sink) Report(err *drivererr.Error) {
	if err == nil {
		return
	}

	s.mu.Lock()
	first := s.first
	if first == nil {
		s.first = err
	}
	s.mu.Unlock()

	if first == nil {
		logging.Logger().Error("driver error", "kind", err.Kind.String(), "device", err.Device, "message", err.Message)
		return
	}
	logging.Logger().Warn("driver error suppressed by existing latch", "kind", err.Kind.String(), "device", err.Device, "message", err.Message)
}

// HasError reports whether any error has been latched.
func (s *Sink) HasError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first != nil
}

// Error returns the first latched error, or nil if none has been reported.
func (s *Sink) Error() *drivererr.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first
}

// Reset clears the latch. Used when a device is reinitialized.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.first = nil
}

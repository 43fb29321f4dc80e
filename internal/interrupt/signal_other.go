//go:build !linux

package interrupt

import "time"

// SignalsSupported reports whether SignalSource works on this platform.
const SignalsSupported = false

// SignalSource is unavailable on this platform.
type SignalSource struct{}

// NewSignalSource returns a source whose Arm always fails.
func NewSignalSource(int) *SignalSource { return &SignalSource{} }

// Arm reports ErrUnsupported.
func (s *SignalSource) Arm(time.Duration, func()) error { return ErrUnsupported }

// Disarm does nothing.
func (s *SignalSource) Disarm() {}

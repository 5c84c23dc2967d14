// Package clock gives the retry/backoff and scheduling code an injectable
// notion of "now" so their timing can be asserted in tests without sleeping.
package clock

import "github.com/benbjohnson/clock"

// Clock is the subset of benbjohnson/clock.Clock the hub depends on.
type Clock = clock.Clock

// New returns the real, wall-clock implementation.
func New() Clock {
	return clock.New()
}

// NewMock returns a fake clock a test can advance deterministically.
func NewMock() *clock.Mock {
	return clock.NewMock()
}

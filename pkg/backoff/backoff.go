// Package backoff centralizes the "k-th failure's ETA = base * 2^(k-1)"
// formula shared by the subscription confirm, feed pull, and event delivery
// retry state machines (spec §4.C/§4.D/§4.E all describe the identical
// exponential-backoff shape).
package backoff

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ComputeETA returns the point in time at which the (failures+1)-th attempt
// should be made, given that `failures` attempts have already failed.
// failures=0 yields now+base, failures=1 yields now+2*base, and so on.
func ComputeETA(now time.Time, base time.Duration, failures int) time.Time {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	// A zero MaxInterval isn't "unbounded" to this library: NextBackOff
	// clamps currentInterval to MaxInterval as soon as currentInterval >=
	// MaxInterval/Multiplier, so 0 would collapse every delay after the
	// first call to zero. Callers cap the failure count, not the interval,
	// so pick a ceiling far past anything a bounded failure count reaches.
	eb.MaxInterval = 365 * 24 * time.Hour
	eb.MaxElapsedTime = 0
	eb.Reset()

	delay := eb.NextBackOff()
	for i := 0; i < failures; i++ {
		delay = eb.NextBackOff()
	}
	return now.Add(delay)
}

// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package wait

import (
	"math"
	"sync"
	"time"
)

// The interval is piecewise linear, constant at the fastest interval at or
// below fullSpeedTicks, linear from fastest to slowest between fullSpeedTicks
// and fullyTapered, and the slowest interval beyond that.
const (
	fullSpeedTicks = 3
	fullyTapered   = 15
)

// TaperedInterval is the delay before the next attempt after ticksPassed
// consecutive unsuccessful attempts.
func TaperedInterval(ticksPassed int, fastest, slowest time.Duration) time.Duration {
	switch {
	case ticksPassed < fullSpeedTicks:
		return fastest
	case ticksPassed < fullyTapered:
		prog := float64(ticksPassed+1-fullSpeedTicks) / (fullyTapered - fullSpeedTicks)
		taper := float64(slowest - fastest)
		return fastest + time.Duration(math.Round(prog*taper))
	default:
		return slowest
	}
}

// Backoff tracks consecutive unsuccessful attempts of a retry loop. It is safe
// for concurrent use.
type Backoff struct {
	Fastest time.Duration
	Slowest time.Duration

	mtx      sync.Mutex
	failures int
}

// Failed records an unsuccessful attempt and returns the delay to wait before
// the next one.
func (b *Backoff) Failed() time.Duration {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	d := TaperedInterval(b.failures, b.Fastest, b.Slowest)
	b.failures++
	return d
}

// Succeeded resets the schedule and returns the fastest interval.
func (b *Backoff) Succeeded() time.Duration {
	b.mtx.Lock()
	b.failures = 0
	b.mtx.Unlock()
	return b.Fastest
}

// Failures is the number of consecutive unsuccessful attempts.
func (b *Backoff) Failures() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.failures
}

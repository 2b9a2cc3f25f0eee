package schedule

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Sweep paces the calls of a refresh-all pass so consecutive calls are at
// least the configured delay apart.
type Sweep struct {
	limiter *rate.Limiter
}

// NewSweep creates a [Sweep] that admits one call per delay.
func NewSweep(delay time.Duration) *Sweep {
	if delay <= 0 {
		delay = DefaultSweepDelay
	}
	return &Sweep{limiter: rate.NewLimiter(rate.Every(delay), 1)}
}

// Wait blocks until the next call may start or ctx is done.
func (s *Sweep) Wait(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}

package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RateLimiter spaces out paid generation calls. Callers are serialized and a
// caller holds the lock for the whole wait.
type RateLimiter struct {
	mu       sync.Mutex
	delay    time.Duration
	lastCall time.Time
	calls    int
	log      zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRateLimiter(delay time.Duration, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		delay: delay,
		log:   logger.With().Str("component", "ratelimiter").Logger(),
		now:   time.Now,
		sleep: sleepContext,
	}
}

// Throttle blocks until at least the configured delay has passed since the
// previous call, then records the call. It only fails if ctx ends while waiting.
func (r *RateLimiter) Throttle(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.lastCall.IsZero() {
		if wait := r.delay - r.now().Sub(r.lastCall); wait > 0 {
			r.log.Debug().Dur("sleep", wait).Msg("Rate limiter sleeping")
			if err := r.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}

	r.lastCall = r.now()
	r.calls++
	if r.calls%10 == 0 {
		r.log.Info().Int("calls", r.calls).Msg("Rate limiter: API calls made")
	}
	return nil
}

// Calls returns how many times Throttle has let a caller through.
func (r *RateLimiter) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package embedding

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// safetyBuffer is added on top of the computed wait so the window has
// definitely rolled over on the provider side before the next call.
const safetyBuffer = time.Second

// RateLimiter is a sliding-window admission controller for provider calls.
type RateLimiter struct {
	mu         sync.Mutex
	timestamps []time.Time
	max        int
	window     time.Duration
	buffer     time.Duration
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter creates a limiter admitting max calls per window.
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		max = 1
	}
	return &RateLimiter{
		max:    max,
		window: window,
		buffer: safetyBuffer,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// WaitIfNeeded blocks until an admission slot is free, then records the
// admission. Returns early with the context error on cancellation.
func (rl *RateLimiter) WaitIfNeeded(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := rl.now()
		rl.prune(now)
		if len(rl.timestamps) < rl.max {
			rl.timestamps = append(rl.timestamps, now)
			rl.mu.Unlock()
			return nil
		}
		oldest := rl.timestamps[0]
		wait := oldest.Add(rl.window).Sub(now) + rl.buffer
		rl.mu.Unlock()

		log.Debug().
			Dur("wait", wait).
			Int("max", rl.max).
			Msg("Rate limit window full, waiting")
		if err := rl.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Pending returns the number of admissions inside the current window.
func (rl *RateLimiter) Pending() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.prune(rl.now())
	return len(rl.timestamps)
}

// prune drops timestamps that left the window. Caller holds the lock.
func (rl *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-rl.window)
	i := 0
	for i < len(rl.timestamps) && !rl.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		rl.timestamps = rl.timestamps[i:]
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Package backoff provides jittered exponential backoff shared by the
// Instance Manager's restart loop and the Stream Multiplexer's reconnect
// loop: both retry a fallible operation on a 1,2,4,8,16s schedule capped at
// a fixed number of attempts.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Schedule describes a capped exponential delay sequence.
type Schedule struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Default is the 1,2,4,8,16s / 5-attempt schedule used for both instance
// restarts and stream reconnects.
var Default = Schedule{
	Initial:     1 * time.Second,
	Max:         16 * time.Second,
	MaxAttempts: 5,
}

// Delay returns the jittered delay before retry attempt n (1-indexed: the
// delay waited after the n-th failure, before attempt n+1).
func (s Schedule) Delay(attempt int) time.Duration {
	base := float64(s.Initial) * math.Pow(2, float64(attempt-1))
	if base > float64(s.Max) {
		base = float64(s.Max)
	}
	jitter := rand.Int63n(int64(base)/2 + 1)
	return time.Duration(base) + time.Duration(jitter)
}

// Exhausted reports whether attempt has used up the schedule's cap.
func (s Schedule) Exhausted(attempt int) bool {
	return s.MaxAttempts > 0 && attempt >= s.MaxAttempts
}

// Sleep waits for the schedule's delay before the given attempt, returning
// early if ctx is cancelled.
func (s Schedule) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(s.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package router

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/oc-outpost/orchestrator/internal/wire"
)

// threadRateLimit holds per-thread pacing state: at most one outbound send
// per thread per 2s while buffering, enforced with a token-bucket limiter.
type threadRateLimit struct {
	limiter *rate.Limiter
}

// rateLimiterSet is the per-thread rate-limit table from §3's "Rate-limit
// state", keyed by the binding's compound key.
type rateLimiterSet struct {
	mu     sync.Mutex
	limits map[wire.BindingKey]*threadRateLimit
}

func newRateLimiterSet() *rateLimiterSet {
	return &rateLimiterSet{limits: make(map[wire.BindingKey]*threadRateLimit)}
}

func (s *rateLimiterSet) get(key wire.BindingKey) *threadRateLimit {
	s.mu.Lock()
	defer s.mu.Unlock()
	rl, ok := s.limits[key]
	if !ok {
		// One event per 2s, burst of 1: never more than one send in-flight
		// ahead of the pacing interval.
		rl = &threadRateLimit{limiter: rate.NewLimiter(rate.Every(ratePeriod), 1)}
		s.limits[key] = rl
	}
	return rl
}

func (s *rateLimiterSet) remove(key wire.BindingKey) {
	s.mu.Lock()
	delete(s.limits, key)
	s.mu.Unlock()
}

// Allow reports whether a send for this thread may proceed right now
// without blocking.
func (rl *threadRateLimit) Allow() bool {
	return rl.limiter.Allow()
}

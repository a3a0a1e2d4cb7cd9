package router

import (
	"testing"

	"github.com/oc-outpost/orchestrator/internal/wire"
)

func TestRateLimiterSetGetIsStablePerKey(t *testing.T) {
	t.Parallel()
	s := newRateLimiterSet()
	key := wire.BindingKey{ChatID: 1, TopicID: 1}

	a := s.get(key)
	b := s.get(key)
	if a != b {
		t.Fatal("expected the same limiter instance for the same key")
	}

	other := s.get(wire.BindingKey{ChatID: 1, TopicID: 2})
	if a == other {
		t.Fatal("expected distinct limiters for distinct keys")
	}
}

func TestRateLimiterAllowsFirstThenThrottles(t *testing.T) {
	t.Parallel()
	s := newRateLimiterSet()
	rl := s.get(wire.BindingKey{ChatID: 1, TopicID: 1})

	if !rl.Allow() {
		t.Fatal("expected the first send to be allowed (burst of 1)")
	}
	if rl.Allow() {
		t.Fatal("expected an immediate second send to be throttled")
	}
}

func TestRateLimiterSetRemove(t *testing.T) {
	t.Parallel()
	s := newRateLimiterSet()
	key := wire.BindingKey{ChatID: 1, TopicID: 1}
	rl := s.get(key)
	rl.Allow() // consume the burst token

	s.remove(key)
	fresh := s.get(key)
	if !fresh.Allow() {
		t.Fatal("expected a fresh limiter after remove to allow again immediately")
	}
}

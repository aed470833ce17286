package resilience

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker tracks consecutive failures for one (service, operation) key.
type breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	cooldown  time.Duration

	state       breakerState
	consecutive int
	firstFail   time.Time // start of the current failure run
	openedAt    time.Time
}

func newBreaker(policy Policy) *breaker {
	threshold := policy.BreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	window := policy.BreakerWindow
	if window <= 0 {
		window = time.Minute
	}
	cooldown := policy.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	return &breaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
	}
}

// allow reports whether a call may proceed. When the breaker is open and the
// cooldown has elapsed it transitions to half-open, letting a single trial
// call through.
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if now.Sub(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		// One trial call already in flight; short-circuit the rest.
		return false
	}
	return true
}

// recordSuccess resets the breaker.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = breakerClosed
	b.consecutive = 0
	b.firstFail = time.Time{}
}

// recordFailure counts a failure; crossing the threshold inside the rolling
// window opens the breaker. A half-open trial failure reopens immediately.
func (b *breaker) recordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = now
		return
	}

	// Failures outside the window start a fresh run.
	if b.consecutive == 0 || now.Sub(b.firstFail) > b.window {
		b.consecutive = 0
		b.firstFail = now
	}

	b.consecutive++
	if b.consecutive >= b.threshold {
		b.state = breakerOpen
		b.openedAt = now
	}
}

// breakerRegistry holds one breaker per (service, operation) key.
type breakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
}

func newBreakerRegistry() *breakerRegistry {
	return &breakerRegistry{
		breakers: make(map[string]*breaker),
	}
}

func (r *breakerRegistry) get(key string, policy Policy) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	br, ok := r.breakers[key]
	if !ok {
		br = newBreaker(policy)
		r.breakers[key] = br
	}
	return br
}

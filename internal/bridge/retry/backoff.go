package retry

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff tracks consecutive attempts against a Policy. Delays never decrease
// between attempts and never exceed MaxDelay, jitter included.
type Backoff struct {
	policy Policy
	rnd    func() float64

	mu       sync.Mutex
	attempts int
	last     time.Duration
}

// NewBackoff returns a Backoff for the policy using math/rand for jitter
func NewBackoff(p Policy) *Backoff {
	return &Backoff{policy: p, rnd: rand.Float64}
}

// WithRand replaces the jitter source, returning b
func (b *Backoff) WithRand(rnd func() float64) *Backoff {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rnd = rnd
	return b
}

// Next returns the delay before the next attempt, or false when the policy is exhausted
func (b *Backoff) Next() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.policy.ShouldRetry(b.attempts) {
		return 0, false
	}

	delay := b.policy.CalculateDelay(b.attempts)
	if b.policy.Jitter > 0 && b.rnd != nil {
		delay += time.Duration(float64(delay) * b.policy.Jitter * b.rnd())
	}
	if delay > b.policy.MaxDelay {
		delay = b.policy.MaxDelay
	}
	if delay < b.last {
		delay = b.last
	}

	b.last = delay
	b.attempts++
	return delay, true
}

// Attempts returns the number of delays handed out since the last reset
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Reset starts the sequence over, after a successful connection
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
	b.last = 0
}

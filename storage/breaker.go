package storage

import (
	"sync"
	"time"
)

const (
	defaultBreakerThreshold = 5
	defaultBreakerReset     = 30 * time.Second
)

// Breaker counts consecutive database failures. Once the threshold is reached
// it opens and Allow fails fast until resetAfter has elapsed since the last
// failure, at which point the counter is cleared and calls flow again. Any
// success zeroes the counter.
type Breaker struct {
	mu          sync.Mutex
	failures    int
	open        bool
	lastFailure time.Time

	threshold  int
	resetAfter time.Duration
	now        func() time.Time
}

// NewBreaker constructs a breaker. Non-positive values fall back to 5
// failures and a 30 second reset window; a nil clock uses time.Now.
func NewBreaker(threshold int, resetAfter time.Duration, now func() time.Time) *Breaker {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	if resetAfter <= 0 {
		resetAfter = defaultBreakerReset
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{threshold: threshold, resetAfter: resetAfter, now: now}
}

// Allow returns ErrCircuitOpen while the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	if b.open {
		return ErrCircuitOpen
	}
	return nil
}

// Success clears the failure counter. It reports whether the breaker was open
// and has now closed.
func (b *Breaker) Success() (closed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	closed = b.open
	b.failures = 0
	b.open = false
	return closed
}

// Failure records a failed operation. It reports whether this failure opened
// the breaker.
func (b *Breaker) Failure() (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	b.failures++
	b.lastFailure = b.now()
	if !b.open && b.failures >= b.threshold {
		b.open = true
		return true
	}
	return false
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	return b.failures
}

// IsOpen reports whether calls are currently being refused.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked()
	return b.open
}

func (b *Breaker) expireLocked() {
	if b.failures == 0 && !b.open {
		return
	}
	if b.now().Sub(b.lastFailure) >= b.resetAfter {
		b.failures = 0
		b.open = false
	}
}

package transport

import (
	"math/rand"
	"sync"
	"time"
)

// backoff is an exponential backoff calculator with optional jitter.
// It is safe for concurrent use.
type backoff struct {
	mu       sync.Mutex
	current  time.Duration
	initial  time.Duration
	maxDelay time.Duration
	jitter   time.Duration
	factor   float64
}

// newBackoff returns a backoff starting at initial, doubling up to maxDelay,
// with up to jitter of random spread added to each delay.
func newBackoff(initial, maxDelay, jitter time.Duration) *backoff {
	return &backoff{
		current:  initial,
		initial:  initial,
		maxDelay: maxDelay,
		jitter:   jitter,
		factor:   2.0,
	}
}

// Next returns the current delay (plus jitter) and advances to the next value.
func (b *backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.current
	b.current = min(time.Duration(float64(b.current)*b.factor), b.maxDelay)
	return current + b.spread()
}

// Current returns the current delay (plus jitter) without advancing.
func (b *backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current + b.spread()
}

// Reset sets the backoff back to the initial delay.
func (b *backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.initial
}

// spread returns a random duration in [0, jitter). Must be called with b.mu
// held.
func (b *backoff) spread() time.Duration {
	if b.jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(b.jitter)))
}

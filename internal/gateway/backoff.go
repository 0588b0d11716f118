package gateway

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff implements jittered exponential backoff for the gateway reconnect
// loop: Min=250ms, Max=30s, Factor=2.0, Jitter=±25% by default.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64

	attempt int
	mu      sync.Mutex
}

func DefaultBackoff() *Backoff {
	return &Backoff{
		Min:    250 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2.0,
		Jitter: 0.25,
	}
}

// Duration returns the next wait with jitter applied and advances the
// attempt counter.
func (b *Backoff) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := float64(b.Min) * math.Pow(b.Factor, float64(b.attempt))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	if d < float64(b.Min) {
		d = float64(b.Min)
	}
	if d > float64(b.Max) {
		d = float64(b.Max)
	}

	b.attempt++
	return time.Duration(d)
}

// Reset zeroes the attempt counter. Called after a successful hello.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

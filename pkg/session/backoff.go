package session

import (
	"math/rand"
	"time"
)

// backoff implements the reconnect policy from spec.md §4.4: exponential
// with jitter, initial 1s, factor 2, cap 30s, jitter ±20%, reset on each
// successful server_welcome.
type backoff struct {
	initial time.Duration
	factor  float64
	cap     time.Duration
	jitter  float64

	attempt int
}

func newBackoff() *backoff {
	return &backoff{initial: time.Second, factor: 2, cap: 30 * time.Second, jitter: 0.2}
}

// next returns the delay before the next reconnect attempt and advances
// the internal attempt counter.
func (b *backoff) next() time.Duration {
	base := float64(b.initial) * pow(b.factor, b.attempt)
	if base > float64(b.cap) {
		base = float64(b.cap)
	}
	b.attempt++

	jitterRange := base * b.jitter
	delta := (rand.Float64()*2 - 1) * jitterRange
	d := time.Duration(base + delta)
	if d < 0 {
		d = 0
	}
	return d
}

// reset is called on every successful server_welcome, per spec.md §4.4.
func (b *backoff) reset() {
	b.attempt = 0
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

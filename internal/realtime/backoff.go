package realtime

import (
	"math"
	"math/rand"
	"time"
)

// Backoff produces reconnect delays: base doubling per consecutive failure
// up to max, with ±50% jitter so many clients losing a server at once do
// not reconnect in lockstep. Reset on any successful connect.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

// Next returns the delay for the next reconnect attempt.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	exp := float64(b.Base) * math.Pow(2, float64(b.attempt-1))
	wait := time.Duration(exp)
	if wait > b.Max {
		wait = b.Max
	}
	// Uniform in [wait/2, wait*3/2].
	jitter := time.Duration(rand.Int63n(int64(wait) + 1))
	return wait/2 + jitter
}

// Reset returns the backoff to its base delay.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt reports how many consecutive failures have been recorded.
func (b *Backoff) Attempt() int {
	return b.attempt
}

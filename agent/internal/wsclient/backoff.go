package wsclient

import (
	"math/rand"
	"time"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to prevent thundering herd when many agents reconnect simultaneously
	// after a server restart.
	jitterFraction = 0.2
)

// backoff tracks the reconnect delay across repeated failed dial attempts.
type backoff struct {
	current time.Duration
}

func newBackoff() *backoff {
	return &backoff{current: backoffInitial}
}

// next returns the delay to wait before the next attempt and advances the
// internal state toward backoffMax.
func (b *backoff) next() time.Duration {
	d := b.current
	jitter := 1 + (rand.Float64()*2-1)*jitterFraction
	delayed := time.Duration(float64(d) * jitter)

	b.current = time.Duration(float64(b.current) * backoffFactor)
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return delayed
}

// reset is called after a successful connection so the next failure starts
// from backoffInitial again rather than continuing to climb.
func (b *backoff) reset() {
	b.current = backoffInitial
}

// Package conn owns the push channel lifecycle: it keeps the stream
// connected, watches its liveness and tells the rest of the engine when
// the connection comes and goes.
package conn

import (
	"math"
	"math/rand"
	"time"
)

// backoff computes reconnect delays: exponential with jitter, capped,
// with the attempt counter forgotten after a connection that stayed up
// long enough to count as stable.
type backoff struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	stableAfter time.Duration
	attempt     int
	connectedAt time.Time
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{
		baseDelay:   base,
		maxDelay:    max,
		stableAfter: 60 * time.Second,
	}
}

func (b *backoff) markConnected() {
	b.connectedAt = time.Now()
}

func (b *backoff) nextDelay() time.Duration {
	if !b.connectedAt.IsZero() && time.Since(b.connectedAt) > b.stableAfter {
		b.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(b.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(b.baseDelay)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.maxDelay),
	))
	b.attempt++
	return delay
}

func (b *backoff) reset() {
	b.attempt = 0
	b.connectedAt = time.Time{}
}

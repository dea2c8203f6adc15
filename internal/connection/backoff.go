package connection

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays. Factor 1 gives a constant delay.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  bool
}

// DefaultBackoff starts at one second and doubles up to thirty.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 30 * time.Second, Factor: 2}
}

// Delay returns the wait before the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	factor := max(b.Factor, 1)
	d := float64(initial) * math.Pow(factor, float64(max(attempt, 0)))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter {
		d = d/2 + rand.Float64()*d/2
	}
	return time.Duration(d)
}

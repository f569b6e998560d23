package replication

import (
	"math"
	"time"
)

// Backoff is a bounded exponential retry curve:
// Initial * Multiplier^attempt, capped at Max.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultBackoff returns the default retry curve.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    100 * time.Millisecond,
		Multiplier: 2,
		Max:        30 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	return b
}

// Next returns the wait before retry number attempt, counting from 0.
func (b Backoff) Next(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	coeff := math.Pow(b.Multiplier, float64(attempt))
	interval := float64(b.Initial) * coeff
	if math.IsInf(interval, 0) || interval >= float64(b.Max) {
		return b.Max
	}
	return time.Duration(interval)
}

package dispatch

import (
	"math"
	"time"
)

// Backoff computes the delay before the next attempt. attempt is the
// number of attempts already made (1 after the first failure).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Table uses a fixed delay per attempt; attempts past the end reuse the
// last entry.
type Table []time.Duration

// DefaultBackoff waits 1s, 5s, then 30s.
var DefaultBackoff = Table{1 * time.Second, 5 * time.Second, 30 * time.Second}

func (t Table) Delay(attempt int) time.Duration {
	if len(t) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(t) {
		idx = len(t) - 1
	}
	return t[idx]
}

// Exponential waits min(Base * Multiplier^(attempt-1), Max).
type Exponential struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := e.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(e.Base) * math.Pow(mult, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	return time.Duration(d)
}

package utils

import (
	"math/rand/v2"
	"time"
)

// Backoff computes exponential delays: Base·2^n plus jitter, capped at Max.
// Jitter is drawn from [0, Base), which keeps the sequence non-decreasing.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool

	// rnd returns a value in [0,1); nil means math/rand.
	rnd func() float64
}

// Delay returns the wait before retry n (0-based).
func (b Backoff) Delay(n int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 0; i < n; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		d *= 2
	}
	if b.Jitter {
		r := b.rnd
		if r == nil {
			r = rand.Float64
		}
		d += time.Duration(r() * float64(b.Base))
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

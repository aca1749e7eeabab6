package app

import (
	"math/rand"
	"time"

	"github.com/lexreach/golang_services/internal/core_domain"
)

// Backoff computes retry delays: base * 2^(attempt-1), capped at Max, with the
// upper half jittered.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	jitter func() float64
}

func NewBackoff(base, max time.Duration) Backoff {
	if base <= 0 {
		base = 30 * time.Second
	}
	if max < base {
		max = base
	}
	return Backoff{Base: base, Max: max, jitter: rand.Float64}
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	half := d / 2
	j := b.jitter
	if j == nil {
		j = rand.Float64
	}
	return half + time.Duration(j()*float64(d-half))
}

// ForError honours a provider's retry-after hint when it exceeds the computed delay.
func (b Backoff) ForError(attempt int, err error) time.Duration {
	d := b.Delay(attempt)
	if ra := core_domain.RetryAfterOf(err); ra > d {
		return ra
	}
	return d
}

package request

import (
	"math"
	"time"
)

// Policy is the retry/backoff policy of the engine.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	MaxJitter  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxDelay:   10 * time.Second,
		MaxJitter:  time.Second,
	}
}

// Delay returns the wait before retry n (0-indexed):
// min(base*mult^n, cap) + jitter*MaxJitter, with jitter in [0,1).
func (p Policy) Delay(n int, jitter float64) time.Duration {
	if n < 0 {
		n = 0
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter >= 1 {
		jitter = math.Nextafter(1, 0)
	}
	backoff := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n))
	if p.MaxDelay > 0 && backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	return time.Duration(backoff) + time.Duration(jitter*float64(p.MaxJitter))
}

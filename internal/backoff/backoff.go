// Package backoff computes capped exponential retry delays.
package backoff

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Exponential doubles Base for every step and never exceeds Max.
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns Base * 2^step, capped at Max. A zero Max leaves it uncapped.
func (e Exponential) Delay(step int) time.Duration {
	if step < 0 || e.Base <= 0 {
		return 0
	}
	delay := e.Base
	for i := 0; i < step; i++ {
		if e.Max > 0 && delay >= e.Max {
			break
		}
		delay *= 2
	}
	if e.Max > 0 && delay > e.Max {
		delay = e.Max
	}
	return delay
}

// Jittered returns half of Delay(step) plus a random share of the other half.
func (e Exponential) Jittered(step int) time.Duration {
	delay := e.Delay(step)
	return delay/2 + Jitter(delay/2)
}

// Jitter returns a random duration in [0, limit).
func Jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Package retry holds the bounded backoff policy and the clock used for all
// waits, so retry decisions can be tested without sleeping.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy decides whether another attempt is allowed and how long to wait first.
type Policy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"` // fraction of the delay added at random

	rand func() float64
}

// Fixed returns a policy that waits delay between at most attempts tries.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: delay, Multiplier: 1}
}

// Exponential returns a policy waiting base*multiplier^(n-1) after the n-th failure.
func Exponential(attempts int, base time.Duration, multiplier float64, maxDelay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: base, Multiplier: multiplier, MaxDelay: maxDelay}
}

// WithRand returns a copy of p drawing jitter from fn.
func (p Policy) WithRand(fn func() float64) Policy {
	p.rand = fn
	return p
}

// Next is called after the attempt-th failed attempt (1-based). It returns the
// wait before the next attempt, or false when the budget is exhausted.
func (p Policy) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	if attempt >= p.attempts() {
		return 0, false
	}
	return p.Delay(attempt), true
}

// Delay returns the wait after the attempt-th failure, ignoring the budget.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		rnd := p.rand
		if rnd == nil {
			rnd = rand.Float64
		}
		delay += delay * p.Jitter * rnd()
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Attempts returns the total number of attempts the policy allows.
func (p Policy) Attempts() int {
	return p.attempts()
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

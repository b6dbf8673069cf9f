package retry

import (
	"math/rand"

	"github.com/KingEverett/Hermes-sub000/internal/store"
)

// CalculateDelay returns the whole-second delay before the given attempt
// (counted from 1) under the configuration's backoff policy.
func CalculateDelay(attempt int, cfg store.RetryConfiguration) int {
	if attempt < 1 {
		attempt = 1
	}

	base := cfg.BaseDelaySeconds
	max := cfg.MaxDelaySeconds
	if max <= 0 {
		max = base
	}

	var delay float64
	switch cfg.Policy {
	case store.PolicyLinear:
		delay = minf(base*float64(attempt), max)
	case store.PolicyFixed:
		delay = base
	case store.PolicyFibonacci:
		if attempt <= 2 {
			delay = base
		} else {
			delay = minf(base*float64(fib(attempt)), max)
		}
	default: // exponential
		mult := cfg.BackoffMultiplier
		if mult <= 0 {
			mult = 2
		}
		delay = base
		for i := 1; i < attempt && delay < max; i++ {
			delay *= mult
		}
		delay = minf(delay, max)
	}

	if cfg.JitterEnabled {
		lo, hi := cfg.JitterMin, cfg.JitterMax
		if hi <= lo {
			lo, hi = 0.1, 0.3
		}
		delay += delay * (lo + rand.Float64()*(hi-lo))
	}

	return int(delay)
}

// fib returns the standard Fibonacci number for n counted so that
// fib(3)=2, fib(4)=3, fib(5)=5.
func fib(n int) int {
	a, b := 1, 1
	for i := 3; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

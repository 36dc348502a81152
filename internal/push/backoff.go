package push

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before retry number attempt (1-based).
type Backoff func(base time.Duration, attempt int) time.Duration

// Rand is the random source used by the randomized strategies.
type Rand interface {
	Float64() float64
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// Backoff strategy names accepted by ParseBackoff.
const (
	BackoffConstant          = "constant"
	BackoffConstantRandom    = "constant-random"
	BackoffLinear            = "linear"
	BackoffLinearRandom      = "linear-random"
	BackoffExponential       = "exponential"
	BackoffExponentialRandom = "exponential-random"
)

var BackoffStrategies = []string{
	BackoffConstant,
	BackoffConstantRandom,
	BackoffLinear,
	BackoffLinearRandom,
	BackoffExponential,
	BackoffExponentialRandom,
}

// ParseBackoff returns the strategy registered under name. A nil source
// falls back to the global math/rand generator.
func ParseBackoff(name string, src Rand) (Backoff, error) {
	if src == nil {
		src = globalRand{}
	}
	var fn func(base float64, attempt int, src Rand) float64
	switch name {
	case BackoffConstant:
		fn = func(b float64, _ int, _ Rand) float64 { return constant(b) }
	case BackoffConstantRandom:
		fn = func(b float64, _ int, r Rand) float64 { return randomBetween(r, 0.5*b, 1.5*b) }
	case BackoffLinear:
		fn = func(b float64, n int, _ Rand) float64 { return linear(b, n) }
	case BackoffLinearRandom:
		fn = func(b float64, n int, r Rand) float64 { return randomBetween(r, linear(b, n-1), linear(b, n+1)) }
	case BackoffExponential:
		fn = func(b float64, n int, _ Rand) float64 { return exponential(b, n) }
	case BackoffExponentialRandom:
		fn = func(b float64, n int, r Rand) float64 {
			return randomBetween(r, exponential(b, n-1), exponential(b, n+1))
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidBackoffStrategy, name)
	}
	return func(base time.Duration, attempt int) time.Duration {
		return millis(fn(float64(base.Milliseconds()), attempt, src))
	}, nil
}

func constant(b float64) float64 { return b }

func linear(b float64, n int) float64 { return b * float64(n) }

func exponential(b float64, n int) float64 { return b * math.Pow(2, float64(n-1)) }

// randomBetween returns a uniform integer in [lo, hi].
func randomBetween(r Rand, lo, hi float64) float64 {
	return math.Floor(r.Float64()*(hi-lo+1) + lo)
}

func millis(ms float64) time.Duration {
	if ms >= float64(math.MaxInt64/int64(time.Millisecond)) {
		return time.Duration(math.MaxInt64)
	}
	if ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

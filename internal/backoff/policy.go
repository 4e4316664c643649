// Package backoff computes retry delays for the pipeline engine.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines exponential backoff: delay(attempt) = min(initial *
// multiplier^(attempt-1), max), optionally randomized by ±50% jitter.
// A zero Initial means no sleep at all.
type Policy struct {
	// Initial is the delay after the first failed attempt.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Multiplier is the exponential factor per attempt.
	Multiplier float64
	// Jitter randomizes the delay into [0.5, 1.5] of its computed value.
	Jitter bool
}

// DefaultPolicy returns the baseline policy: 1s initial, 30s cap, doubling,
// jitter on.
func DefaultPolicy() Policy {
	return Policy{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Compute returns the delay for an attempt. Attempts are 1-indexed.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand is Compute with an injected random value in [0.0, 1.0),
// for deterministic tests.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	if policy.Initial <= 0 {
		return 0
	}
	mult := policy.Multiplier
	if mult <= 0 {
		mult = 2
	}
	exp := math.Max(float64(attempt-1), 0)
	delay := float64(policy.Initial) * math.Pow(mult, exp)
	if policy.Max > 0 && delay > float64(policy.Max) {
		delay = float64(policy.Max)
	}
	if policy.Jitter {
		delay *= 0.5 + randomValue
	}
	return time.Duration(delay)
}

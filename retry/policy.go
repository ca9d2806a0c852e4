// Package retry defines the bounded retry policy the engine applies to
// transient stage failures. Retries consume the stage's remaining deadline
// budget and never extend it; permanent failures and timeouts are never
// retried.
package retry

import (
	"errors"
	"math"
	"time"

	"github.com/nutrimesh/nutrimesh/core"
)

// Policy defines retry behavior for stage invocations.
type Policy struct {
	MaxRetries        int           // Maximum number of retry attempts (0 = no retries)
	InitialDelay      time.Duration // Initial delay before first retry
	MaxDelay          time.Duration // Maximum delay between retries
	BackoffMultiplier float64       // Multiplier for exponential backoff (e.g., 2.0)
}

// DefaultPolicy returns the default retry policy: a single retry with a short
// initial delay, matching the engine's one-retry default for transient
// failures.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        1,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Delay calculates the backoff delay preceding the given retry attempt
// (attempt 1 is the first retry).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.InitialDelay
	}
	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if time.Duration(delay) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether a settled result warrants another attempt.
// Only failures the adapter classified as transient are retried, and only
// while the attempt count is within bounds.
func (p Policy) ShouldRetry(result core.StageResult, attempt int) bool {
	return result.Transient() && attempt <= p.MaxRetries
}

// Validate checks if the retry policy configuration is valid.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.New("MaxRetries must be non-negative")
	}
	if p.MaxRetries > 0 {
		if p.InitialDelay <= 0 {
			return errors.New("InitialDelay must be positive")
		}
		if p.MaxDelay <= 0 {
			return errors.New("MaxDelay must be positive")
		}
		if p.BackoffMultiplier <= 0 {
			return errors.New("BackoffMultiplier must be positive")
		}
		if p.InitialDelay > p.MaxDelay {
			return errors.New("InitialDelay cannot be greater than MaxDelay")
		}
	}
	return nil
}

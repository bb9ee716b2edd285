// Package retry holds the backoff schedule and transient-error
// classification used by the reconciliation queue's retry policy. The retry
// loop itself belongs to the queue; this package only answers "how long" and
// "is it worth it".
package retry

import (
	"math"
	"strings"
	"time"
)

// Config configures exponential backoff between attempts
type Config struct {
	BaseDelay  time.Duration `json:"base_delay"` // Delay before the first retry (default: 2s)
	MaxDelay   time.Duration `json:"max_delay"`  // Cap on the delay between retries (default: 1m)
	Multiplier float64       `json:"multiplier"` // Backoff multiplier (default: 2.0)
}

// DefaultConfig returns a backoff configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		BaseDelay:  2 * time.Second,
		MaxDelay:   time.Minute,
		Multiplier: 2.0,
	}
}

// Delay returns the wait before the next attempt. attempt is 1-based: the
// delay after the first failed attempt is BaseDelay, doubling from there.
func Delay(config Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt-1))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}

// IsRetryableError determines if an error is retryable
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	// Network-related errors that are typically retryable
	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"no such host",
		"network unreachable",
		"broken pipe",
		"context deadline exceeded",
	}

	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}

	return false
}

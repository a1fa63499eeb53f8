package llm

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/dirt-rain/aaow/pkg/schema"
)

// baseBackoff is the first retry delay; subsequent attempts double it.
const baseBackoff = 500 * time.Millisecond

// maxBackoff caps the exponential growth.
const maxBackoff = 30 * time.Second

// IsRetryableError classifies whether a provider error should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: cancellation, typed errors with non-retryable codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Deadline exceeded is retryable (call-level timeout, not run shutdown).
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Cancellation means the run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Typed errors check their own code.
	var serr *schema.Error
	if errors.As(err, &serr) {
		return serr.IsRetryable()
	}

	// Network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common retryable provider failures.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
		"overloaded",
		"rate limit",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable (conservative — the retry budget limits attempts).
	return true
}

// Backoff returns the delay before retry attempt n (0-based).
func Backoff(attempt int) time.Duration {
	d := baseBackoff << attempt
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

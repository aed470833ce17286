// Package resilience wraps calls to the streaming platform with retry,
// backoff, rate-limit honoring, and circuit breaking.
package resilience

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Policy configures retry and circuit-breaker behavior.
type Policy struct {
	MaxAttempts      int           // Maximum total attempts (default: 3)
	BaseDelay        time.Duration // Initial backoff delay (default: 1s)
	MaxDelay         time.Duration // Backoff cap (default: 30s)
	Multiplier       float64       // Backoff multiplier (default: 2)
	Jitter           float64       // Random jitter fraction of the delay, 0..1 (default: 0.2)
	RateLimitDelay   time.Duration // Delay when rate limited without a hint (default: 60s)
	BreakerThreshold int           // Consecutive failures before the breaker opens (default: 5)
	BreakerWindow    time.Duration // Rolling window for counting failures (default: 1m)
	BreakerCooldown  time.Duration // Open duration before a half-open trial (default: 30s)
}

// DefaultPolicy returns sensible defaults for platform calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      3,
		BaseDelay:        1 * time.Second,
		MaxDelay:         30 * time.Second,
		Multiplier:       2,
		Jitter:           0.2,
		RateLimitDelay:   60 * time.Second,
		BreakerThreshold: 5,
		BreakerWindow:    1 * time.Minute,
		BreakerCooldown:  30 * time.Second,
	}
}

// CallContext carries correlation metadata for one resilient call.
type CallContext struct {
	Service   string
	Operation string
	Tags      map[string]string
}

// Key returns the circuit-breaker key for this call.
func (c CallContext) Key() string {
	return c.Service + "." + c.Operation
}

// CallError is a structured failure from a platform operation. StatusCode
// follows HTTP semantics; RetryAfter carries the platform's rate-limit hint
// when present.
type CallError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *CallError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return http.StatusText(e.StatusCode)
}

// Class categorizes a failure for retry decisions.
type Class int

const (
	ClassPermanent Class = iota // 4xx other than auth/rate-limit, never retried
	ClassTransient              // network errors and 5xx, backoff retry
	ClassRateLimit              // 429, honor the retry-after hint
	ClassAuth                   // 401, surfaced to the caller for token refresh
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassRateLimit:
		return "rate_limit"
	case ClassAuth:
		return "auth"
	default:
		return "permanent"
	}
}

// Classify maps an error to its retry class.
func Classify(err error) Class {
	var ce *CallError
	if errors.As(err, &ce) {
		switch {
		case ce.StatusCode == http.StatusUnauthorized:
			return ClassAuth
		case ce.StatusCode == http.StatusTooManyRequests:
			return ClassRateLimit
		case ce.StatusCode >= 500:
			return ClassTransient
		case ce.StatusCode >= 400:
			return ClassPermanent
		}
		return ClassTransient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	if isNetworkError(err) {
		return ClassTransient
	}

	return ClassPermanent
}

// isNetworkError reports whether err looks like a transport-level failure.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	networkErrors := []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network is unreachable",
		"i/o timeout",
		"context deadline exceeded",
		"dial tcp",
		"broken pipe",
		"eof",
	}

	errLower := strings.ToLower(err.Error())
	for _, netErr := range networkErrors {
		if strings.Contains(errLower, netErr) {
			return true
		}
	}

	return false
}

// RetryAfterHint extracts the platform-provided retry-after delay from an
// error, or 0 when absent.
func RetryAfterHint(err error) time.Duration {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

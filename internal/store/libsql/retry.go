package libsql

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts
	MaxRetries int
	// InitialBackoff is the initial backoff duration
	InitialBackoff time.Duration
	// MaxBackoff is the maximum backoff duration
	MaxBackoff time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64
	// Jitter adds randomness to backoff (0.0 to 1.0)
	Jitter float64
	// RetryableStatusCodes are HTTP status codes that should be retried
	RetryableStatusCodes []int
}

// DefaultRetryConfig returns sensible defaults for retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryableStatusCodes: []int{
			http.StatusTooManyRequests,     // 429
			http.StatusInternalServerError, // 500
			http.StatusBadGateway,          // 502
			http.StatusServiceUnavailable,  // 503
			http.StatusGatewayTimeout,      // 504
		},
	}
}

func (rc RetryConfig) backoff(attempt int) time.Duration {
	multiplier := rc.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	backoff := float64(rc.InitialBackoff) * math.Pow(multiplier, float64(attempt-1))

	if rc.MaxBackoff > 0 && backoff > float64(rc.MaxBackoff) {
		backoff = float64(rc.MaxBackoff)
	}

	if rc.Jitter > 0 {
		jitter := backoff * rc.Jitter * (rand.Float64()*2 - 1)
		backoff += jitter
	}

	if backoff < 0 {
		return 0
	}
	return time.Duration(backoff)
}

func (rc RetryConfig) shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		for _, code := range rc.RetryableStatusCodes {
			if httpErr.StatusCode == code {
				return true
			}
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

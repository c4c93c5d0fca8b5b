package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/time/rate"

	"github.com/astroforum/service_layer/internal/errors"
	internalhttputil "github.com/astroforum/service_layer/internal/httputil"
	"github.com/astroforum/service_layer/internal/logging"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter limits requests per caller. Authenticated callers are keyed by
// user ID, anonymous ones by remote IP.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	clock    clock.Clock
	logger   *logging.Logger
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(requestsPerSecond float64, burst int, logger *logging.Logger) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		clock:    clock.WallClock,
		logger:   logger,
	}
}

// WithClock replaces the time source.
func (rl *RateLimiter) WithClock(c clock.Clock) *RateLimiter {
	rl.clock = c
	return rl
}

func (rl *RateLimiter) allow(key string) bool {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Handler returns the rate limiting middleware handler
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := GetUserID(r.Context())
		if key == "" {
			key = remoteIP(r)
		}

		if !rl.allow(key) {
			rl.logger.LogSecurityEvent(r.Context(), "rate_limit_exceeded", map[string]interface{}{
				"key":    key,
				"path":   r.URL.Path,
				"method": r.Method,
			})

			serviceErr := errors.RateLimitExceeded(int(math.Ceil(float64(rl.rate))), "1s")
			w.Header().Set("Retry-After", strconv.Itoa(rl.retryAfterSeconds()))
			internalhttputil.WriteServiceError(w, r, serviceErr)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) retryAfterSeconds() int {
	if rl.rate <= 0 {
		return 1
	}
	secs := int(math.Ceil(1 / float64(rl.rate)))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Cleanup removes limiters not used for longer than maxIdle and returns how
// many were removed.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	cutoff := rl.clock.Now().Add(-maxIdle)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, e := range rl.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// StartCleanup runs Cleanup every interval until ctx is done.
func (rl *RateLimiter) StartCleanup(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-rl.clock.After(interval):
				rl.Cleanup(maxIdle)
			}
		}
	}()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

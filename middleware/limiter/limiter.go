package limiter

import (
	"sync"

	"golang.org/x/time/rate"

	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/middleware"
)

// ErrRateLimitExceeded indicates rate limit has been exceeded
var ErrRateLimitExceeded = middleware.ErrRateLimitExceeded

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithWait makes the limiter block until a token is available instead of
// rejecting the request. Waiting honours the request context.
func WithWait() Option {
	return func(m *RateLimiter) {
		m.wait = true
	}
}

// RateLimiter throttles completion calls with a token bucket
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	wait    bool
	bucket  *rate.Limiter
	counter int
}

// NewRateLimiter creates a rate limiting middleware allowing perSecond calls
// per second with the given burst.
func NewRateLimiter(perSecond float64, burst int, opts ...Option) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	m := &RateLimiter{
		limit: rate.Limit(perSecond),
		burst: burst,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.bucket = rate.NewLimiter(m.limit, m.burst)
	return m
}

// Name returns the middleware name
func (m *RateLimiter) Name() string {
	return "RateLimiter"
}

// Execute checks rate limit before any provider call is made
func (m *RateLimiter) Execute(ctx *middleware.Context, next middleware.Handler) error {
	m.mu.Lock()
	bucket := m.bucket
	m.mu.Unlock()

	if m.wait {
		if err := bucket.Wait(ctx.Context()); err != nil {
			return errorskg.New(errorskg.KindCancelled, "rate_limit", err)
		}
	} else if !bucket.Allow() {
		return errorskg.New(errorskg.KindValidation, "rate_limit", ErrRateLimitExceeded)
	}

	m.mu.Lock()
	m.counter++
	m.mu.Unlock()
	return next(ctx)
}

// Reset refills the bucket and clears the counter
func (m *RateLimiter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket = rate.NewLimiter(m.limit, m.burst)
	m.counter = 0
}

// GetCounter returns the number of requests let through
func (m *RateLimiter) GetCounter() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counter
}

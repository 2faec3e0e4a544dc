package middleware

import "errors"

var (
	// ErrRateLimitExceeded indicates rate limit has been exceeded
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrTokenBudgetExceeded indicates a request would exceed the token budget
	ErrTokenBudgetExceeded = errors.New("token budget exceeded")
)

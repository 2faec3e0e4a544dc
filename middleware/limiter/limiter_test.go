package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/middleware"
)

func pass(*middleware.Context) error { return nil }

func TestRateLimiter(t *testing.T) {
	t.Run("allows requests within burst", func(t *testing.T) {
		limiter := NewRateLimiter(0, 2)
		ctx := &middleware.Context{}

		if err := limiter.Execute(ctx, pass); err != nil {
			t.Errorf("first request failed: %v", err)
		}
		if err := limiter.Execute(ctx, pass); err != nil {
			t.Errorf("second request failed: %v", err)
		}
	})

	t.Run("blocks requests exceeding limit", func(t *testing.T) {
		limiter := NewRateLimiter(0, 1)
		ctx := &middleware.Context{}

		_ = limiter.Execute(ctx, pass)

		called := false
		err := limiter.Execute(ctx, func(*middleware.Context) error {
			called = true
			return nil
		})
		if !errors.Is(err, ErrRateLimitExceeded) {
			t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
		}
		if errorskg.KindOf(err) != errorskg.KindValidation {
			t.Errorf("expected validation kind, got %s", errorskg.KindOf(err))
		}
		if called {
			t.Error("next handler must not run when rejected")
		}
	})

	t.Run("can reset bucket", func(t *testing.T) {
		limiter := NewRateLimiter(0, 1)
		ctx := &middleware.Context{}

		_ = limiter.Execute(ctx, pass)
		limiter.Reset()

		if err := limiter.Execute(ctx, pass); err != nil {
			t.Errorf("request after reset failed: %v", err)
		}
	})

	t.Run("tracks counter correctly", func(t *testing.T) {
		limiter := NewRateLimiter(0, 5)
		ctx := &middleware.Context{}

		for i := 0; i < 3; i++ {
			_ = limiter.Execute(ctx, pass)
		}

		if limiter.GetCounter() != 3 {
			t.Errorf("expected counter to be 3, got %d", limiter.GetCounter())
		}
	})

	t.Run("wait mode honours context", func(t *testing.T) {
		limiter := NewRateLimiter(0.001, 1, WithWait())
		_ = limiter.Execute(&middleware.Context{}, pass)

		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		err := limiter.Execute(middleware.NewContext(cctx), pass)
		if err == nil {
			t.Fatal("expected wait to fail once the context expires")
		}
	})
}

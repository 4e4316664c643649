package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware gates requests through a shared token bucket. Waiting
// respects the request context; cancellation surfaces as an abort error.
func RateLimitMiddleware(limiter *rate.Limiter) Middleware {
	return func(next CompleteFunc) CompleteFunc {
		return func(ctx context.Context, req *Request) (*Response, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, AbortError(err)
			}
			return next(ctx, req)
		}
	}
}

package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"worker-rpc/message"
)

// RateLimitMiddleware rejects calls beyond a token bucket of r per second with
// the given burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Reply {
			if !limiter.Allow() {
				return &message.Reply{Err: ErrRateLimited}
			}
			return next(ctx, call)
		}
	}
}

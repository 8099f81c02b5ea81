package middleware

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"worker-rpc/message"
)

// RetryMiddleware retries requests that failed with a timeout or a refused
// connection, backing off exponentially from baseDelay. Notifications are never
// retried.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Reply {
			reply := next(ctx, call)
			if call.Notify {
				return reply
			}
			for i := 0; i < maxRetries; i++ {
				if reply == nil || reply.Err == nil || !retryable(reply.Err) {
					return reply
				}
				Logger().Info("retrying call",
					zap.String("method", call.Method),
					zap.Int("attempt", i+1),
					zap.Error(reply.Err))

				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return reply
				}
				reply = next(ctx, call)
			}
			return reply
		}
	}
}

func retryable(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused")
}

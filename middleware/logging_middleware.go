package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"worker-rpc/message"
)

// LoggingMiddleware logs every call with its duration and error, if any.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = Logger()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.Call) *message.Reply {
			start := time.Now()
			reply := next(ctx, call)
			fields := []zap.Field{
				zap.String("method", call.Method),
				zap.Uint32("seq", call.Seq),
				zap.Bool("notify", call.Notify),
				zap.Duration("duration", time.Since(start)),
			}
			if reply != nil && reply.Err != nil {
				logger.Warn("call failed", append(fields, zap.Error(reply.Err))...)
				return reply
			}
			logger.Debug("call handled", fields...)
			return reply
		}
	}
}

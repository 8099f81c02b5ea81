// Package middleware wraps the handlers a channel runs for inbound requests and
// notifications.
package middleware

import (
	"context"
	"errors"

	"worker-rpc/message"
)

// HandlerFunc runs one demarshaled call and returns its outcome. For
// notifications the reply is discarded after the chain returns.
type HandlerFunc func(ctx context.Context, call *message.Call) *message.Reply

type Middleware func(next HandlerFunc) HandlerFunc

var (
	ErrTimeout     = errors.New("request timed out")
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

package middleware

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"worker-rpc/message"
)

// echoHandler returns the first parameter.
func echoHandler(ctx context.Context, call *message.Call) *message.Reply {
	var result any
	if len(call.Params) > 0 {
		result = call.Params[0]
	}
	return &message.Reply{Result: result}
}

// slowHandler sleeps for 200ms.
func slowHandler(ctx context.Context, call *message.Call) *message.Reply {
	time.Sleep(200 * time.Millisecond)
	return &message.Reply{Result: "ok"}
}

func failingHandler(ctx context.Context, call *message.Call) *message.Reply {
	return &message.Reply{Err: errors.New("boom")}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := LoggingMiddleware(zap.New(core))(echoHandler)

	call := &message.Call{Method: "Arith.Add", Params: []any{"ok"}, Seq: 4}
	reply := handler(context.Background(), call)
	if reply == nil || reply.Result != "ok" {
		t.Fatalf("expect result 'ok', got %+v", reply)
	}
	entries := logs.FilterMessage("call handled").All()
	if len(entries) != 1 || entries[0].ContextMap()["method"] != "Arith.Add" {
		t.Fatalf("unexpected log entries %v", logs.All())
	}

	LoggingMiddleware(zap.New(core))(failingHandler)(context.Background(), call)
	if logs.FilterMessage("call failed").Len() != 1 {
		t.Fatal("expect a warning for the failed call")
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	reply := handler(context.Background(), &message.Call{Method: "Arith.Add"})
	if reply.Err != nil {
		t.Fatalf("expect no error, got %v", reply.Err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	reply := handler(context.Background(), &message.Call{Method: "Arith.Add"})
	if !errors.Is(reply.Err, ErrTimeout) {
		t.Fatalf("expect timeout error, got %v", reply.Err)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: two calls pass, the third is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	call := &message.Call{Method: "Arith.Add"}

	for i := 0; i < 2; i++ {
		if reply := handler(context.Background(), call); reply.Err != nil {
			t.Fatalf("call %d should pass, got error: %v", i, reply.Err)
		}
	}

	if reply := handler(context.Background(), call); !errors.Is(reply.Err, ErrRateLimited) {
		t.Fatalf("call 3 should be rate limited, got: %v", reply.Err)
	}
}

func TestRetry(t *testing.T) {
	var attempts atomic.Int32
	flaky := func(ctx context.Context, call *message.Call) *message.Reply {
		if attempts.Add(1) < 3 {
			return &message.Reply{Err: ErrTimeout}
		}
		return &message.Reply{Result: "ok"}
	}

	reply := RetryMiddleware(3, time.Millisecond)(flaky)(context.Background(), &message.Call{Method: "Flaky"})
	if reply.Err != nil || attempts.Load() != 3 {
		t.Fatalf("expect success on attempt 3, got %v after %d", reply.Err, attempts.Load())
	}

	attempts.Store(0)
	reply = RetryMiddleware(3, time.Millisecond)(flaky)(context.Background(), &message.Call{Method: "Flaky", Notify: true})
	if reply.Err == nil || attempts.Load() != 1 {
		t.Fatalf("notifications must not be retried, got %d attempts", attempts.Load())
	}

	attempts.Store(0)
	reply = RetryMiddleware(3, time.Millisecond)(failingHandler)(context.Background(), &message.Call{Method: "Fail"})
	if reply.Err == nil || reply.Err.Error() != "boom" {
		t.Fatalf("non-retryable error must pass through, got %v", reply.Err)
	}
}

func TestTracing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	handler := Chain(TracingMiddleware(TracingConfig{TracerProvider: tp, ServiceName: "test"}))
	handler(echoHandler)(context.Background(), &message.Call{Method: "Echo"})
	handler(failingHandler)(context.Background(), &message.Call{Method: "Fail", Notify: true})

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expect 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "worker-rpc/Echo" || spans[0].Status().Code != codes.Ok {
		t.Fatalf("unexpected span %s (%v)", spans[0].Name(), spans[0].Status())
	}
	if spans[1].Status().Code != codes.Error || spans[1].Status().Description != "boom" {
		t.Fatalf("unexpected status %v", spans[1].Status())
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, call *message.Call) *message.Reply {
				order = append(order, name)
				return next(ctx, call)
			}
		}
	}

	chained := Chain(mark("outer"), LoggingMiddleware(nil), TimeOutMiddleware(500*time.Millisecond), mark("inner"))
	reply := chained(echoHandler)(context.Background(), &message.Call{Method: "Arith.Add", Params: []any{1}})

	if reply == nil || reply.Err != nil || reply.Result != 1 {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("unexpected order %v", order)
	}
}

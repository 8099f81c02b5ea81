package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"worker-rpc/client"
	"worker-rpc/codec"
	"worker-rpc/loadbalance"
	"worker-rpc/middleware"
	"worker-rpc/port"
	"worker-rpc/protocol"
	"worker-rpc/registry"
	"worker-rpc/rpcerr"
)

type Arith struct{}

func (a *Arith) Add(x, y int) int { return x + y }

func (a *Arith) Multiply(x, y int) int { return x * y }

func (a *Arith) Apply(ctx context.Context, x int, f func(context.Context, int) (int, error)) (int, error) {
	return f(ctx, x)
}

var connOpts = port.ConnOptions{
	CodecType:   codec.CodecTypeCBOR,
	Compression: protocol.CompressionZstd,
	Threshold:   64,
	Heartbeat:   50 * time.Millisecond,
}

func startServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s := NewServer(append([]Option{WithConnOptions(connOpts)}, opts...)...)
	if err := s.Register(&Arith{}); err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go s.ServeListener(l)
	t.Cleanup(func() { s.Shutdown(time.Second) })
	return s
}

func dialPool(t *testing.T, s *Server, size int) *client.Pool {
	t.Helper()
	p, err := client.New(context.Background(), size, client.Dial("tcp", s.Addr().String(), connOpts))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Terminate() })
	return p
}

func waitConnections(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Connections() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expect %d connections, got %d", n, s.Connections())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerPool(t *testing.T) {
	s := startServer(t)
	p := dialPool(t, s, 2)
	ctx := context.Background()

	got, err := p.Request(ctx, "Arith.Add", 3, 5)
	if err != nil || got != int64(8) {
		t.Fatalf("Add: expect 8, got %v (%v)", got, err)
	}
	got, err = p.Request(ctx, "Arith.Multiply", 4, 6)
	if err != nil || got != int64(24) {
		t.Fatalf("Multiply: expect 24, got %v (%v)", got, err)
	}

	// Callbacks travel back over the same connection.
	got, err = p.Request(ctx, "Arith.Apply", 7, func(x int) int { return x * 3 })
	if err != nil || got != int64(21) {
		t.Fatalf("Apply: expect 21, got %v (%v)", got, err)
	}

	_, err = p.Request(ctx, "Arith.Apply", 7, func(x int) (int, error) { return 0, errors.New("refused") })
	if !errors.Is(err, rpcerr.ErrRemote) {
		t.Fatalf("expect remote error, got %v", err)
	}

	if _, err := p.Request(ctx, "Arith.Missing"); !errors.Is(err, rpcerr.ErrDispatch) {
		t.Fatalf("expect dispatch error, got %v", err)
	}

	waitConnections(t, s, 2)
}

func TestServerMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := NewServer(WithConnOptions(connOpts))
	s.Use(middleware.LoggingMiddleware(zap.New(core)))
	s.Register(&Arith{})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go s.ServeListener(l)
	defer s.Shutdown(time.Second)

	p := dialPool(t, s, 1)
	if _, err := p.Request(context.Background(), "Arith.Add", 1, 2); err != nil {
		t.Fatal(err)
	}
	if logs.FilterMessage("call handled").FilterField(zap.String("method", "Arith.Add")).Len() != 1 {
		t.Fatalf("expect one logged call, got %v", logs.All())
	}
}

func TestServerRegistryDiscovery(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	defer reg.Close()

	s1 := startServer(t, WithRegistry(reg, "Arith", "", time.Second))
	s2 := startServer(t, WithRegistry(reg, "Arith", "", time.Second))
	s1.Addr()
	s2.Addr()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		list, _ := reg.Discover(ctx, "Arith")
		if len(list) == 2 {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatal("servers did not register")
		case <-time.After(10 * time.Millisecond):
		}
	}

	factory := client.Discover(reg, "Arith", &loadbalance.RoundRobinBalancer{}, connOpts)
	p, err := client.New(ctx, 4, factory)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Terminate()

	for i := 1; i <= 10; i++ {
		got, err := p.Request(ctx, "Arith.Add", i, i*10)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if got != int64(i+i*10) {
			t.Fatalf("request %d: expect %d, got %v", i, i+i*10, got)
		}
	}
	// Round robin spreads the four workers over both servers.
	waitConnections(t, s1, 2)
	waitConnections(t, s2, 2)

	if err := s1.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	list, _ := reg.Discover(ctx, "Arith")
	if len(list) != 1 || list[0].Addr != s2.Addr().String() {
		t.Fatalf("shutdown must deregister, got %+v", list)
	}
}

func TestServerGracefulShutdown(t *testing.T) {
	s := startServer(t)
	started := make(chan struct{})
	s.Expose("slow", func() string {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return "done"
	})
	p := dialPool(t, s, 1)

	result := make(chan error, 1)
	go func() {
		got, err := p.Request(context.Background(), "slow")
		if err == nil && got != "done" {
			err = errors.New("unexpected result")
		}
		result <- err
	}()
	<-started

	if err := s.Shutdown(2 * time.Second); err != nil {
		t.Fatal(err)
	}
	if err := <-result; err != nil {
		t.Fatalf("in-flight call must complete, got %v", err)
	}

	if _, err := net.DialTimeout("tcp", s.Addr().String(), 100*time.Millisecond); err == nil {
		t.Fatal("listener still accepting after shutdown")
	}
}

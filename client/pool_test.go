package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"worker-rpc/rpcerr"
	"worker-rpc/transport"
)

type fixture struct {
	started chan struct{}
	gate    chan struct{}
	notes   chan string
}

func newFixture() *fixture {
	return &fixture{
		started: make(chan struct{}, 16),
		gate:    make(chan struct{}),
		notes:   make(chan string, 16),
	}
}

func (f *fixture) setup(w *transport.Channel) error {
	if err := w.Expose("add", func(a, b int) int { return a + b }); err != nil {
		return err
	}
	if err := w.Expose("wait", func() string {
		f.started <- struct{}{}
		<-f.gate
		return "done"
	}); err != nil {
		return err
	}
	if err := w.Expose("note", func(s string) { f.notes <- s }); err != nil {
		return err
	}
	return w.Expose("map", func(xs []int, fn func(int) int) []int {
		out := make([]int, len(xs))
		for i, x := range xs {
			out[i] = fn(x)
		}
		return out
	})
}

func newPool(t *testing.T, size int) (*Pool, *fixture) {
	t.Helper()
	f := newFixture()
	p, err := New(context.Background(), size, InProcess(f.setup))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Terminate() })
	return p, f
}

func waitStarted(t *testing.T, f *fixture, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d tasks started", i, n)
		}
	}
}

func TestPoolRequest(t *testing.T) {
	p, _ := newPool(t, 2)

	got, err := p.Request(context.Background(), "add", 1, 2)
	if err != nil || got != int64(3) {
		t.Fatalf("expect 3, got %v (%v)", got, err)
	}
	if p.Size() != 2 || p.Idle() != 2 {
		t.Fatalf("expect 2 idle workers, got size %d idle %d", p.Size(), p.Idle())
	}
}

func TestPoolQueuesBeyondSize(t *testing.T) {
	p, f := newPool(t, 2)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := p.Request(context.Background(), "wait")
			if err == nil && v != "done" {
				err = errors.New("unexpected result")
			}
			errs <- err
		}()
	}

	waitStarted(t, f, 2)
	deadline := time.Now().Add(time.Second)
	for p.Queued() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.Queued() != 1 || p.Idle() != 0 {
		t.Fatalf("expect 1 queued task and no idle worker, got %d queued %d idle", p.Queued(), p.Idle())
	}

	close(f.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if p.Idle() != 2 {
		t.Fatalf("workers must return to idle, got %d", p.Idle())
	}
}

func TestPoolRequestWorker(t *testing.T) {
	p, _ := newPool(t, 2)

	r, err := p.RequestWorker(context.Background(), "add", 2, 2)
	if err != nil || r.Value != int64(4) || r.Worker == nil {
		t.Fatalf("unexpected result %+v (%v)", r, err)
	}
	got, err := r.Worker.Channel().Request(context.Background(), "add", 3, 3)
	if err != nil || got != int64(6) {
		t.Fatalf("follow-up on the same worker failed: %v (%v)", got, err)
	}
}

func TestPoolNotify(t *testing.T) {
	p, f := newPool(t, 1)

	w, err := p.Notify(context.Background(), "note", "hello")
	if err != nil || w == nil {
		t.Fatalf("notify failed: %v", err)
	}
	select {
	case s := <-f.notes:
		if s != "hello" {
			t.Fatalf("expect hello, got %s", s)
		}
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestPoolCallbacks(t *testing.T) {
	p, _ := newPool(t, 2)

	got, err := p.Request(context.Background(), "map", []int{1, 2, 3}, func(x int) int { return x * 2 })
	if err != nil {
		t.Fatal(err)
	}
	xs, ok := got.([]any)
	if !ok || len(xs) != 3 || xs[2] != int64(6) {
		t.Fatalf("unexpected result %#v", got)
	}
}

func TestPoolRequestKeyed(t *testing.T) {
	p, _ := newPool(t, 4)

	first, err := p.RequestKeyed(context.Background(), "user-1", "add", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		r, err := p.RequestKeyed(context.Background(), "user-1", "add", 1, 1)
		if err != nil {
			t.Fatal(err)
		}
		if r.Worker.ID() != first.Worker.ID() {
			t.Fatalf("key moved from %s to %s", first.Worker.ID(), r.Worker.ID())
		}
	}
}

func TestPoolQueuedTaskCancelled(t *testing.T) {
	p, f := newPool(t, 1)
	defer close(f.gate)

	go p.Request(context.Background(), "wait")
	waitStarted(t, f, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Request(ctx, "add", 1, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", err)
	}
}

func TestPoolTerminate(t *testing.T) {
	p, f := newPool(t, 1)

	go p.Request(context.Background(), "wait")
	waitStarted(t, f, 1)

	queued := make(chan error, 1)
	go func() {
		_, err := p.Request(context.Background(), "add", 1, 2)
		queued <- err
	}()
	deadline := time.Now().Add(time.Second)
	for p.Queued() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := p.Terminate(); err != nil {
		t.Fatal(err)
	}
	close(f.gate)

	select {
	case err := <-queued:
		if !errors.Is(err, rpcerr.ErrPool) {
			t.Fatalf("queued task must fail with a pool error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued task not failed")
	}

	if _, err := p.Request(context.Background(), "add", 1, 2); !errors.Is(err, rpcerr.ErrPool) {
		t.Fatalf("expect pool error after terminate, got %v", err)
	}
	if _, err := p.RequestKeyed(context.Background(), "k", "add", 1, 2); !errors.Is(err, rpcerr.ErrPool) {
		t.Fatalf("expect pool error after terminate, got %v", err)
	}
	if p.Size() != 0 {
		t.Fatalf("expect no workers, got %d", p.Size())
	}
}

func TestPoolFactoryFailure(t *testing.T) {
	boom := errors.New("boom")
	_, err := New(context.Background(), 2, InProcess(func(*transport.Channel) error { return boom }))
	if !errors.Is(err, boom) {
		t.Fatalf("expect setup error, got %v", err)
	}
}

func TestPoolAllWorkersLost(t *testing.T) {
	p, _ := newPool(t, 1)

	r, err := p.RequestWorker(context.Background(), "add", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	r.Worker.Channel().Close()

	if _, err := p.Request(context.Background(), "add", 1, 2); !errors.Is(err, rpcerr.ErrChannelClosed) {
		t.Fatalf("expect channel closed, got %v", err)
	}
	if p.Size() != 0 {
		t.Fatalf("lost worker must be dropped, got size %d", p.Size())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := p.Request(ctx, "add", 1, 2); !errors.Is(err, rpcerr.ErrPool) {
		t.Fatalf("expect pool error without workers, got %v", err)
	}
	if _, err := p.Notify(ctx, "note", "x"); !errors.Is(err, rpcerr.ErrPool) {
		t.Fatalf("expect pool error without workers, got %v", err)
	}
}

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// Builtin is the method set served by "worker-rpc serve".
type Builtin struct{}

// Echo returns its argument unchanged.
func (b *Builtin) Echo(v any) any { return v }

func (b *Builtin) Upper(s string) string { return strings.ToUpper(s) }

func (b *Builtin) Sum(xs []float64) float64 {
	total := 0.0
	for _, x := range xs {
		total += x
	}
	return total
}

// Digest returns the hex BLAKE3 digest of data.
func (b *Builtin) Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Sleep waits d, or until the call is abandoned by the timeout middleware.
func (b *Builtin) Sleep(ctx context.Context, d string) (string, error) {
	dur, err := time.ParseDuration(d)
	if err != nil {
		return "", err
	}
	select {
	case <-time.After(dur):
		return "slept " + dur.String(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Map calls fn on every element and collects the results.
func (b *Builtin) Map(ctx context.Context, xs []any, fn func(context.Context, any) (any, error)) ([]any, error) {
	out := make([]any, len(xs))
	for i, x := range xs {
		v, err := fn(ctx, x)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Each notifies fn with every element without waiting.
func (b *Builtin) Each(xs []any, fn func(any)) {
	for _, x := range xs {
		fn(x)
	}
}

// Counter returns a function counting up from start.
func (b *Builtin) Counter(start int) func() int {
	var mu sync.Mutex
	n := start
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		n++
		return n
	}
}

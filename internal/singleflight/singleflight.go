// Package singleflight coalesces concurrent calls that would do the same work.
package singleflight

import (
	"context"
	"sync"
)

// Group runs at most one fn per key at a time. Callers arriving while a call
// for their key is in flight wait for it and share its result instead of
// starting another. The zero Group is ready to use.
type Group[K comparable, V any] struct {
	mu     sync.Mutex
	flight map[K]*call[V]
}

type call[V any] struct {
	done   chan struct{} // closed once val and err are set
	val    V
	err    error
	shared int // followers that joined
}

// Do runs fn for key unless a call for key is already in flight, in which
// case it waits for that call's result. A follower whose ctx ends stops
// waiting and returns ctx.Err(); the leader's fn keeps running.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) (V, error) {
	g.mu.Lock()
	if g.flight == nil {
		g.flight = make(map[K]*call[V])
	}
	if c, ok := g.flight[key]; ok {
		c.shared++
		g.mu.Unlock()
		select {
		case <-c.done:
			return c.val, c.err
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}
	c := &call[V]{done: make(chan struct{})}
	g.flight[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()

	g.mu.Lock()
	delete(g.flight, key)
	g.mu.Unlock()
	close(c.done)

	return c.val, c.err
}

// InFlight reports whether a call for key is running.
func (g *Group[K, V]) InFlight(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.flight[key]
	return ok
}

package store

import (
	"context"
	"fmt"
	"sync"
)

// Registry tracks in-flight operations by key so that concurrent
// requests for the same key converge on one execution.  The first
// caller to Join a key becomes its Leader; later callers become
// Followers until the Leader resolves.
type Registry[K comparable, V any] struct {
	mu       sync.Mutex
	inflight map[K]*flight[V]
}

type flight[V any] struct {
	done chan struct{}
	val  V
	err  error
}

type Leader[K comparable, V any] struct {
	r    *Registry[K, V]
	key  K
	f    *flight[V]
	once sync.Once
}

type Follower[V any] struct {
	f *flight[V]
}

func NewRegistry[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{inflight: make(map[K]*flight[V])}
}

// Join registers interest in key.  Exactly one of the return values
// is non-nil.
func (r *Registry[K, V]) Join(key K) (*Leader[K, V], *Follower[V]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.inflight[key]; ok {
		return nil, &Follower[V]{f: f}
	}
	f := &flight[V]{done: make(chan struct{})}
	r.inflight[key] = f
	return &Leader[K, V]{r: r, key: key, f: f}, nil
}

// Len returns the number of keys in flight.
func (r *Registry[K, V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// Resolve removes the key and releases every Follower with the same
// result.  Only the first call has any effect.
func (l *Leader[K, V]) Resolve(val V, err error) {
	l.once.Do(func() {
		l.r.mu.Lock()
		delete(l.r.inflight, l.key)
		l.r.mu.Unlock()
		l.f.val = val
		l.f.err = err
		close(l.f.done)
	})
}

// Wait blocks until the Leader resolves or ctx is done.
func (f *Follower[V]) Wait(ctx context.Context) (val V, err error) {
	select {
	case <-f.f.done:
		return f.f.val, f.f.err
	case <-ctx.Done():
		return val, ctx.Err()
	}
}

// Do runs fn if this caller leads key, otherwise waits for the
// leader's result.  shared reports whether the result came from
// another caller.
func (r *Registry[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) (val V, err error, shared bool) {
	leader, follower := r.Join(key)
	if follower != nil {
		val, err = follower.Wait(ctx)
		return val, err, true
	}
	defer func() {
		if p := recover(); p != nil {
			var zero V
			leader.Resolve(zero, fmt.Errorf("panic in %v: %v", key, p))
			panic(p)
		}
	}()
	val, err = fn()
	leader.Resolve(val, err)
	return val, err, false
}

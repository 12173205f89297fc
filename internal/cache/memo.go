package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// LoadFunc produces the value for args
type LoadFunc[A any, V any] func(ctx context.Context, args A) (V, error)

// KeyFunc derives the cache key for args
type KeyFunc[A any] func(args A) string

// Memoizer caches the results of a loader in a Store. Concurrent calls that
// derive the same key share one loader invocation; failures are never cached.
type Memoizer[A any, V any] struct {
	store *Store[V]
	keyOf KeyFunc[A]
	load  LoadFunc[A, V]
	ttl   time.Duration
	group singleflight.Group
}

// CallOption adjusts a single Call
type CallOption func(*callConfig)

type callConfig struct {
	ttl time.Duration
}

// WithTTL overrides the memoizer's TTL for one call
func WithTTL(ttl time.Duration) CallOption {
	return func(c *callConfig) {
		c.ttl = ttl
	}
}

// NewMemoizer wraps load with store. A non-positive ttl uses the store's default.
func NewMemoizer[A any, V any](store *Store[V], keyOf KeyFunc[A], load LoadFunc[A, V], ttl time.Duration) *Memoizer[A, V] {
	return &Memoizer[A, V]{
		store: store,
		keyOf: keyOf,
		load:  load,
		ttl:   ttl,
	}
}

// Call returns the cached value for args, loading it on a miss. Callers that
// arrive while a load for the same key is in flight wait for its outcome,
// unless their own context ends first.
func (m *Memoizer[A, V]) Call(ctx context.Context, args A, opts ...CallOption) (V, error) {
	cfg := callConfig{ttl: m.ttl}
	for _, opt := range opts {
		opt(&cfg)
	}

	key := m.keyOf(args)
	if !ValidKey(key) {
		// Invalid keys are never cached, so every call loads.
		return m.load(ctx, args)
	}

	if value, ok := m.store.Get(key); ok {
		return value, nil
	}

	ch := m.group.DoChan(key, func() (interface{}, error) {
		// A flight that finished between our miss and this one already stored the value.
		if value, ok := m.store.get(key, false); ok {
			return value, nil
		}
		value, err := m.load(ctx, args)
		if err != nil {
			return nil, err
		}
		m.store.SetWithTTL(key, value, cfg.ttl)
		return value, nil
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		value, _ := res.Val.(V)
		return value, nil
	}
}

// Invalidate removes the cached value for args
func (m *Memoizer[A, V]) Invalidate(args A) bool {
	return m.store.Delete(m.keyOf(args))
}

// Forget drops any in-flight load for args so the next call starts a new one
func (m *Memoizer[A, V]) Forget(args A) {
	m.group.Forget(m.keyOf(args))
}

// Store returns the backing store
func (m *Memoizer[A, V]) Store() *Store[V] {
	return m.store
}

/*
Package cache provides the bounded in-process TTL store and the memoizing wrapper the rest of
the engine is built on.

# Store

Store[V] maps string keys to values of V. Each entry carries its creation time, TTL, access
count and last access time. A single mutex guards the whole store, so every operation is
atomic with respect to the others, including "evict one, then insert" on a full store.

	s := cache.New[Profile](cache.Options{
		Name:       "user",
		Capacity:   100,
		DefaultTTL: 3 * time.Minute,
		Strategy:   types.StrategyLRU,
	})
	s.Set("user:42", profile)
	p, ok := s.Get("user:42")

An entry is live while now - createdAt <= ttl. Expired entries are dropped lazily when Get,
Has or Delete touches them, and in bulk by Cleanup, Size and Keys.

# Eviction

Eviction only happens when a brand-new key is admitted while the store holds Capacity live
entries. Exactly one entry is removed:

	LRU  oldest last access, then oldest creation, then earliest touch
	LFU  fewest accesses, then oldest last access, then earliest touch

Overwriting an existing key resets its bookkeeping (access count back to zero) and never
evicts another key. Has checks liveness without counting as an access.

# Keys

Blank keys are never stored. Get and Has report them absent, Set ignores them and Delete
reports false.

# Memoizer

Memoizer[A, V] derives a key from the call arguments, serves hits from a Store and loads
misses through singleflight so concurrent callers of one key share a single load. Values are
stored before waiters are released; failures are returned to every waiter and never cached.

	m := cache.NewMemoizer(store, func(id string) string { return "user:" + id }, fetchUser, 0)
	u, err := m.Call(ctx, "42", cache.WithTTL(time.Minute))
*/
package cache

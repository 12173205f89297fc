package storage

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fleetwork/cacheengine/internal/cache"
	"github.com/fleetwork/cacheengine/internal/circuit"
	"github.com/fleetwork/cacheengine/pkg/types"
)

// DefaultTierTimeout bounds each call to the persistent tier
const DefaultTierTimeout = 2 * time.Second

// envelope is what Layered writes to the tier
type envelope[V any] struct {
	Value     V         `json:"value"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// tombstone hides tier values stored at or before at. A prefix tombstone
// with an empty key hides everything.
type tombstone struct {
	key    string
	prefix bool
	at     time.Time
}

func (t tombstone) hides(key string, storedAt time.Time) bool {
	if storedAt.After(t.at) {
		return false
	}
	if t.prefix {
		return strings.HasPrefix(key, t.key)
	}
	return key == t.key
}

// Layered puts an in-process store in front of a KeyValueStore. Reads fall
// through to the tier on a memory miss and repopulate memory for whatever
// TTL remains; writes go to both. Tier failures are logged and read as misses.
//
// Values round-trip through JSON, so with V = any a value read back from the
// tier has JSON's dynamic types (map[string]any, []any, float64, ...).
//
// Clear and DeletePrefix cannot enumerate the tier, so they leave tombstones
// that hide older tier values until the longest TTL written has passed.
// Tombstones live in memory only.
type Layered[V any] struct {
	memory  *cache.Store[V]
	tier    KeyValueStore
	timeout time.Duration
	breaker *circuit.Breaker
	now     func() time.Time
	logger  *slog.Logger

	mu         sync.Mutex
	tombstones []tombstone
	maxTTL     time.Duration
}

// LayeredOption configures a Layered store
type LayeredOption func(*layeredOptions)

type layeredOptions struct {
	timeout time.Duration
	breaker *circuit.Breaker
	clock   func() time.Time
	logger  *slog.Logger
}

func WithTierTimeout(d time.Duration) LayeredOption {
	return func(o *layeredOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithBreaker routes every tier call through b, so an unavailable tier is
// skipped instead of costing a timeout per request
func WithBreaker(b *circuit.Breaker) LayeredOption {
	return func(o *layeredOptions) { o.breaker = b }
}

func WithLayeredClock(clock func() time.Time) LayeredOption {
	return func(o *layeredOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func WithLayeredLogger(logger *slog.Logger) LayeredOption {
	return func(o *layeredOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewLayered combines memory and tier
func NewLayered[V any](memory *cache.Store[V], tier KeyValueStore, opts ...LayeredOption) *Layered[V] {
	o := layeredOptions{
		timeout: DefaultTierTimeout,
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Layered[V]{
		memory:  memory,
		tier:    tier,
		timeout: o.timeout,
		breaker: o.breaker,
		now:     o.clock,
		logger:  o.logger.With("component", "layered-store", "store", memory.Name()),
	}
}

// Memory returns the in-process layer
func (l *Layered[V]) Memory() *cache.Store[V] {
	return l.memory
}

// Get returns the live value for key from memory or, failing that, the tier
func (l *Layered[V]) Get(key string) (V, bool) {
	if v, ok := l.memory.Get(key); ok {
		return v, true
	}

	var zero V
	if !cache.ValidKey(key) {
		return zero, false
	}

	var raw []byte
	var ok bool
	err := l.call(func(ctx context.Context) error {
		var err error
		raw, ok, err = l.tier.Get(ctx, key)
		return err
	})
	if err != nil {
		l.logFailure("tier read failed", key, err)
		return zero, false
	}
	if !ok {
		return zero, false
	}

	var env envelope[V]
	if err := json.Unmarshal(raw, &env); err != nil {
		l.logger.Warn("tier value is not decodable", "key", key, "error", err)
		return zero, false
	}
	if l.hidden(key, env.StoredAt) {
		return zero, false
	}
	left := env.ExpiresAt.Sub(l.now())
	if left < 0 {
		return zero, false
	}
	if left > 0 {
		l.memory.SetWithTTL(key, env.Value, left)
	}
	return env.Value, true
}

// Set stores value with the memory store's default TTL
func (l *Layered[V]) Set(key string, value V) {
	l.SetWithTTL(key, value, l.memory.DefaultTTL())
}

// SetWithTTL stores value in both layers
func (l *Layered[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	if !cache.ValidKey(key) {
		return
	}
	if ttl <= 0 {
		ttl = l.memory.DefaultTTL()
	}
	l.memory.SetWithTTL(key, value, ttl)

	l.mu.Lock()
	if ttl > l.maxTTL {
		l.maxTTL = ttl
	}
	l.mu.Unlock()

	now := l.now()
	raw, err := json.Marshal(envelope[V]{Value: value, StoredAt: now, ExpiresAt: now.Add(ttl)})
	if err != nil {
		l.logger.Warn("value is not encodable, kept in memory only", "key", key, "error", err)
		return
	}

	err = l.call(func(ctx context.Context) error {
		return l.tier.Set(ctx, key, raw, ttl)
	})
	if err != nil {
		l.logFailure("tier write failed", key, err)
	}
}

// Delete removes key from both layers, reporting whether memory held it
func (l *Layered[V]) Delete(key string) bool {
	removed := l.memory.Delete(key)
	if !cache.ValidKey(key) {
		return removed
	}

	err := l.call(func(ctx context.Context) error {
		return l.tier.Remove(ctx, key)
	})
	if err != nil {
		l.logFailure("tier delete failed", key, err)
		// The tier copy survived; keep it out of reads.
		l.bury(tombstone{key: key})
	}
	return removed
}

// DeletePrefix removes every key starting with prefix from memory and hides
// older tier values under it
func (l *Layered[V]) DeletePrefix(prefix string) int {
	n := l.memory.DeletePrefix(prefix)
	l.bury(tombstone{key: prefix, prefix: true})
	return n
}

// Clear empties memory and hides every tier value stored so far
func (l *Layered[V]) Clear() {
	l.memory.Clear()
	l.bury(tombstone{prefix: true})
}

func (l *Layered[V]) Name() string { return l.memory.Name() }

func (l *Layered[V]) Size() int { return l.memory.Size() }

// Cleanup sweeps the memory layer; the tier expires entries itself
func (l *Layered[V]) Cleanup() int { return l.memory.Cleanup() }

func (l *Layered[V]) Stats() types.CacheStats { return l.memory.Stats() }

// bury records t and drops tombstones older than any value they could hide
func (l *Layered[V]) bury(t tombstone) {
	t.at = l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.tombstones[:0]
	for _, old := range l.tombstones {
		if l.maxTTL > 0 && t.at.Sub(old.at) > l.maxTTL {
			continue
		}
		if t.prefix && t.key == "" {
			// Superseded by a full clear.
			continue
		}
		kept = append(kept, old)
	}
	l.tombstones = append(kept, t)
}

func (l *Layered[V]) hidden(key string, storedAt time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.tombstones {
		if t.hides(key, storedAt) {
			return true
		}
	}
	return false
}

// call runs fn against the tier with the per-call timeout
func (l *Layered[V]) call(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if l.breaker == nil {
		return fn(ctx)
	}
	return l.breaker.Execute(ctx, fn)
}

func (l *Layered[V]) logFailure(msg, key string, err error) {
	if circuit.IsOpen(err) {
		l.logger.Debug("tier skipped", "key", key, "reason", "breaker open")
		return
	}
	l.logger.Warn(msg, "key", key, "error", err)
}

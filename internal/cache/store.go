package cache

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fleetwork/cacheengine/pkg/errors"
	"github.com/fleetwork/cacheengine/pkg/types"
)

const (
	// DefaultCapacity is the entry limit used when Options.Capacity is not positive
	DefaultCapacity = 100
	// DefaultTTL is the lifetime used when neither the store nor the caller sets one
	DefaultTTL = 5 * time.Minute
)

// Options configures a Store
type Options struct {
	Name       string             `yaml:"name"`
	Capacity   int                `yaml:"capacity"`
	DefaultTTL time.Duration      `yaml:"ttl"`
	Strategy   types.Strategy     `yaml:"strategy"`
	Metrics    types.CacheMetrics `yaml:"-"`
	Clock      func() time.Time   `yaml:"-"`
	Logger     *slog.Logger       `yaml:"-"`
}

// entry is one cached value plus its bookkeeping
type entry[V any] struct {
	usage
	key   string
	value V
	ttl   time.Duration
}

// live: now - createdAt <= ttl
func (e *entry[V]) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// Store is a bounded, thread-safe key/value cache with per-entry TTL and a
// recency or frequency eviction strategy. All operations are total; an
// invalid (blank) key behaves as an always-absent key.
type Store[V any] struct {
	mu         sync.Mutex
	name       string
	capacity   int
	defaultTTL time.Duration
	policy     evictionPolicy
	items      map[string]*entry[V]
	seq        uint64

	now     func() time.Time
	metrics types.CacheMetrics
	logger  *slog.Logger

	// Statistics
	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
}

// New creates a store, filling unset options with defaults
func New[V any](opts Options) *Store[V] {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Strategy == "" {
		opts.Strategy = types.StrategyLRU
	}
	if opts.Metrics == nil {
		opts.Metrics = types.NoopMetrics{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Store[V]{
		name:       opts.Name,
		capacity:   opts.Capacity,
		defaultTTL: opts.DefaultTTL,
		policy:     newEvictionPolicy(opts.Strategy),
		items:      make(map[string]*entry[V], opts.Capacity),
		now:        opts.Clock,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With("component", "cache", "store", opts.Name),
	}
}

// ValidKey reports whether key can be stored
func ValidKey(key string) bool {
	return strings.TrimSpace(key) != ""
}

// Name returns the store name
func (s *Store[V]) Name() string { return s.name }

// Capacity returns the maximum number of live entries
func (s *Store[V]) Capacity() int { return s.capacity }

// DefaultTTL returns the TTL applied when Set is called without one
func (s *Store[V]) DefaultTTL() time.Duration { return s.defaultTTL }

// Strategy returns the eviction strategy
func (s *Store[V]) Strategy() types.Strategy { return s.policy.strategy() }

// Get returns the live value for key. A hit counts as an access.
func (s *Store[V]) Get(key string) (V, bool) {
	return s.get(key, true)
}

// get looks key up; countMiss controls whether an absent key is recorded as a miss
func (s *Store[V]) get(key string, countMiss bool) (V, bool) {
	var zero V
	if !ValidKey(key) {
		if countMiss {
			s.mu.Lock()
			s.misses++
			s.mu.Unlock()
			s.metrics.RecordMiss(s.name)
		}
		return zero, false
	}

	s.mu.Lock()
	now := s.now()
	e, exists := s.items[key]
	expired := exists && e.expired(now)
	if expired {
		delete(s.items, key)
		s.expirations++
	}
	if !exists || expired {
		if countMiss {
			s.misses++
		}
		s.mu.Unlock()

		if expired {
			s.metrics.RecordExpired(s.name, 1)
		}
		if countMiss {
			s.metrics.RecordMiss(s.name)
		}
		return zero, false
	}

	e.accessCount++
	e.lastAccessAt = now
	e.seq = s.nextSeq()
	s.hits++
	value := e.value
	s.mu.Unlock()

	s.metrics.RecordHit(s.name)
	return value, true
}

// Set stores value under key with the store's default TTL
func (s *Store[V]) Set(key string, value V) {
	s.SetWithTTL(key, value, 0)
}

// SetWithTTL stores value under key. A non-positive ttl means the default TTL.
// Overwriting an existing key resets its bookkeeping and never evicts; admitting
// a new key into a full store evicts exactly one entry first.
func (s *Store[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	if !ValidKey(key) {
		s.logger.Debug("Ignoring set with invalid key", "key", key)
		return
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	s.mu.Lock()
	now := s.now()

	if e, exists := s.items[key]; exists {
		e.value = value
		e.ttl = ttl
		e.createdAt = now
		e.lastAccessAt = now
		e.accessCount = 0
		e.seq = s.nextSeq()
		s.mu.Unlock()
		return
	}

	expired := 0
	evicted := ""
	if len(s.items) >= s.capacity {
		expired = s.removeExpiredLocked(now)
	}
	if len(s.items) >= s.capacity {
		evicted = s.evictLocked()
	}

	s.items[key] = &entry[V]{
		usage: usage{
			createdAt:    now,
			lastAccessAt: now,
			seq:          s.nextSeq(),
		},
		key:   key,
		value: value,
		ttl:   ttl,
	}
	if len(s.items) > s.capacity {
		s.mu.Unlock()
		panic(errors.NewError(errors.ErrCodeCapacityViolation, "store exceeded capacity after insert").
			WithComponent("cache").
			WithOperation("set").
			WithDetail("store", s.name).
			WithDetail("capacity", s.capacity))
	}
	s.mu.Unlock()

	if expired > 0 {
		s.metrics.RecordExpired(s.name, expired)
	}
	if evicted != "" {
		s.metrics.RecordEviction(s.name)
		s.logger.Debug("Evicted entry", "key", evicted, "strategy", s.policy.strategy())
	}
}

// Delete removes key, reporting whether a live entry was removed
func (s *Store[V]) Delete(key string) bool {
	if !ValidKey(key) {
		return false
	}

	s.mu.Lock()
	e, exists := s.items[key]
	if !exists {
		s.mu.Unlock()
		return false
	}
	delete(s.items, key)
	live := !e.expired(s.now())
	if !live {
		s.expirations++
	}
	s.mu.Unlock()

	if !live {
		s.metrics.RecordExpired(s.name, 1)
	}
	return live
}

// DeleteFunc removes every live entry whose key satisfies match and returns how many were removed
func (s *Store[V]) DeleteFunc(match func(key string) bool) int {
	s.mu.Lock()
	now := s.now()
	removed := 0
	for key, e := range s.items {
		if !match(key) {
			continue
		}
		delete(s.items, key)
		if e.expired(now) {
			s.expirations++
			continue
		}
		removed++
	}
	s.mu.Unlock()
	return removed
}

// DeletePrefix removes every live entry whose key starts with prefix
func (s *Store[V]) DeletePrefix(prefix string) int {
	return s.DeleteFunc(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

// Has reports whether key holds a live entry without counting an access
func (s *Store[V]) Has(key string) bool {
	if !ValidKey(key) {
		return false
	}

	s.mu.Lock()
	e, exists := s.items[key]
	if !exists {
		s.mu.Unlock()
		return false
	}
	if e.expired(s.now()) {
		delete(s.items, key)
		s.expirations++
		s.mu.Unlock()
		s.metrics.RecordExpired(s.name, 1)
		return false
	}
	s.mu.Unlock()
	return true
}

// Clear removes every entry
func (s *Store[V]) Clear() {
	s.mu.Lock()
	s.items = make(map[string]*entry[V], s.capacity)
	s.mu.Unlock()
}

// Size returns the number of live entries. Expired entries are swept first.
func (s *Store[V]) Size() int {
	s.Cleanup()

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Keys returns the live keys in ascending order
func (s *Store[V]) Keys() []string {
	s.Cleanup()

	s.mu.Lock()
	keys := make([]string, 0, len(s.items))
	for key := range s.items {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// Cleanup removes every expired entry and returns how many were removed
func (s *Store[V]) Cleanup() int {
	s.mu.Lock()
	removed := s.removeExpiredLocked(s.now())
	s.mu.Unlock()

	if removed > 0 {
		s.metrics.RecordExpired(s.name, removed)
	}
	return removed
}

// Stats returns a snapshot of the store's statistics
func (s *Store[V]) Stats() types.CacheStats {
	keys := s.Keys()

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := types.CacheStats{
		Name:        s.name,
		Strategy:    s.policy.strategy(),
		Size:        len(keys),
		Capacity:    s.capacity,
		DefaultTTL:  s.defaultTTL,
		Keys:        keys,
		Hits:        s.hits,
		Misses:      s.misses,
		Evictions:   s.evictions,
		Expirations: s.expirations,
		Utilization: float64(len(keys)) / float64(s.capacity),
	}
	if total := s.hits + s.misses; total > 0 {
		stats.HitRate = float64(s.hits) / float64(total)
	}
	return stats
}

// Helper methods

func (s *Store[V]) nextSeq() uint64 {
	s.seq++
	return s.seq
}

func (s *Store[V]) removeExpiredLocked(now time.Time) int {
	removed := 0
	for key, e := range s.items {
		if e.expired(now) {
			delete(s.items, key)
			removed++
		}
	}
	s.expirations += uint64(removed)
	return removed
}

// evictLocked removes the policy's first candidate and returns its key
func (s *Store[V]) evictLocked() string {
	var victim *entry[V]
	for _, e := range s.items {
		if victim == nil || s.policy.before(&e.usage, &victim.usage) {
			victim = e
		}
	}
	if victim == nil {
		return ""
	}
	delete(s.items, victim.key)
	s.evictions++
	return victim.key
}

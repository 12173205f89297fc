package registry

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetwork/cacheengine/internal/cache"
	"github.com/fleetwork/cacheengine/internal/config"
	"github.com/fleetwork/cacheengine/pkg/errors"
	"github.com/fleetwork/cacheengine/pkg/types"
)

// Names of the standard stores
const (
	StoreAPI        = "api"
	StoreUser       = "user"
	StoreWarehouse  = "warehouse"
	StoreDictionary = "dictionary"
	StoreConfig     = "config"
)

// DefaultCleanupInterval is used when StartCleanup is given a non-positive interval
const DefaultCleanupInterval = 5 * time.Minute

// Member is a store the registry sweeps, clears, invalidates and reports on.
// *cache.Store[any] is one; so is a layered store attached with Attach.
type Member interface {
	Name() string
	Delete(key string) bool
	DeletePrefix(prefix string) int
	Clear()
	Size() int
	Cleanup() int
	Stats() types.CacheStats
}

// Registry owns the named stores. The set of stores and their limits are
// fixed when the registry is built; stores owned elsewhere can join with
// Attach.
type Registry struct {
	stores   map[string]*cache.Store[any]
	members  map[string]Member
	attached []Member
	names    []string
	mu       sync.RWMutex

	metrics types.CacheMetrics
	clock   func() time.Time
	logger  *slog.Logger

	sweeping atomic.Bool
}

// Option configures a Registry
type Option func(*Registry)

// WithMetrics forwards cache events from every store
func WithMetrics(m types.CacheMetrics) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithClock sets the time source shared by every store
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger sets the registry logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New builds a registry from cfg. Standard stores missing from cfg are
// created with their default limits.
func New(cfg config.RegistryConfig, opts ...Option) (*Registry, error) {
	r := &Registry{
		stores:  make(map[string]*cache.Store[any]),
		members: make(map[string]Member),
		metrics: types.NoopMetrics{},
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")

	stores := append([]config.StoreConfig(nil), cfg.Stores...)
	for _, def := range config.DefaultStores() {
		if !hasStore(stores, def.Name) {
			stores = append(stores, def)
		}
	}

	for _, sc := range stores {
		if _, dup := r.stores[sc.Name]; dup {
			return nil, errors.NewError(errors.ErrCodeInvalidConfig, "duplicate store name").
				WithComponent("registry").
				WithDetail("store", sc.Name)
		}
		strategy, err := cache.ParseStrategy(sc.Strategy)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid store strategy", err).
				WithComponent("registry").
				WithDetail("store", sc.Name)
		}
		store := cache.New[any](cache.Options{
			Name:       sc.Name,
			Capacity:   sc.Capacity,
			DefaultTTL: sc.TTL,
			Strategy:   strategy,
			Metrics:    r.metrics,
			Clock:      r.clock,
			Logger:     r.logger,
		})
		r.stores[sc.Name] = store
		r.members[sc.Name] = store
		r.names = append(r.names, sc.Name)
	}
	sort.Strings(r.names)

	return r, nil
}

// snapshot returns every member in name order
func (r *Registry) snapshot() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.members[name])
	}
	return out
}

func (r *Registry) attachedMembers() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, len(r.attached))
	copy(out, r.attached)
	return out
}

func unknownStore(name string) error {
	return errors.NewError(errors.ErrCodeUnknownStore, "unknown store").
		WithComponent("registry").
		WithDetail("store", name)
}

func hasStore(stores []config.StoreConfig, name string) bool {
	for _, s := range stores {
		if s.Name == name {
			return true
		}
	}
	return false
}

func (r *Registry) API() *cache.Store[any]        { return r.stores[StoreAPI] }
func (r *Registry) Users() *cache.Store[any]      { return r.stores[StoreUser] }
func (r *Registry) Warehouses() *cache.Store[any] { return r.stores[StoreWarehouse] }
func (r *Registry) Dictionary() *cache.Store[any] { return r.stores[StoreDictionary] }
func (r *Registry) Config() *cache.Store[any]     { return r.stores[StoreConfig] }

// Store returns one of the registry's own stores. Attached stores are
// reached through Member.
func (r *Registry) Store(name string) (*cache.Store[any], error) {
	s, ok := r.stores[name]
	if !ok {
		return nil, unknownStore(name)
	}
	return s, nil
}

// Member returns the named store, owned or attached
func (r *Registry) Member(name string) (Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[name]
	if !ok {
		return nil, unknownStore(name)
	}
	return m, nil
}

// Attach adds a store built elsewhere, such as the adaptive loader's, so
// that sweeps, ClearAll, Stats and entity invalidation cover it too. Its
// keys are expected to follow the registry's key scheme.
func (r *Registry) Attach(m Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := m.Name()
	if _, dup := r.members[name]; dup {
		return errors.NewError(errors.ErrCodeInvalidConfig, "duplicate store name").
			WithComponent("registry").
			WithDetail("store", name)
	}
	r.members[name] = m
	r.attached = append(r.attached, m)
	r.names = append(r.names, name)
	sort.Strings(r.names)
	r.logger.Info("attached store", "store", name)
	return nil
}

// Names returns the store names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Clear empties the named store and returns how many live entries it held
func (r *Registry) Clear(name string) (int, error) {
	m, err := r.Member(name)
	if err != nil {
		return 0, err
	}
	n := m.Size()
	m.Clear()
	r.logger.Info("cleared store", "store", name, "removed", n)
	return n, nil
}

// ClearAll empties every store
func (r *Registry) ClearAll() {
	members := r.snapshot()
	for _, m := range members {
		m.Clear()
	}
	r.logger.Info("cleared all stores", "stores", len(members))
}

// Stats reports per-store statistics and totals
func (r *Registry) Stats() types.RegistryStats {
	members := r.snapshot()
	stats := types.RegistryStats{
		Stores: make(map[string]types.CacheStats, len(members)),
	}
	for _, m := range members {
		name := m.Name()
		s := m.Stats()
		stats.Stores[name] = s
		stats.TotalSize += s.Size
		stats.Hits += s.Hits
		stats.Misses += s.Misses
		stats.Evictions += s.Evictions
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Cleanup removes expired entries from every store
func (r *Registry) Cleanup() (int, map[string]int) {
	members := r.snapshot()
	perStore := make(map[string]int, len(members))
	total := 0
	for _, m := range members {
		n := m.Cleanup()
		perStore[m.Name()] = n
		total += n
	}
	if total > 0 {
		r.logger.Info("swept expired entries", "total", total, "per_store", perStore)
	}
	return total, perStore
}

// StartCleanup runs Cleanup every interval until the returned stop function
// is called. A sweep still running when the next tick fires causes that tick
// to be skipped. Stop may be called more than once and returns after the
// sweeper has exited.
func (r *Registry) StartCleanup(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	ticker := time.NewTicker(interval)

	go func() {
		defer close(exited)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-exited
	}
}

// sweep runs one Cleanup unless another is already in progress
func (r *Registry) sweep() bool {
	if !r.sweeping.CompareAndSwap(false, true) {
		r.logger.Debug("cleanup already running, skipping tick")
		return false
	}
	defer r.sweeping.Store(false)
	r.Cleanup()
	return true
}

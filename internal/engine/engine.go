package engine

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fleetwork/cacheengine/internal/admin"
	"github.com/fleetwork/cacheengine/internal/cache"
	"github.com/fleetwork/cacheengine/internal/circuit"
	"github.com/fleetwork/cacheengine/internal/config"
	"github.com/fleetwork/cacheengine/internal/loader"
	"github.com/fleetwork/cacheengine/internal/metrics"
	"github.com/fleetwork/cacheengine/internal/registry"
	"github.com/fleetwork/cacheengine/internal/storage"
	"github.com/fleetwork/cacheengine/internal/usage"
	"github.com/fleetwork/cacheengine/pkg/errors"
	"github.com/fleetwork/cacheengine/pkg/types"
)

// LoaderStoreName names the store that backs the adaptive loader
const LoaderStoreName = "loader"

// Engine owns every long-lived component and their lifecycle
type Engine struct {
	config *config.Configuration
	logger *slog.Logger

	registry  *registry.Registry
	tracker   *usage.Tracker
	collector *metrics.Collector
	admin     *admin.Server

	loadStore *cache.Store[any]
	backend   loaderBackend
	flights   singleflight.Group
	tier      storage.KeyValueStore
	breaker   *circuit.Breaker
	repo      *usage.GormRepository
	repoState string

	mu        sync.Mutex
	started   bool
	stopSweep func()
	cancel    context.CancelFunc
}

// loaderBackend is what the loader reads through and the registry sweeps
type loaderBackend interface {
	loader.Backend
	registry.Member
}

// Option configures an Engine
type Option func(*options)

type options struct {
	logger *slog.Logger
	tier   storage.KeyValueStore
	clock  func() time.Time
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTier uses tier as the persistent layer instead of the one the
// configuration selects
func WithTier(tier storage.KeyValueStore) Option {
	return func(o *options) { o.tier = tier }
}

// WithClock sets the time source of every store and the tracker
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// New builds the engine described by cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Configuration, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		config: cfg,
		logger: o.logger.With("component", "engine"),
	}

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:        cfg.Metrics.Enabled,
		Port:           e.metricsPort(),
		Path:           cfg.Metrics.Path,
		Namespace:      cfg.Metrics.Namespace,
		UpdateInterval: 15 * time.Second,
		Labels:         map[string]string{},
	})
	if err != nil {
		return nil, err
	}
	e.collector = collector

	e.registry, err = registry.New(cfg.Registry,
		registry.WithMetrics(collector),
		registry.WithClock(o.clock),
		registry.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	if cfg.Usage.Enabled {
		e.tracker = usage.NewTracker(e.openRepository(),
			usage.WithPolicy(usage.WeightPolicy{
				HalfLife:   cfg.Usage.HalfLife,
				MinTTL:     cfg.Usage.MinTTL,
				MaxTTL:     cfg.Usage.MaxTTL,
				Saturation: cfg.Usage.Saturation,
			}),
			usage.WithHighPriorityLimit(cfg.Usage.HighPriorityLimit),
			usage.WithClock(o.clock),
			usage.WithLogger(o.logger))
	}

	e.loadStore = cache.New[any](cache.Options{
		Name:       LoaderStoreName,
		Capacity:   cfg.Loader.StoreCapacity,
		DefaultTTL: cfg.Loader.DefaultTTL,
		Strategy:   types.StrategyLRU,
		Metrics:    collector,
		Clock:      o.clock,
		Logger:     o.logger,
	})

	e.tier = o.tier
	if e.tier == nil {
		if e.tier, err = openTier(ctx, cfg.Storage, o.logger); err != nil {
			e.closeRepository()
			return nil, err
		}
	}
	if e.tier != nil {
		e.breaker = circuit.New("tier", circuit.Config{
			FailureThreshold: uint32(cfg.Storage.Breaker.FailureThreshold),
			Timeout:          cfg.Storage.Breaker.RetryAfter,
			Clock:            o.clock,
			OnStateChange: func(name string, from, to circuit.State) {
				e.logger.Warn("tier breaker changed state", "breaker", name, "from", from, "to", to)
			},
		})
		e.backend = storage.NewLayered(e.loadStore, e.tier,
			storage.WithTierTimeout(cfg.Storage.Timeout),
			storage.WithBreaker(e.breaker),
			storage.WithLayeredClock(o.clock),
			storage.WithLayeredLogger(o.logger))
	} else {
		e.backend = e.loadStore
	}
	if err := e.registry.Attach(e.backend); err != nil {
		e.closeTier()
		e.closeRepository()
		return nil, err
	}
	for _, name := range e.registry.Names() {
		m, _ := e.registry.Member(name)
		collector.Watch(name, m)
	}

	if cfg.Admin.Enabled {
		adminOpts := []admin.Option{admin.WithLogger(o.logger)}
		if collector.Enabled() {
			adminOpts = append(adminOpts, admin.WithMetricsHandler(collector.Handler()))
		}
		if e.breaker != nil {
			adminOpts = append(adminOpts, admin.WithHealthCheck("tier", e.tierHealth))
		}
		if e.tracker != nil {
			adminOpts = append(adminOpts, admin.WithHealthCheck("usage_store", e.usageHealth))
		}
		e.admin = admin.NewServer(cfg.Admin, e.registry, e.tracker, adminOpts...)
	}

	return e, nil
}

// Registry returns the named stores
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Tracker returns the usage tracker, nil when usage tracking is disabled
func (e *Engine) Tracker() *usage.Tracker { return e.tracker }

// Metrics returns the collector
func (e *Engine) Metrics() *metrics.Collector { return e.collector }

// Admin returns the admin server, nil when disabled
func (e *Engine) Admin() *admin.Server { return e.admin }

// Loader returns an adaptive loader that derives TTLs from userID's usage.
// Loaders for different users share one backing store and one set of
// in-flight loads.
func (e *Engine) Loader(userID, tenantID string) *loader.Loader {
	var weights loader.WeightSource
	if e.tracker != nil {
		weights = e.tracker.Session(userID, tenantID)
	}
	return loader.New(e.backend, weights,
		loader.WithGroup(&e.flights),
		loader.WithLogger(e.logger),
		loader.WithMetrics(e.collector),
		loader.WithBatchSize(e.config.Loader.BatchSize),
		loader.WithDefaultTTL(e.config.Loader.DefaultTTL))
}

// Preload warms the loader store with userID's most used features
func (e *Engine) Preload(ctx context.Context, userID, tenantID string, reqs []loader.Request) loader.PreloadReport {
	return e.Loader(userID, tenantID).PreloadTop(ctx, e.config.Loader.PreloadCount, reqs)
}

// Start launches the sweeper, metrics sampling and the admin server
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.NewError(errors.ErrCodeInternalError, "engine already started").WithComponent("engine")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := e.collector.Start(runCtx); err != nil {
		cancel()
		return err
	}
	e.cancel = cancel
	e.stopSweep = e.registry.StartCleanup(e.config.Registry.CleanupInterval)
	if e.admin != nil {
		e.admin.StartBackground()
	}
	e.started = true

	e.logger.Info("engine started",
		"stores", len(e.registry.Names()),
		"usage", e.tracker != nil,
		"tier", e.config.Storage.Backend,
		"admin", e.admin != nil)
	return nil
}

// Stop shuts every component down. It is safe to call without Start and
// more than once.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if e.started {
		if e.admin != nil {
			if err := e.admin.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		e.stopSweep()
		e.cancel()
		if err := e.collector.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		e.started = false
	}

	if e.tracker != nil {
		e.tracker.Close(ctx)
	}
	if err := e.closeTier(); err != nil {
		errs = append(errs, err)
	}
	if err := e.closeRepository(); err != nil {
		errs = append(errs, err)
	}

	e.logger.Info("engine stopped")
	return stderrors.Join(errs...)
}

// Helper methods

// metricsPort is 0 when the admin server serves /metrics
func (e *Engine) metricsPort() int {
	if e.config.Admin.Enabled {
		return 0
	}
	return e.config.Metrics.Port
}

func (e *Engine) openRepository() usage.Repository {
	path := e.config.Usage.DatabasePath
	if path == "" {
		e.repoState = "memory"
		return usage.NewMemoryRepository()
	}
	repo, err := usage.OpenSQLite(path)
	if err != nil {
		e.logger.Warn("usage database unavailable, keeping weights in memory", "path", path, "error", err)
		e.repoState = "memory_fallback"
		return usage.NewMemoryRepository()
	}
	e.repo = repo
	e.repoState = "sqlite"
	return repo
}

// tierHealth is degraded while the breaker keeps the tier out of the path
func (e *Engine) tierHealth() (string, bool) {
	state := e.breaker.State()
	return strings.ToLower(state.String()), state != circuit.StateOpen
}

func (e *Engine) usageHealth() (string, bool) {
	return e.repoState, e.repoState != "memory_fallback"
}

func (e *Engine) closeTier() error {
	if e.tier == nil {
		return nil
	}
	err := e.tier.Close()
	e.tier = nil
	return err
}

func (e *Engine) closeRepository() error {
	if e.repo == nil {
		return nil
	}
	err := e.repo.Close()
	e.repo = nil
	return err
}

func openTier(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.KeyValueStore, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "file":
		store, err := storage.NewFileStore(storage.FileConfig{
			Directory:       cfg.File.Directory,
			Compression:     cfg.File.Compression,
			CleanupInterval: cfg.File.CleanupInterval,
			SyncInterval:    cfg.File.SyncInterval,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "s3":
		store, err := storage.NewS3Store(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			ForcePathStyle:  cfg.S3.ForcePathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		}, storage.WithS3Logger(logger))
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "unknown storage backend").
			WithComponent("engine").
			WithDetail("backend", cfg.Backend)
	}
}

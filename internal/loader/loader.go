package loader

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fleetwork/cacheengine/pkg/errors"
	"github.com/fleetwork/cacheengine/pkg/types"
)

const (
	// DefaultTTL applies when neither the weight source nor the request names one
	DefaultTTL = 5 * time.Minute
	// DefaultBatchSize bounds how many preloads run together
	DefaultBatchSize = 3
	// DefaultPreloadCount is the number of top features PreloadTop considers
	DefaultPreloadCount = 5
)

// Backend is where loaded values are cached
type Backend interface {
	Get(key string) (any, bool)
	SetWithTTL(key string, value any, ttl time.Duration)
}

// WeightSource reports per-feature usage weights
type WeightSource interface {
	LookupTTL(feature types.Feature) (time.Duration, bool)
	HighPriorityFeatures(limit int) []types.FeatureWeight
	WeightOf(feature types.Feature) float64
}

// Request describes one load
type Request struct {
	Feature    types.Feature
	CacheKey   string
	Load       func(ctx context.Context) (any, error)
	DefaultTTL time.Duration
}

// Result is the outcome of a successful load
type Result struct {
	Data      any
	FromCache bool
	LoadTime  time.Duration
}

// Loader serves feature data from a Backend, loading misses at most once
// per key at a time and caching them for a usage-derived TTL.
type Loader struct {
	backend Backend
	weights WeightSource
	group   *singleflight.Group

	clock      func() time.Time
	logger     *slog.Logger
	metrics    types.LoadMetrics
	batchSize  int
	defaultTTL time.Duration
}

// Option configures a Loader
type Option func(*Loader)

func WithClock(clock func() time.Time) Option {
	return func(l *Loader) {
		if clock != nil {
			l.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m types.LoadMetrics) Option {
	return func(l *Loader) {
		if m != nil {
			l.metrics = m
		}
	}
}

func WithBatchSize(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// WithGroup shares in-flight loads with every other loader built with g.
// Loaders over one backend need one group, or the same key can load twice.
func WithGroup(g *singleflight.Group) Option {
	return func(l *Loader) {
		if g != nil {
			l.group = g
		}
	}
}

func WithDefaultTTL(ttl time.Duration) Option {
	return func(l *Loader) {
		if ttl > 0 {
			l.defaultTTL = ttl
		}
	}
}

// New creates a loader. A nil weights source makes every feature use the
// request or loader default TTL.
func New(backend Backend, weights WeightSource, opts ...Option) *Loader {
	if weights == nil {
		weights = noWeights{}
	}
	l := &Loader{
		backend:    backend,
		weights:    weights,
		group:      &singleflight.Group{},
		clock:      time.Now,
		logger:     slog.Default(),
		metrics:    types.NoopMetrics{},
		batchSize:  DefaultBatchSize,
		defaultTTL: DefaultTTL,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "loader")
	return l
}

// ResolveTTL picks the TTL a load of req would be cached for
func (l *Loader) ResolveTTL(req Request) time.Duration {
	if ttl, ok := l.weights.LookupTTL(req.Feature); ok && ttl > 0 {
		return ttl
	}
	if req.DefaultTTL > 0 {
		return req.DefaultTTL
	}
	return l.defaultTTL
}

type flightResult struct {
	data      any
	fromCache bool
}

// Load returns the cached value for req.CacheKey or loads it. Concurrent
// loads of one key share a single call to req.Load; failures are returned
// to all of them and nothing is cached.
func (l *Loader) Load(ctx context.Context, req Request) (Result, error) {
	start := l.clock()
	if req.Load == nil {
		return Result{}, errors.NewError(errors.ErrCodeValidationFailed, "request has no load function").
			WithComponent("loader").
			WithDetail("feature", string(req.Feature))
	}

	ttl := l.ResolveTTL(req)

	if strings.TrimSpace(req.CacheKey) == "" {
		data, err := req.Load(ctx)
		return l.finish(req, start, data, false, l.wrap(req, err))
	}

	if data, ok := l.backend.Get(req.CacheKey); ok {
		return l.finish(req, start, data, true, nil)
	}

	ch := l.group.DoChan(req.CacheKey, func() (interface{}, error) {
		// Stored by a flight that completed after our miss.
		if data, ok := l.backend.Get(req.CacheKey); ok {
			return flightResult{data: data, fromCache: true}, nil
		}
		data, err := req.Load(ctx)
		if err != nil {
			return nil, err
		}
		l.backend.SetWithTTL(req.CacheKey, data, ttl)
		return flightResult{data: data}, nil
	})

	select {
	case <-ctx.Done():
		return l.finish(req, start, nil, false, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return l.finish(req, start, nil, false, l.wrap(req, res.Err))
		}
		fr, _ := res.Val.(flightResult)
		return l.finish(req, start, fr.data, fr.fromCache, nil)
	}
}

// LoadAs is Load with the value asserted to T
func LoadAs[T any](ctx context.Context, l *Loader, req Request) (T, Result, error) {
	var zero T
	res, err := l.Load(ctx, req)
	if err != nil {
		return zero, res, err
	}
	if res.Data == nil {
		return zero, res, nil
	}
	v, ok := res.Data.(T)
	if !ok {
		return zero, res, errors.NewError(errors.ErrCodeValidationFailed,
			fmt.Sprintf("cached value is %T, not %T", res.Data, zero)).
			WithComponent("loader").
			WithDetail("key", req.CacheKey)
	}
	return v, res, nil
}

// Helper methods

func (l *Loader) finish(req Request, start time.Time, data any, fromCache bool, err error) (Result, error) {
	elapsed := l.clock().Sub(start)
	l.metrics.RecordLoad(req.Feature, elapsed, fromCache, err)
	if err != nil {
		l.logger.Warn("load failed", "feature", req.Feature, "key", req.CacheKey, "error", err)
		return Result{LoadTime: elapsed}, err
	}
	return Result{Data: data, FromCache: fromCache, LoadTime: elapsed}, nil
}

func (l *Loader) wrap(req Request, err error) error {
	if err == nil {
		return nil
	}
	if errors.HasCode(err, errors.ErrCodeLoaderFailed) {
		return err
	}
	return errors.Wrap(errors.ErrCodeLoaderFailed, "load failed", err).
		WithComponent("loader").
		WithDetail("feature", string(req.Feature)).
		WithDetail("key", req.CacheKey)
}

type noWeights struct{}

func (noWeights) LookupTTL(types.Feature) (time.Duration, bool)  { return 0, false }
func (noWeights) HighPriorityFeatures(int) []types.FeatureWeight { return nil }
func (noWeights) WeightOf(types.Feature) float64                 { return 0 }

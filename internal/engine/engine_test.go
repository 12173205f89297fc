package engine

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwork/cacheengine/internal/config"
	"github.com/fleetwork/cacheengine/internal/loader"
	"github.com/fleetwork/cacheengine/pkg/errors"
	"github.com/fleetwork/cacheengine/pkg/types"
	"github.com/fleetwork/cacheengine/pkg/utils"
)

func testConfig(t *testing.T) *config.Configuration {
	t.Helper()
	dir := t.TempDir()

	cfg := config.NewDefault()
	cfg.Usage.DatabasePath = filepath.Join(dir, "usage.db")
	cfg.Storage.Backend = "file"
	cfg.Storage.File.Directory = filepath.Join(dir, "tier")
	cfg.Admin.Address = "127.0.0.1:0"
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Configuration) *Engine {
	t.Helper()
	e, err := New(context.Background(), cfg, WithLogger(utils.DiscardLogger()))
	require.NoError(t, err)
	return e
}

func TestNew_WiresComponents(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	defer func() { require.NoError(t, e.Stop(context.Background())) }()

	assert.Len(t, e.Registry().Names(), 6)
	assert.Contains(t, e.Registry().Names(), LoaderStoreName)
	assert.NotNil(t, e.Tracker())
	assert.NotNil(t, e.Admin())
	assert.True(t, e.Metrics().Enabled())

	_, ok := e.Registry().API().Get("api:/vehicles")
	assert.False(t, ok)

	w := httptest.NewRecorder()
	e.Admin().Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `cacheengine_cache_requests_total{result="miss",store="api"} 1`)

	w = httptest.NewRecorder()
	e.Admin().Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tier":"closed"`)
	assert.Contains(t, w.Body.String(), `"usage_store":"sqlite"`)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Loader.BatchSize = 0

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfigValidation))
}

func TestLoader_UsesUsageTTL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "none"
	e := newTestEngine(t, cfg)
	defer e.Stop(context.Background())

	ctx := context.Background()
	session := e.Tracker().Session("u1", "")
	for i := 0; i < 10; i++ {
		session.RecordAction(ctx, types.FeatureVehicles, types.ActionView, "/vehicles")
	}

	req := loader.Request{
		Feature:  types.FeatureVehicles,
		CacheKey: "vehicles:list",
		Load:     func(context.Context) (any, error) { return []string{"truck-7"}, nil },
	}
	l := e.Loader("u1", "")
	assert.Equal(t, session.CacheTTLFor(types.FeatureVehicles), l.ResolveTTL(req))
	assert.Greater(t, l.ResolveTTL(req), cfg.Loader.DefaultTTL)

	first, err := l.Load(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := e.Loader("u2", "").Load(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.FromCache, "loaders share one backing store")

	summary := e.Metrics().LoadSummaries()[types.FeatureVehicles]
	assert.Equal(t, int64(2), summary.Count)
	assert.Equal(t, int64(1), summary.FromCache)
}

func TestLoader_SharesInFlightLoads(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "none"
	e := newTestEngine(t, cfg)
	defer e.Stop(context.Background())

	var calls atomic.Int32
	release := make(chan struct{})
	req := loader.Request{
		Feature:  types.FeatureVehicles,
		CacheKey: "vehicles:list",
		Load: func(context.Context) (any, error) {
			calls.Add(1)
			<-release
			return []string{"truck-7"}, nil
		},
	}

	const workers = 4
	var started, wg sync.WaitGroup
	started.Add(workers)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			l := e.Loader("u1", "")
			started.Done()
			_, err := l.Load(context.Background(), req)
			assert.NoError(t, err)
		}()
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "separate loader handles share in-flight loads")
}

func TestLoaderStoreIsRegistered(t *testing.T) {
	for _, backend := range []string{"none", "file"} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Storage.Backend = backend
			e := newTestEngine(t, cfg)
			defer e.Stop(context.Background())

			ctx := context.Background()
			load := func(context.Context) (any, error) { return "v", nil }
			for _, key := range []string{"user:7", "vehicles:list"} {
				_, err := e.Loader("u1", "").Load(ctx, loader.Request{Feature: types.FeatureVehicles, CacheKey: key, Load: load})
				require.NoError(t, err)
			}

			stats := e.Registry().Stats()
			require.Contains(t, stats.Stores, LoaderStoreName)
			assert.Equal(t, 2, stats.Stores[LoaderStoreName].Size)

			e.Registry().InvalidateUser("7")
			assert.False(t, e.loadStore.Has("user:7"), "entity invalidation reaches the loader store")
			assert.True(t, e.loadStore.Has("vehicles:list"))

			e.Registry().ClearAll()
			assert.Zero(t, e.loadStore.Size())
			calls := 0
			res, err := e.Loader("u1", "").Load(ctx, loader.Request{
				Feature:  types.FeatureVehicles,
				CacheKey: "vehicles:list",
				Load: func(context.Context) (any, error) {
					calls++
					return "fresh", nil
				},
			})
			require.NoError(t, err)
			assert.False(t, res.FromCache, "cleared entries are not read back from the tier")
			assert.Equal(t, 1, calls)
		})
	}
}

func TestLoader_WithoutUsage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Usage.Enabled = false
	cfg.Storage.Backend = "none"
	e := newTestEngine(t, cfg)
	defer e.Stop(context.Background())

	assert.Nil(t, e.Tracker())
	req := loader.Request{Feature: types.FeatureProfile, CacheKey: "profile:u1"}
	assert.Equal(t, cfg.Loader.DefaultTTL, e.Loader("u1", "").ResolveTTL(req))
}

func TestPreload(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "none"
	cfg.Loader.PreloadCount = 1
	e := newTestEngine(t, cfg)
	defer e.Stop(context.Background())

	ctx := context.Background()
	session := e.Tracker().Session("u1", "")
	session.RecordView(ctx, types.FeatureAttendance, "/attendance")
	session.RecordView(ctx, types.FeatureAttendance, "/attendance")
	session.RecordView(ctx, types.FeatureFeedback, "/feedback")

	value := func(v string) func(context.Context) (any, error) {
		return func(context.Context) (any, error) { return v, nil }
	}
	report := e.Preload(ctx, "u1", "", []loader.Request{
		{Feature: types.FeatureAttendance, CacheKey: "attendance:today", Load: value("present")},
		{Feature: types.FeatureFeedback, CacheKey: "feedback:open", Load: value("none")},
	})

	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, report.Loaded)
	assert.True(t, e.loadStore.Has("attendance:today"))
	assert.False(t, e.loadStore.Has("feedback:open"))
}

func TestFileTierSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	first := newTestEngine(t, cfg)
	first.Tracker().Session("u1", "").RecordView(ctx, types.FeatureWarehouseManagement, "/warehouses")
	_, err := first.Loader("u1", "").Load(ctx, loader.Request{
		Feature:  types.FeatureWarehouseManagement,
		CacheKey: "warehouses:active",
		Load:     func(context.Context) (any, error) { return "north", nil },
	})
	require.NoError(t, err)
	require.NoError(t, first.Stop(ctx))

	second := newTestEngine(t, cfg)
	defer second.Stop(ctx)

	res, err := second.Loader("u1", "").Load(ctx, loader.Request{
		Feature:  types.FeatureWarehouseManagement,
		CacheKey: "warehouses:active",
		Load: func(context.Context) (any, error) {
			return nil, stderrors.New("origin must not be called")
		},
	})
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, "north", res.Data)
	assert.Greater(t, second.Tracker().Session("u1", "").WeightOf(types.FeatureWarehouseManagement), 0.0)
}

func TestStartStop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Registry.CleanupInterval = time.Hour
	e := newTestEngine(t, cfg)

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	assert.Error(t, e.Start(ctx))

	require.NoError(t, e.Stop(ctx))
	require.NoError(t, e.Stop(ctx))
}

func TestWithTierOverridesConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "none"
	tier := &countingTier{data: map[string][]byte{}}

	e, err := New(context.Background(), cfg, WithLogger(utils.DiscardLogger()), WithTier(tier))
	require.NoError(t, err)

	_, err = e.Loader("", "").Load(context.Background(), loader.Request{
		Feature:  types.FeatureNotifications,
		CacheKey: "notifications:unread",
		Load:     func(context.Context) (any, error) { return 3, nil },
	})
	require.NoError(t, err)
	assert.Equal(t, 1, tier.sets)

	require.NoError(t, e.Stop(context.Background()))
	assert.True(t, tier.closed)
}

type countingTier struct {
	data   map[string][]byte
	sets   int
	closed bool
}

func (c *countingTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *countingTier) Set(_ context.Context, key string, data []byte, _ time.Duration) error {
	c.sets++
	c.data[key] = data
	return nil
}

func (c *countingTier) Remove(_ context.Context, key string) error {
	delete(c.data, key)
	return nil
}

func (c *countingTier) Close() error {
	c.closed = true
	return nil
}

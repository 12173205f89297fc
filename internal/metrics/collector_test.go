package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	engerrors "github.com/fleetwork/cacheengine/pkg/errors"
	"github.com/fleetwork/cacheengine/pkg/types"
)

var (
	_ types.CacheMetrics = (*Collector)(nil)
	_ types.LoadMetrics  = (*Collector)(nil)
)

type staticStats types.CacheStats

func (s staticStats) Stats() types.CacheStats { return types.CacheStats(s) }

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("with valid config", func(t *testing.T) {
		config := &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "cacheengine",
			Subsystem: "test",
		}
		collector, err := NewCollector(config)
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector.config != config {
			t.Error("collector.config does not match input config")
		}
		if collector.registry == nil {
			t.Error("collector.registry is nil")
		}
		if collector.loads == nil {
			t.Error("collector.loads map is nil")
		}
	})

	t.Run("with nil config uses defaults", func(t *testing.T) {
		collector, err := NewCollector(nil)
		if err != nil {
			t.Fatalf("NewCollector(nil) error = %v, want nil", err)
		}
		if collector.config.Port != 9090 {
			t.Errorf("default port = %d, want 9090", collector.config.Port)
		}
		if collector.config.Path != "/metrics" {
			t.Errorf("default path = %q, want %q", collector.config.Path, "/metrics")
		}
		if collector.config.Namespace != "cacheengine" {
			t.Errorf("default namespace = %q, want %q", collector.config.Namespace, "cacheengine")
		}
	})

	t.Run("with disabled config", func(t *testing.T) {
		collector, err := NewCollector(&Config{Enabled: false})
		if err != nil {
			t.Fatalf("NewCollector() error = %v, want nil", err)
		}
		if collector.registry != nil {
			t.Error("disabled collector should not have registry")
		}

		// Recording on a disabled collector must not panic.
		collector.RecordHit("api")
		collector.RecordLoad(types.FeatureDashboard, time.Millisecond, false, nil)
		if got := len(collector.LoadSummaries()); got != 0 {
			t.Errorf("disabled collector tracked %d features, want 0", got)
		}
	})
}

func TestCacheEvents(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(DefaultConfig())
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.RecordHit("api")
	collector.RecordHit("api")
	collector.RecordMiss("api")
	collector.RecordEviction("user")
	collector.RecordExpired("user", 3)
	collector.RecordExpired("user", 0)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"api hits", testutil.ToFloat64(collector.cacheRequests.WithLabelValues("api", "hit")), 2},
		{"api misses", testutil.ToFloat64(collector.cacheRequests.WithLabelValues("api", "miss")), 1},
		{"user evictions", testutil.ToFloat64(collector.cacheEvictions.WithLabelValues("user")), 1},
		{"user expirations", testutil.ToFloat64(collector.cacheExpirations.WithLabelValues("user")), 3},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestRecordLoad(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(DefaultConfig())
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	loadErr := engerrors.NewError(engerrors.ErrCodeLoaderFailed, "origin down")
	collector.RecordLoad(types.FeatureVehicles, 10*time.Millisecond, false, nil)
	collector.RecordLoad(types.FeatureVehicles, 2*time.Millisecond, true, nil)
	collector.RecordLoad(types.FeatureVehicles, 30*time.Millisecond, false, loadErr)

	summary, ok := collector.LoadSummaries()[types.FeatureVehicles]
	if !ok {
		t.Fatal("no summary recorded for vehicles")
	}
	if summary.Count != 3 {
		t.Errorf("Count = %d, want 3", summary.Count)
	}
	if summary.FromCache != 1 {
		t.Errorf("FromCache = %d, want 1", summary.FromCache)
	}
	if summary.Errors != 1 {
		t.Errorf("Errors = %d, want 1", summary.Errors)
	}
	if summary.AvgDuration != 14*time.Millisecond {
		t.Errorf("AvgDuration = %v, want 14ms", summary.AvgDuration)
	}

	if got := testutil.ToFloat64(collector.loadCounter.WithLabelValues("vehicles", "origin", "success")); got != 1 {
		t.Errorf("origin successes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.loadCounter.WithLabelValues("vehicles", "origin", "error")); got != 1 {
		t.Errorf("origin errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.errorCounter.WithLabelValues("load", "load")); got != 1 {
		t.Errorf("load errors = %v, want 1", got)
	}

	collector.ResetMetrics()
	if got := len(collector.LoadSummaries()); got != 0 {
		t.Errorf("after reset %d summaries remain", got)
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"engine storage error", engerrors.NewError(engerrors.ErrCodeStorageRead, "read"), "storage"},
		{"wrapped config error", engerrors.Wrap(engerrors.ErrCodeConfigLoad, "load", errors.New("eof")), "configuration"},
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"canceled", context.Canceled, "canceled"},
		{"plain", errors.New("boom"), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyError(tt.err); got != tt.want {
				t.Errorf("classifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWatchUpdatesGauges(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(DefaultConfig())
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	collector.Watch("dictionary", staticStats{Name: "dictionary", Size: 12, HitRate: 0.75})
	collector.updatePeriodicMetrics()

	if got := testutil.ToFloat64(collector.cacheEntries.WithLabelValues("dictionary")); got != 12 {
		t.Errorf("cache_entries = %v, want 12", got)
	}
	if got := testutil.ToFloat64(collector.cacheHitRate.WithLabelValues("dictionary")); got != 0.75 {
		t.Errorf("cache_hit_ratio = %v, want 0.75", got)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()

	t.Run("exposes registered metrics", func(t *testing.T) {
		collector, err := NewCollector(DefaultConfig())
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}
		collector.RecordHit("config")

		rec := httptest.NewRecorder()
		collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "cacheengine_cache_requests_total") {
			t.Error("response does not contain cache_requests_total")
		}
	})

	t.Run("disabled collector returns not found", func(t *testing.T) {
		collector, _ := NewCollector(&Config{Enabled: false})

		rec := httptest.NewRecorder()
		collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestDebugLoadsHandler(t *testing.T) {
	t.Parallel()

	collector, err := NewCollector(DefaultConfig())
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	collector.RecordLoad(types.FeatureProfile, time.Millisecond, true, nil)

	rec := httptest.NewRecorder()
	collector.debugLoadsHandler(rec, httptest.NewRequest(http.MethodGet, "/debug/loads", nil))

	var body struct {
		Features []string `json:"features"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Features) != 1 || body.Features[0] != "profile" {
		t.Errorf("features = %v, want [profile]", body.Features)
	}
}

func TestStartStopDisabled(t *testing.T) {
	t.Parallel()

	collector, _ := NewCollector(&Config{Enabled: false})
	if err := collector.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := collector.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestStartWithoutListener(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.Port = 0
	collector, err := NewCollector(config)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := collector.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if collector.server != nil {
		t.Error("collector started a listener with port 0")
	}
	if err := collector.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

package metrics

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetwork/cacheengine/pkg/errors"
	"github.com/fleetwork/cacheengine/pkg/types"
)

// Collector exports cache and loader activity to Prometheus. It satisfies
// types.CacheMetrics and types.LoadMetrics, so it can be handed directly to
// the registry and the loader.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *slog.Logger

	// Prometheus metrics
	cacheRequests    *prometheus.CounterVec
	cacheEvictions   *prometheus.CounterVec
	cacheExpirations *prometheus.CounterVec
	cacheEntries     *prometheus.GaugeVec
	cacheHitRate     *prometheus.GaugeVec
	loadCounter      *prometheus.CounterVec
	loadDuration     *prometheus.HistogramVec
	errorCounter     *prometheus.CounterVec

	// Internal tracking
	loads     map[types.Feature]*LoadSummary
	sources   map[string]types.StatsProvider
	lastReset time.Time

	// HTTP server for metrics endpoint
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled        bool              `yaml:"enabled"`
	Port           int               `yaml:"port"`
	Path           string            `yaml:"path"`
	Labels         map[string]string `yaml:"labels"`
	Namespace      string            `yaml:"namespace"`
	Subsystem      string            `yaml:"subsystem"`
	UpdateInterval time.Duration     `yaml:"update_interval"`
}

// LoadSummary tracks loader outcomes for one feature
type LoadSummary struct {
	Count         int64         `json:"count"`
	FromCache     int64         `json:"from_cache"`
	Errors        int64         `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastLoad      time.Time     `json:"last_load"`
}

// DefaultConfig returns the configuration used when none is given
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		Port:           9090,
		Path:           "/metrics",
		Namespace:      "cacheengine",
		UpdateInterval: 15 * time.Second,
		Labels:         make(map[string]string),
	}
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.UpdateInterval <= 0 {
		config.UpdateInterval = 15 * time.Second
	}

	collector := &Collector{
		config:    config,
		logger:    slog.Default().With("component", "metrics"),
		loads:     make(map[types.Feature]*LoadSummary),
		sources:   make(map[string]types.StatsProvider),
		lastReset: time.Now(),
	}
	if !config.Enabled {
		return collector, nil
	}

	collector.registry = prometheus.NewRegistry()
	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternalError, "failed to register metrics", err).
			WithComponent("metrics")
	}

	return collector, nil
}

// Enabled reports whether events are being recorded
func (c *Collector) Enabled() bool {
	return c.config.Enabled
}

// Watch samples source's size and hit rate on every update tick under name
func (c *Collector) Watch(name string, source types.StatsProvider) {
	c.mu.Lock()
	c.sources[name] = source
	c.mu.Unlock()
}

// Handler serves the metrics in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	if !c.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Start starts the sampling loop and, when a port is configured, the metrics
// server. With port 0 the caller mounts Handler itself.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	go c.updateLoop(ctx)
	if c.config.Port == 0 {
		c.logger.Info("metrics sampling started", "listener", false)
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/loads", c.debugLoadsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server error", "error", err)
		}
	}()

	c.logger.Info("metrics server started", "port", c.config.Port, "path", c.config.Path)
	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordHit records a cache hit in store
func (c *Collector) RecordHit(store string) {
	if !c.config.Enabled {
		return
	}
	c.cacheRequests.With(prometheus.Labels{"store": store, "result": "hit"}).Inc()
}

// RecordMiss records a cache miss in store
func (c *Collector) RecordMiss(store string) {
	if !c.config.Enabled {
		return
	}
	c.cacheRequests.With(prometheus.Labels{"store": store, "result": "miss"}).Inc()
}

// RecordEviction records a capacity eviction in store
func (c *Collector) RecordEviction(store string) {
	if !c.config.Enabled {
		return
	}
	c.cacheEvictions.With(prometheus.Labels{"store": store}).Inc()
}

// RecordExpired records n expired entries removed from store
func (c *Collector) RecordExpired(store string, n int) {
	if !c.config.Enabled || n <= 0 {
		return
	}
	c.cacheExpirations.With(prometheus.Labels{"store": store}).Add(float64(n))
}

// RecordLoad records one adaptive loader outcome
func (c *Collector) RecordLoad(feature types.Feature, duration time.Duration, fromCache bool, err error) {
	if !c.config.Enabled {
		return
	}

	source := "origin"
	if fromCache {
		source = "cache"
	}
	status := "success"
	if err != nil {
		status = "error"
	}

	c.mu.Lock()
	summary, exists := c.loads[feature]
	if !exists {
		summary = &LoadSummary{}
		c.loads[feature] = summary
	}
	summary.Count++
	summary.TotalDuration += duration
	summary.AvgDuration = time.Duration(int64(summary.TotalDuration) / summary.Count)
	summary.LastLoad = time.Now()
	if fromCache {
		summary.FromCache++
	}
	if err != nil {
		summary.Errors++
	}
	c.mu.Unlock()

	c.loadCounter.With(prometheus.Labels{
		"feature": string(feature),
		"source":  source,
		"status":  status,
	}).Inc()
	c.loadDuration.With(prometheus.Labels{
		"feature": string(feature),
		"source":  source,
	}).Observe(duration.Seconds())

	if err != nil {
		c.RecordError("load", err)
	}
}

// RecordError records an error
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled || err == nil {
		return
	}

	c.errorCounter.With(prometheus.Labels{
		"operation": operation,
		"type":      classifyError(err),
	}).Inc()
}

// LoadSummaries returns a copy of the per-feature loader summaries
func (c *Collector) LoadSummaries() map[types.Feature]LoadSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[types.Feature]LoadSummary, len(c.loads))
	for feature, s := range c.loads {
		out[feature] = *s
	}
	return out
}

// ResetMetrics resets the internal summaries
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.loads = make(map[types.Feature]*LoadSummary)
	c.lastReset = time.Now()
}

// Helper methods

func (c *Collector) initMetrics() {
	constLabels := prometheus.Labels(c.config.Labels)

	// Cache metrics
	c.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "cache_requests_total",
			Help:        "Total number of cache lookups by store and result",
			ConstLabels: constLabels,
		},
		[]string{"store", "result"},
	)

	c.cacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "cache_evictions_total",
			Help:        "Total number of entries evicted to make room",
			ConstLabels: constLabels,
		},
		[]string{"store"},
	)

	c.cacheExpirations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "cache_expirations_total",
			Help:        "Total number of expired entries removed",
			ConstLabels: constLabels,
		},
		[]string{"store"},
	)

	c.cacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "cache_entries",
			Help:        "Live entries per store",
			ConstLabels: constLabels,
		},
		[]string{"store"},
	)

	c.cacheHitRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "cache_hit_ratio",
			Help:        "Hits over lookups per store since start",
			ConstLabels: constLabels,
		},
		[]string{"store"},
	)

	// Loader metrics
	c.loadCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "loads_total",
			Help:        "Total number of adaptive loads",
			ConstLabels: constLabels,
		},
		[]string{"feature", "source", "status"},
	)

	c.loadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "load_duration_seconds",
			Help:        "Duration of adaptive loads in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 15), // 0.5ms to ~8s
			ConstLabels: constLabels,
		},
		[]string{"feature", "source"},
	)

	// Error metrics
	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "errors_total",
			Help:        "Total number of errors",
			ConstLabels: constLabels,
		},
		[]string{"operation", "type"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.cacheRequests,
		c.cacheEvictions,
		c.cacheExpirations,
		c.cacheEntries,
		c.cacheHitRate,
		c.loadCounter,
		c.loadDuration,
		c.errorCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// classifyError maps an error to a low-cardinality label
func classifyError(err error) string {
	switch {
	case errors.CodeOf(err) != "":
		return string(errors.GetCategory(errors.CodeOf(err)))
	case stderrors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case stderrors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}

func (c *Collector) updateLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.updatePeriodicMetrics()
		}
	}
}

// updatePeriodicMetrics samples every watched store
func (c *Collector) updatePeriodicMetrics() {
	if !c.config.Enabled {
		return
	}

	c.mu.RLock()
	sources := make(map[string]types.StatsProvider, len(c.sources))
	for name, s := range c.sources {
		sources[name] = s
	}
	c.mu.RUnlock()

	for name, source := range sources {
		stats := source.Stats()
		c.cacheEntries.With(prometheus.Labels{"store": name}).Set(float64(stats.Size))
		c.cacheHitRate.With(prometheus.Labels{"store": name}).Set(stats.HitRate)
	}
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"cacheengine-metrics"}`)) // Ignore write error for health check
}

func (c *Collector) debugLoadsHandler(w http.ResponseWriter, r *http.Request) {
	summaries := c.LoadSummaries()

	features := make([]string, 0, len(summaries))
	for f := range summaries {
		features = append(features, string(f))
	}
	sort.Strings(features)

	c.mu.RLock()
	lastReset := c.lastReset
	c.mu.RUnlock()

	body := struct {
		Uptime    string                        `json:"uptime"`
		LastReset time.Time                     `json:"last_reset"`
		Features  []string                      `json:"features"`
		Loads     map[types.Feature]LoadSummary `json:"loads"`
	}{
		Uptime:    time.Since(lastReset).String(),
		LastReset: lastReset,
		Features:  features,
		Loads:     summaries,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		c.logger.Warn("failed to write debug response", "error", err)
	}
}

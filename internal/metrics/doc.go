/*
Package metrics exports cache and loader activity to Prometheus.

# Overview

Collector implements types.CacheMetrics and types.LoadMetrics, so the same value is handed to
the registry (hits, misses, evictions, expirations per store) and to the adaptive loader (load
outcomes per feature). It keeps a small per-feature summary in memory next to the Prometheus
series for the debug endpoint.

	┌─────────────┐
	│  Collector  │
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌─────────▼──────┐
	│  Prometheus  │         │  HTTP Endpoints │
	│   Registry   │         │  /metrics       │
	│              │         │  /health        │
	│ - Counters   │         │  /debug/loads   │
	│ - Histograms │         └─────────────────┘
	│ - Gauges     │
	└──────────────┘

# Series

	<ns>_cache_requests_total{store,result}     hit or miss
	<ns>_cache_evictions_total{store}
	<ns>_cache_expirations_total{store}
	<ns>_cache_entries{store}                   sampled from watched stores
	<ns>_cache_hit_ratio{store}                 sampled from watched stores
	<ns>_loads_total{feature,source,status}     source is cache or origin
	<ns>_load_duration_seconds{feature,source}
	<ns>_errors_total{operation,type}           type is the engine error category

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "cacheengine",
	})
	if err != nil {
		return err
	}
	for _, name := range reg.Names() {
		store, _ := reg.Store(name)
		collector.Watch(name, store)
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(context.Background())

Start is optional. When the admin server is enabled it mounts Handler itself and the
collector's own listener is not needed.

A disabled collector accepts every call and records nothing.
*/
package metrics

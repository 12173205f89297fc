/*
Package types provides the value types and small interfaces shared across the cache engine.

The engine is layered; types sits at the bottom and imports nothing from the rest of the module:

	┌─────────────────────────────────────────────┐
	│        cmd/cacheengine, internal/admin      │
	└─────────────────────────────────────────────┘
	                      │
	┌──────────┐ ┌────────┴──┐ ┌─────────┐ ┌─────────┐
	│ registry │ │  loader   │ │  usage  │ │ storage │
	└──────────┘ └───────────┘ └─────────┘ └─────────┘
	          │        │            │          │
	┌─────────┴────────┴────────────┴──────────┴──┐
	│               internal/cache                │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│                 pkg/types                   │
	└─────────────────────────────────────────────┘

# Statistics

CacheStats describes one store: live size, capacity, strategy, live keys and hit/miss/eviction
counters. RegistryStats aggregates every named store.

# Usage Weights

Feature, ActionType, BehaviorEvent and FeatureWeight carry the usage tracker's inputs and outputs.
A FeatureWeight's CacheTTL is the TTL the adaptive loader applies when caching that feature's data.

# Metrics Hooks

CacheMetrics and LoadMetrics are implemented by internal/metrics. NoopMetrics satisfies both and
is the default everywhere a hook is optional.
*/
package types

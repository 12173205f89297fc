/*
Package config loads and validates the engine configuration.

Sources are applied in order, later ones winning:

	defaults (NewDefault) → YAML file (LoadFromFile) → CACHEENGINE_* environment (LoadFromEnv)

The set of named stores is read once at startup. Each store fixes its capacity, default TTL and
eviction strategy; nothing in the running engine changes them afterwards.

	registry:
	  cleanup_interval: 5m
	  stores:
	    - name: api
	      ttl: 5m
	      capacity: 200
	      strategy: LRU

Validate reports the first problem found as an EngineError with code CONFIG_VALIDATION.
*/
package config

// Package engine assembles the cache engine from its configuration: the
// named-store registry, the usage tracker with its SQLite repository, the
// loader store with an optional file or S3 tier behind it, the Prometheus
// collector and the admin API. Start and Stop drive their lifecycles.
package engine

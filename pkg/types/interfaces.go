package types

import (
	"time"
)

// CacheMetrics receives per-store cache events
type CacheMetrics interface {
	RecordHit(store string)
	RecordMiss(store string)
	RecordEviction(store string)
	RecordExpired(store string, n int)
}

// LoadMetrics receives adaptive loader outcomes
type LoadMetrics interface {
	RecordLoad(feature Feature, duration time.Duration, fromCache bool, err error)
}

// StatsProvider is anything that can report cache statistics
type StatsProvider interface {
	Stats() CacheStats
}

// NoopMetrics discards every event.
type NoopMetrics struct{}

func (NoopMetrics) RecordHit(string)                               {}
func (NoopMetrics) RecordMiss(string)                              {}
func (NoopMetrics) RecordEviction(string)                          {}
func (NoopMetrics) RecordExpired(string, int)                      {}
func (NoopMetrics) RecordLoad(Feature, time.Duration, bool, error) {}

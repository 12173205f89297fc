package cache

import (
	"fmt"
	"strings"
	"time"

	"github.com/fleetwork/cacheengine/pkg/types"
)

// usage is the per-entry bookkeeping an eviction policy ranks on
type usage struct {
	createdAt    time.Time
	lastAccessAt time.Time
	accessCount  uint64
	seq          uint64 // store-wide touch order, strictly increasing
}

// evictionPolicy ranks entries for removal when a full store admits a new key
type evictionPolicy interface {
	strategy() types.Strategy
	// before reports whether a should be evicted ahead of b.
	before(a, b *usage) bool
}

// ParseStrategy parses an eviction strategy name. Recency and frequency are
// accepted as aliases for LRU and LFU.
func ParseStrategy(name string) (types.Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "lru", "recency":
		return types.StrategyLRU, nil
	case "lfu", "frequency":
		return types.StrategyLFU, nil
	default:
		return "", fmt.Errorf("unknown eviction strategy: %q", name)
	}
}

func newEvictionPolicy(s types.Strategy) evictionPolicy {
	if s == types.StrategyLFU {
		return lfuPolicy{}
	}
	return lruPolicy{}
}

// lruPolicy: oldest lastAccessAt, then oldest createdAt, then lowest seq.
type lruPolicy struct{}

func (lruPolicy) strategy() types.Strategy { return types.StrategyLRU }

func (lruPolicy) before(a, b *usage) bool {
	if !a.lastAccessAt.Equal(b.lastAccessAt) {
		return a.lastAccessAt.Before(b.lastAccessAt)
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.seq < b.seq
}

// lfuPolicy: lowest accessCount, then oldest lastAccessAt, then lowest seq.
type lfuPolicy struct{}

func (lfuPolicy) strategy() types.Strategy { return types.StrategyLFU }

func (lfuPolicy) before(a, b *usage) bool {
	if a.accessCount != b.accessCount {
		return a.accessCount < b.accessCount
	}
	if !a.lastAccessAt.Equal(b.lastAccessAt) {
		return a.lastAccessAt.Before(b.lastAccessAt)
	}
	return a.seq < b.seq
}

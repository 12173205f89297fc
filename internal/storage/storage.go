package storage

import (
	"context"
	"time"
)

// KeyValueStore is a persistent tier of byte values with per-key TTLs.
// A value is live while now - storedAt <= ttl; expired values read as absent.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// remaining returns how much of ttl is left at now, and whether any is
func remaining(storedAt time.Time, ttl time.Duration, now time.Time) (time.Duration, bool) {
	left := ttl - now.Sub(storedAt)
	return left, left >= 0
}

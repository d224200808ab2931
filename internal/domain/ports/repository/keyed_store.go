package repository

import (
	"context"
	"time"
)

// KeyedStore is the only persistence primitive the engine relies on: single-key
// reads and conditional writes with optional expiry. A ttl <= 0 means no expiry.
// Get returns domain.ErrNotFound for absent or expired keys.
type KeyedStore interface {
	Get(ctx context.Context, key string) (string, error)
	// SetIfAbsent writes value only when key is absent (or expired).
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// SetIfMatches writes value only when the stored value equals expected.
	SetIfMatches(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error)
	// Set writes value unconditionally.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// PlainStore is a store without native compare-and-set. It can be lifted into a
// KeyedStore by the keylock wrapper at the cost of process-local atomicity.
type PlainStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

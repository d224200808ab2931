package redis

import (
	"context"
	"time"

	"subscription-payments/internal/domain/ports/repository"
)

var _ repository.KeyedStore = (*KeyedStore)(nil)

// KeyedStore maps the keyed-store contract onto GET, SET, SETNX and a
// GET-compare-SET script, all of which redis runs atomically.
type KeyedStore struct {
	cli Client
}

func NewKeyedStore(cli Client) *KeyedStore {
	return &KeyedStore{cli: cli}
}

func (s *KeyedStore) Get(ctx context.Context, key string) (string, error) {
	return s.cli.Get(ctx, key)
}

func (s *KeyedStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.cli.Set(ctx, key, value, ttl)
}

func (s *KeyedStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.cli.SetNX(ctx, key, value, ttl)
}

func (s *KeyedStore) SetIfMatches(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	return s.cli.CompareAndSet(ctx, key, expected, value, ttl)
}

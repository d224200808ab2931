// Package keylock lifts a plain get/set store into a repository.KeyedStore by
// serialising every conditional write on a key through an in-process mutex.
//
// The emulation is only atomic within one process. Two processes sharing the
// same backing store can both win a SetIfAbsent or SetIfMatches race.
package keylock

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"subscription-payments/internal/domain"
	"subscription-payments/internal/domain/ports/repository"
)

var _ repository.KeyedStore = (*Store)(nil)

const defaultStripes = 256

// Store guards keys with a fixed set of mutex stripes chosen by key hash.
type Store struct {
	inner   repository.PlainStore
	stripes []sync.Mutex
}

// New wraps inner. stripes <= 0 selects a default of 256.
func New(inner repository.PlainStore, stripes int) *Store {
	if stripes <= 0 {
		stripes = defaultStripes
	}
	return &Store{inner: inner, stripes: make([]sync.Mutex, stripes)}
}

func (s *Store) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.stripes[h.Sum32()%uint32(len(s.stripes))]
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	return s.inner.Get(ctx, key)
}

// Set also takes the key lock so it cannot interleave with a conditional write.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	return s.inner.Set(ctx, key, value, ttl)
}

func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	_, err := s.inner.Get(ctx, key)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, domain.ErrNotFound):
		return false, err
	}
	if err := s.inner.Set(ctx, key, value, ttl); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) SetIfMatches(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	cur, err := s.inner.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cur != expected {
		return false, nil
	}
	if err := s.inner.Set(ctx, key, value, ttl); err != nil {
		return false, err
	}
	return true, nil
}

package memory

import (
	"context"
	"sync"
	"time"

	"subscription-payments/internal/domain"
	"subscription-payments/internal/domain/ports/repository"
)

var (
	_ repository.KeyedStore = (*KeyedStore)(nil)
	_ repository.PlainStore = (*PlainStore)(nil)
)

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e entry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// KeyedStore is an in-process KeyedStore with TTL. Every operation runs under a
// single mutex, so SetIfAbsent and SetIfMatches are atomic within the process.
type KeyedStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewKeyedStore returns an empty store. A nil clock means time.Now.
func NewKeyedStore(clock func() time.Time) *KeyedStore {
	if clock == nil {
		clock = time.Now
	}
	return &KeyedStore{entries: make(map[string]entry), now: clock}
}

func (s *KeyedStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// lookup must be called with mu held.
func (s *KeyedStore) lookup(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if !e.live(s.now()) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

func (s *KeyedStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		return "", domain.ErrNotFound
	}
	return e.value, nil
}

func (s *KeyedStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{value: value, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *KeyedStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.entries[key] = entry{value: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *KeyedStore) SetIfMatches(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok || e.value != expected {
		return false, nil
	}
	s.entries[key] = entry{value: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

// Len reports the number of live keys.
func (s *KeyedStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := s.now()
	for _, e := range s.entries {
		if e.live(now) {
			n++
		}
	}
	return n
}

// PlainStore exposes only Get and Set, for stores that lack compare-and-set.
// Wrap it with keylock.New to obtain a KeyedStore.
type PlainStore struct {
	inner *KeyedStore
}

func NewPlainStore(clock func() time.Time) *PlainStore {
	return &PlainStore{inner: NewKeyedStore(clock)}
}

func (p *PlainStore) Get(ctx context.Context, key string) (string, error) {
	return p.inner.Get(ctx, key)
}

func (p *PlainStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return p.inner.Set(ctx, key, value, ttl)
}

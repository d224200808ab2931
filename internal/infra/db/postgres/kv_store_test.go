//go:build integration

package postgres

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"subscription-payments/internal/domain"
)

func TestKVStore_Integration(t *testing.T) {
	s := NewKVStore(testPool)
	ctx := context.Background()

	t.Run("should honour set-if-absent and compare-and-set", func(t *testing.T) {
		cleanup(t)
		if _, err := s.Get(ctx, "order:1"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		ok, err := s.SetIfAbsent(ctx, "order:1", "a", time.Hour)
		if err != nil || !ok {
			t.Fatalf("expected insert to win, got ok=%v err=%v", ok, err)
		}
		if ok, _ := s.SetIfAbsent(ctx, "order:1", "b", time.Hour); ok {
			t.Fatal("expected second insert to lose")
		}
		if ok, _ := s.SetIfMatches(ctx, "order:1", "zzz", "b", time.Hour); ok {
			t.Fatal("expected CAS with wrong value to lose")
		}
		if ok, _ := s.SetIfMatches(ctx, "order:1", "a", "b", time.Hour); !ok {
			t.Fatal("expected CAS with right value to win")
		}
		if v, _ := s.Get(ctx, "order:1"); v != "b" {
			t.Errorf("expected b, got %q", v)
		}
	})

	t.Run("should treat expired rows as absent", func(t *testing.T) {
		cleanup(t)
		if err := s.Set(ctx, "k", "old", time.Millisecond); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
		if _, err := s.Get(ctx, "k"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected expired row to read as missing, got %v", err)
		}
		ok, err := s.SetIfAbsent(ctx, "k", "new", 0)
		if err != nil || !ok {
			t.Fatalf("expected expired row to be replaced, got ok=%v err=%v", ok, err)
		}
		n, err := s.PurgeExpired(ctx)
		if err != nil || n != 0 {
			t.Errorf("expected nothing to purge, got n=%d err=%v", n, err)
		}
	})

	t.Run("should allow a single concurrent CAS winner", func(t *testing.T) {
		cleanup(t)
		_ = s.Set(ctx, "c", "PENDING", 0)
		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ok, _ := s.SetIfMatches(ctx, "c", "PENDING", "VERIFIED", 0); ok {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("expected one winner, got %d", wins)
		}
	})
}

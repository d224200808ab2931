package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"subscription-payments/internal/domain"
	"subscription-payments/internal/domain/ports/repository"
)

var _ repository.KeyedStore = (*KVStore)(nil)

// KVStore implements the keyed store on the kv_entries table. Conditional
// writes are single statements, so row locking gives them the same atomicity
// as redis SETNX. Expiry is evaluated against the database clock.
type KVStore struct{ pool *pgxpool.Pool }

func NewKVStore(pool *pgxpool.Pool) *KVStore {
	return &KVStore{pool: pool}
}

const (
	qGet = `SELECT value FROM kv_entries WHERE key=$1 AND (expires_at IS NULL OR expires_at > now());`

	qSet = `
INSERT INTO kv_entries (key, value, expires_at)
VALUES ($1, $2, CASE WHEN $3::bigint > 0 THEN now() + $3::bigint * interval '1 millisecond' END)
ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, expires_at=EXCLUDED.expires_at;`

	// An expired row counts as absent and is overwritten in place.
	qSetIfAbsent = `
INSERT INTO kv_entries (key, value, expires_at)
VALUES ($1, $2, CASE WHEN $3::bigint > 0 THEN now() + $3::bigint * interval '1 millisecond' END)
ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, expires_at=EXCLUDED.expires_at
WHERE kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= now();`

	qSetIfMatches = `
UPDATE kv_entries
SET value=$3, expires_at=CASE WHEN $4::bigint > 0 THEN now() + $4::bigint * interval '1 millisecond' END
WHERE key=$1 AND value=$2 AND (expires_at IS NULL OR expires_at > now());`

	qPurge = `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= now();`
)

func (s *KVStore) Get(ctx context.Context, key string) (string, error) {
	var v string
	if err := s.pool.QueryRow(ctx, qGet, key).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", err
	}
	return v, nil
}

func (s *KVStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, qSet, key, value, ttlMillis(ttl))
	return err
}

func (s *KVStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, qSetIfAbsent, key, value, ttlMillis(ttl))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *KVStore) SetIfMatches(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, qSetIfMatches, key, expected, value, ttlMillis(ttl))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// PurgeExpired deletes rows whose expiry passed and reports how many went.
func (s *KVStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, qPurge)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func ttlMillis(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return ttl.Milliseconds()
}

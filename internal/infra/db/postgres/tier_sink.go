package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"subscription-payments/internal/domain"
	"subscription-payments/internal/domain/model"
	"subscription-payments/internal/domain/ports/adapter"
	"subscription-payments/internal/domain/ports/repository"
)

var _ adapter.ActivationSink = (*TierSink)(nil)

// TierSink grants a tier by upserting user_tiers and appending to
// tier_activations in one transaction. Re-activating the same tier only
// refreshes updated_at.
type TierSink struct {
	pool  *pgxpool.Pool
	tm    repository.TransactionManager
	clock func() time.Time
}

func NewTierSink(pool *pgxpool.Pool, tm repository.TransactionManager) *TierSink {
	return &TierSink{pool: pool, tm: tm, clock: time.Now}
}

const (
	qUpsertTier = `
INSERT INTO user_tiers (user_id, tier, activated_at, updated_at)
VALUES ($1, $2, $3, $3)
ON CONFLICT (user_id) DO UPDATE SET
  tier=EXCLUDED.tier,
  activated_at=CASE WHEN user_tiers.tier = EXCLUDED.tier THEN user_tiers.activated_at ELSE EXCLUDED.activated_at END,
  updated_at=EXCLUDED.updated_at;`

	qInsertActivation = `INSERT INTO tier_activations (user_id, tier, activated_at) VALUES ($1, $2, $3);`

	qCurrentTier = `SELECT tier FROM user_tiers WHERE user_id=$1;`
)

func (s *TierSink) Activate(ctx context.Context, userID string, tier model.Tier) error {
	if userID == "" || tier == "" {
		return domain.ErrInvalidArgument
	}
	now := s.clock().UTC()
	err := s.tm.WithTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx repository.Tx) error {
		ex, err := getExecutor(s.pool, tx)
		if err != nil {
			return err
		}
		if _, err := ex.Exec(ctx, qUpsertTier, userID, string(tier), now); err != nil {
			return err
		}
		_, err = ex.Exec(ctx, qInsertActivation, userID, string(tier), now)
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return fmt.Errorf("activate tier (sqlstate %s): %w", pgErr.Code, err)
		}
		return fmt.Errorf("activate tier: %w", err)
	}
	return nil
}

// CurrentTier returns the user's granted tier or domain.ErrNotFound.
func (s *TierSink) CurrentTier(ctx context.Context, userID string) (model.Tier, error) {
	var t string
	if err := s.pool.QueryRow(ctx, qCurrentTier, userID).Scan(&t); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", err
	}
	return model.Tier(t), nil
}

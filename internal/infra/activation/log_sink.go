// Package activation holds sinks that do not need a database.
package activation

import (
	"context"

	"github.com/rs/zerolog"

	"subscription-payments/internal/domain/model"
	"subscription-payments/internal/domain/ports/adapter"
	"subscription-payments/internal/infra/logging"
)

var _ adapter.ActivationSink = (*LogSink)(nil)

// LogSink records activations in the log. Used in dev.
type LogSink struct{ log *zerolog.Logger }

func NewLogSink(logger *zerolog.Logger) *LogSink {
	return &LogSink{log: logging.Component(logger, "activation")}
}

func (s *LogSink) Activate(ctx context.Context, userID string, tier model.Tier) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logging.With(ctx, s.log).Info().Str("user_id", userID).Str("tier", string(tier)).Msg("tier activated")
	return nil
}

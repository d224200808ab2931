package events

import (
	"context"

	"github.com/rs/zerolog"

	"subscription-payments/internal/domain/ports/adapter"
	"subscription-payments/internal/infra/logging"
)

var _ adapter.EventPublisher = (*LogPublisher)(nil)

// LogPublisher records events in the log when no brokers are configured.
type LogPublisher struct{ log *zerolog.Logger }

func NewLogPublisher(logger *zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: logging.Component(logger, "events")}
}

func (p *LogPublisher) Publish(ctx context.Context, ev adapter.OrderEvent) error {
	logging.With(ctx, p.log).Info().
		Str("event_type", string(ev.Type)).
		Str("order_id", ev.OrderID).
		Str("state", string(ev.State)).
		Msg("order event")
	return nil
}

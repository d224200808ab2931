package telegram

import (
	"context"

	"github.com/rs/zerolog"

	"subscription-payments/internal/domain/ports/adapter"
	"subscription-payments/internal/infra/logging"
)

var _ adapter.Messenger = (*NoopMessenger)(nil)

// NoopMessenger logs messages instead of sending them.
type NoopMessenger struct{ log *zerolog.Logger }

func NewNoopMessenger(logger *zerolog.Logger) *NoopMessenger {
	return &NoopMessenger{log: logging.Component(logger, "noop-telegram")}
}

func (m *NoopMessenger) SendMessage(ctx context.Context, telegramID int64, text string) error {
	m.log.Info().Int64("chat_id", telegramID).Str("text", text).Msg("message")
	return ctx.Err()
}

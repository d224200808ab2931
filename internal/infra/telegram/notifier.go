// Package telegram tells users over Telegram that their tier is active.
package telegram

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"subscription-payments/internal/domain/model"
	"subscription-payments/internal/domain/ports/adapter"
	"subscription-payments/internal/infra/logging"
)

var _ adapter.ActivationSink = (*NotifyingSink)(nil)

const sendTimeout = 5 * time.Second

// Translator renders localized message templates.
type Translator interface {
	T(key string, args ...interface{}) string
}

// NotifyingSink grants the tier through inner and then DMs the user when the
// user id is a Telegram chat id. A failed DM is logged and otherwise ignored.
type NotifyingSink struct {
	inner     adapter.ActivationSink
	messenger adapter.Messenger
	tr        Translator
	log       *zerolog.Logger
}

func NewNotifyingSink(inner adapter.ActivationSink, messenger adapter.Messenger, tr Translator, logger *zerolog.Logger) *NotifyingSink {
	return &NotifyingSink{inner: inner, messenger: messenger, tr: tr, log: logging.Component(logger, "telegram")}
}

func (s *NotifyingSink) Activate(ctx context.Context, userID string, tier model.Tier) error {
	if err := s.inner.Activate(ctx, userID, tier); err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil || chatID == 0 {
		return nil
	}

	// the activation is already durable; the DM must not inherit a nearly spent deadline
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	if err := s.messenger.SendMessage(sendCtx, chatID, s.tr.T("activation.done", string(tier))); err != nil {
		logging.With(ctx, s.log).Warn().Err(err).Int64("chat_id", chatID).Msg("failed to send activation message")
	}
	return nil
}

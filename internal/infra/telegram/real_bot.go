package telegram

import (
	"context"
	"errors"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"subscription-payments/internal/config"
	"subscription-payments/internal/domain/ports/adapter"
)

var _ adapter.Messenger = (*BotMessenger)(nil)

// sender is the subset of *tgbotapi.BotAPI used here.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// BotMessenger sends direct messages through the Telegram Bot API.
type BotMessenger struct {
	bot sender
}

func NewBotMessenger(cfg config.TelegramConfig) (*BotMessenger, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, err
	}
	return &BotMessenger{bot: bot}, nil
}

func (m *BotMessenger) SendMessage(ctx context.Context, telegramID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(telegramID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	_, err := m.bot.Send(msg)
	return err
}

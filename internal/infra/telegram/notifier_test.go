//go:build !integration

package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"subscription-payments/internal/domain/model"
)

type mockSink struct {
	err   error
	calls int
}

func (m *mockSink) Activate(ctx context.Context, userID string, tier model.Tier) error {
	m.calls++
	return m.err
}

type mockMessenger struct {
	mu   sync.Mutex
	err  error
	sent map[int64]string
}

func (m *mockMessenger) SendMessage(ctx context.Context, id int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent == nil {
		m.sent = map[int64]string{}
	}
	m.sent[id] = text
	return m.err
}

func TestNotifyingSink_Activate(t *testing.T) {
	logger := zerolog.New(io.Discard)

	t.Run("should message numeric users after activation", func(t *testing.T) {
		sink, msg := &mockSink{}, &mockMessenger{}
		n := NewNotifyingSink(sink, msg, echoTranslator{}, &logger)

		if err := n.Activate(context.Background(), "123456", "VVIP"); err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if msg.sent[123456] != "activation.done:VVIP" {
			t.Errorf("expected a message naming the tier, got %q", msg.sent[123456])
		}
	})

	t.Run("should skip non-numeric user ids", func(t *testing.T) {
		msg := &mockMessenger{}
		n := NewNotifyingSink(&mockSink{}, msg, echoTranslator{}, &logger)
		if err := n.Activate(context.Background(), "user-abc", "VIP"); err != nil {
			t.Fatalf("expected no error, but got: %v", err)
		}
		if len(msg.sent) != 0 {
			t.Errorf("expected no messages, got %v", msg.sent)
		}
	})

	t.Run("should not fail activation when the message fails", func(t *testing.T) {
		n := NewNotifyingSink(&mockSink{}, &mockMessenger{err: errors.New("blocked by user")}, echoTranslator{}, &logger)
		if err := n.Activate(context.Background(), "42", "VIP"); err != nil {
			t.Errorf("expected DM failure to be swallowed, got %v", err)
		}
	})

	t.Run("should not message when the sink fails", func(t *testing.T) {
		sinkErr := errors.New("db down")
		msg := &mockMessenger{}
		n := NewNotifyingSink(&mockSink{err: sinkErr}, msg, echoTranslator{}, &logger)
		if err := n.Activate(context.Background(), "42", "VIP"); !errors.Is(err, sinkErr) {
			t.Errorf("expected sink error, got %v", err)
		}
		if len(msg.sent) != 0 {
			t.Error("expected no message after failed activation")
		}
	})
}

type echoTranslator struct{}

func (echoTranslator) T(key string, args ...interface{}) string {
	return key + ":" + fmt.Sprint(args...)
}

type mockSender struct {
	got tgbotapi.Chattable
}

func (m *mockSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.got = c
	return tgbotapi.Message{}, nil
}

func TestBotMessenger_SendMessage(t *testing.T) {
	s := &mockSender{}
	m := &BotMessenger{bot: s}
	if err := m.SendMessage(context.Background(), 77, "hi"); err != nil {
		t.Fatalf("expected no error, but got: %v", err)
	}
	cfg, ok := s.got.(tgbotapi.MessageConfig)
	if !ok || cfg.ChatID != 77 || cfg.Text != "hi" {
		t.Errorf("unexpected message %+v", s.got)
	}
}

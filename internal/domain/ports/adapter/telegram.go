// File: internal/domain/ports/adapter/telegram.go
package adapter

import "context"

// Messenger delivers a direct message to a chat user.
type Messenger interface {
	SendMessage(ctx context.Context, telegramID int64, text string) error
}

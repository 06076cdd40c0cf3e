package transport

import (
	"context"
	"time"

	"castbot/internal/domain"
)

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// JoinEvent is a member-join update in a chat the bot is in.
type JoinEvent struct {
	ChatID   int64
	UserID   int64
	Username string
	At       time.Time
}

// Sender delivers composed content. Errors are nil, *TransientError or *PermanentError.
type Sender interface {
	SendContent(ctx context.Context, to ChatTarget, p domain.Payload) error
}

// TextSender sends plain text, used for admin notifications.
type TextSender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}

type Adapter interface {
	Sender
	TextSender

	// Start begins receiving updates; join events are forwarded to joins without blocking.
	Start(ctx context.Context, joins chan<- JoinEvent) error
	Stop(ctx context.Context) error
}

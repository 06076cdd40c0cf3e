package app

import (
	"context"

	kit "castbot/internal/transport"
)

// logSender lets the log service mirror WARN+ lines through the bot.
type logSender struct {
	tx kit.TextSender
}

func (s logSender) SendText(ctx context.Context, chatID int64, threadID int, text string) error {
	return s.tx.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &kit.SendOptions{DisablePreview: true})
}

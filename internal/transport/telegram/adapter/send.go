package adapter

import (
	"context"
	"strings"

	tele "gopkg.in/telebot.v4"

	"castbot/internal/domain"
	kit "castbot/internal/transport"
)

const (
	telegramTextLimit    = 4000
	telegramCaptionLimit = 1024
)

// SendContent sends one composed payload: media with caption, or text, with
// an inline URL keyboard when the payload has buttons.
func (a *Adapter) SendContent(ctx context.Context, to kit.ChatTarget, p domain.Payload) error {
	if p.IsEmpty() {
		return nil
	}
	opt := &tele.SendOptions{
		ParseMode: tele.ParseMode(a.cfg.ParseMode),
		ThreadID:  to.ThreadID,
	}
	if rm := keyboard(p.Buttons); rm != nil {
		opt.ReplyMarkup = rm
	}

	var what interface{}
	switch {
	case p.Media != nil:
		what = media(*p.Media, truncateRunes(p.Text(), telegramCaptionLimit), p.Spoiler)
	case strings.TrimSpace(p.Text()) != "":
		what = truncateRunes(p.Text(), telegramTextLimit)
	default:
		what = a.cfg.ButtonsText
	}
	return a.send(ctx, to.ChatID, what, opt)
}

// SendText sends plain text, split into chunks Telegram accepts.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	for _, chunk := range chunks {
		so := &tele.SendOptions{
			ParseMode:             tele.ParseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}
		if err := a.send(ctx, to.ChatID, chunk, so); err != nil {
			return err
		}
	}
	return nil
}

// send runs one Bot API call bounded by ctx. telebot has no context support,
// so a call still in flight when ctx ends is abandoned and reported as transient.
func (a *Adapter) send(ctx context.Context, chatID int64, what interface{}, opt *tele.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return kit.Transient(err, 0)
	}
	done := make(chan error, 1)
	go func() {
		_, err := a.bot.Send(&tele.Chat{ID: chatID}, what, opt)
		done <- err
	}()
	select {
	case err := <-done:
		return Classify(err)
	case <-ctx.Done():
		return kit.Transient(ctx.Err(), 0)
	}
}

func media(m domain.MediaItem, caption string, spoiler bool) interface{} {
	file := tele.File{FileID: m.FileID}
	switch m.Kind {
	case domain.MediaVideo:
		return &tele.Video{File: file, Caption: caption, HasSpoiler: spoiler}
	case domain.MediaAnimation:
		return &tele.Animation{File: file, Caption: caption, HasSpoiler: spoiler}
	case domain.MediaDocument:
		return &tele.Document{File: file, Caption: caption}
	default:
		return &tele.Photo{File: file, Caption: caption, HasSpoiler: spoiler}
	}
}

// keyboard lays out one URL button per row.
func keyboard(buttons []domain.Button) *tele.ReplyMarkup {
	rows := make([][]tele.InlineButton, 0, len(buttons))
	for _, b := range buttons {
		if strings.TrimSpace(b.URL) == "" || strings.TrimSpace(b.Label) == "" {
			continue
		}
		rows = append(rows, []tele.InlineButton{{Text: b.Label, URL: b.URL}})
	}
	if len(rows) == 0 {
		return nil
	}
	return &tele.ReplyMarkup{InlineKeyboard: rows}
}

func truncateRunes(s string, limit int) string {
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit-1]) + "…"
}

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer splitting on a newline near the end of the window.
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		// Best-effort: don't split inside a tag for HTML parse mode.
		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

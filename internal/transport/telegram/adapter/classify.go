package adapter

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "castbot/internal/transport"
)

// Descriptions that mean the destination itself is unusable.
var permanentMarkers = []string{
	"chat not found",
	"bot was kicked",
	"bot was blocked",
	"bot is not a member",
	"not enough rights",
	"have no rights",
	"need administrator rights",
	"chat_write_forbidden",
	"group chat was upgraded",
	"user is deactivated",
	"chat was deleted",
}

// Classify maps a telebot error onto the transport taxonomy.
// Unknown failures are transient so they are retried and reported rather
// than costing the destination its lease.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return kit.Transient(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return kit.Transient(err, 0)
	}

	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == 403:
			return kit.Permanent(err, "forbidden")
		case te.Code == 429:
			return kit.Transient(err, 0)
		case te.Code >= 500:
			return kit.Transient(err, 0)
		}
	}
	if reason, ok := permanentReason(err.Error()); ok {
		return kit.Permanent(err, reason)
	}
	return kit.Transient(err, 0)
}

func permanentReason(msg string) (string, bool) {
	low := strings.ToLower(msg)
	for _, m := range permanentMarkers {
		if strings.Contains(low, m) {
			return m, true
		}
	}
	return "", false
}

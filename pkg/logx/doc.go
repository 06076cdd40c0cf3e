// Package logx configures castbot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output readable
// (short timestamp and caller), file output JSON-structured, and an optional
// Telegram sink for operator chats (min-level plus rate limiting).
package logx

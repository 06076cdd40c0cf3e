package storage

import (
	"context"
	"errors"
	"time"

	"castbot/internal/domain"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "memory": process-local store, single instance only (tests, demos)
//   - "sqlite": SQLite database file shared by instances on one host
//   - "postgres": PostgreSQL DSN shared by a fleet
type Config struct {
	Driver      string
	Path        string // sqlite file path
	DSN         string // postgres connection string
	BusyTimeout time.Duration
	MaxConns    int
}

// Store is everything the engine persists or reads.
type Store interface {
	domain.ContentStore
	domain.LeaseStore
	domain.HeartbeatStore
	domain.ReportLog

	// Admin-side writes. The engine itself never calls them.
	PutCategory(ctx context.Context, c domain.CategoryContent) error
	PutDestination(ctx context.Context, d domain.Destination) error

	Close() error
}

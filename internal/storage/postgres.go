package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	logx "castbot/pkg/logx"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 8
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	st := &sqlStore{db: db, log: log, numbered: true}
	if err := st.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("postgres storage opened", logx.Int("max_conns", maxConns))
	return st, nil
}

// Package database opens the coordinator's embedded SQL store.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Open establishes the single-writer, WAL-mode SQLite connection the store
// requires and verifies connectivity with a ping. The returned *sql.DB is
// capped at one open connection: SQLite serializes writers internally, and
// a single connection gives us that guarantee without a dedicated writer
// goroutine, while database/sql's checkout semantics still let concurrent
// callers queue safely on it.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"_journal_mode": {"WAL"},
		"_busy_timeout": {"5000"},
		"_foreign_keys": {"on"},
		"_synchronous":  {"NORMAL"},
	}.Encode())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// RetryBusy runs fn once, and once more after a short backoff if the error
// looks like SQLite contention, matching the store's "retry once on
// transient lock contention" contract.
func RetryBusy(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !isBusy(err) {
		return err
	}
	select {
	case <-time.After(15 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	return fn()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

package store

import (
	"context"
	"database/sql"
	"time"
)

// GetConfig returns a stored config value, and whether it was present.
func (s *Store) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetConfig upserts a singleton config key/value pair.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	return err
}

// IsPaused reports the global paused flag, defaulting to false.
func (s *Store) IsPaused(ctx context.Context) (bool, error) {
	v, ok, err := s.GetConfig(ctx, "paused")
	if err != nil || !ok {
		return false, err
	}
	return v == "true", nil
}

// SetPaused sets the global paused flag.
func (s *Store) SetPaused(ctx context.Context, paused bool) error {
	value := "false"
	if paused {
		value = "true"
	}
	return s.SetConfig(ctx, "paused", value)
}

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// IssuePreflightToken mints a short-TTL token for a destructive admin
// action, expressing the source's in-memory preflight-token dictionary as
// a server-side-expiring cache row instead.
func (s *Store) IssuePreflightToken(ctx context.Context, action string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preflight_tokens (token, action, created_at, expires_at, consumed)
		VALUES (?, ?, ?, ?, 0)
	`, token, action, now, now.Add(ttl))
	if err != nil {
		return "", err
	}
	return token, nil
}

// ConsumePreflightToken validates and consumes a token for the given
// action: it must exist, match the action, not be expired, and not have
// been consumed already. Returns false for any validation failure.
func (s *Store) ConsumePreflightToken(ctx context.Context, token, action string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var (
		storedAction string
		expiresAt    time.Time
		consumed     int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT action, expires_at, consumed FROM preflight_tokens WHERE token = ?
	`, token).Scan(&storedAction, &expiresAt, &consumed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if storedAction != action || consumed != 0 || time.Now().UTC().After(expiresAt.UTC()) {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE preflight_tokens SET consumed = 1 WHERE token = ?`, token); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// SweepExpiredPreflightTokens deletes tokens past their expiry, the
// server-side expiry sweep the short-TTL cache design calls for.
func (s *Store) SweepExpiredPreflightTokens(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM preflight_tokens WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

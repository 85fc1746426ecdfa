package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buildswarm/coordinator/internal/swarm/types"
)

// InsertRelease inserts a new release row with status=staging.
func (s *Store) InsertRelease(ctx context.Context, r types.Release) error {
	manifestJSON, err := json.Marshal(r.Manifest)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO releases (version, name, notes, status, package_count, size_mb, path, manifest, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.Version, r.Name, r.Notes, r.Status, r.PackageCount, r.SizeMB, r.Path, manifestJSON, r.CreatedAt, r.CreatedBy)
	return err
}

func scanRelease(row rowScanner) (types.Release, error) {
	var (
		r           types.Release
		status      string
		manifestRaw []byte
		promotedAt  sql.NullTime
		archivedAt  sql.NullTime
	)
	if err := row.Scan(&r.Version, &r.Name, &r.Notes, &status, &r.PackageCount, &r.SizeMB, &r.Path,
		&manifestRaw, &r.CreatedAt, &r.CreatedBy, &promotedAt, &archivedAt); err != nil {
		return types.Release{}, err
	}
	r.Status = types.ReleaseStatus(status)
	r.CreatedAt = r.CreatedAt.UTC()
	if len(manifestRaw) > 0 {
		_ = json.Unmarshal(manifestRaw, &r.Manifest)
	}
	if promotedAt.Valid {
		t := promotedAt.Time.UTC()
		r.PromotedAt = &t
	}
	if archivedAt.Valid {
		t := archivedAt.Time.UTC()
		r.ArchivedAt = &t
	}
	return r, nil
}

const releaseColumns = `version, name, notes, status, package_count, size_mb, path, manifest, created_at, created_by, promoted_at, archived_at`

// GetRelease fetches one release by version.
func (s *Store) GetRelease(ctx context.Context, version string) (types.Release, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+releaseColumns+` FROM releases WHERE version = ?`, version)
	return scanRelease(row)
}

// GetActiveRelease returns the sole active release, if any.
func (s *Store) GetActiveRelease(ctx context.Context) (types.Release, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+releaseColumns+` FROM releases WHERE status = ? LIMIT 1`, types.ReleaseActive)
	return scanRelease(row)
}

// ListReleases lists every release, newest-created first.
func (s *Store) ListReleases(ctx context.Context) ([]types.Release, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+releaseColumns+` FROM releases ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Release
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PromoteRelease archives the current active release (if any) and marks
// version active, inside one transaction — enforcing "exactly one active
// release" even under concurrent promotion attempts.
func (s *Store) PromoteRelease(ctx context.Context, version string) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE releases SET status = ?, archived_at = ? WHERE status = ?
	`, types.ReleaseArchived, now, types.ReleaseActive); err != nil {
		return fmt.Errorf("archive current active: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE releases SET status = ?, promoted_at = ? WHERE version = ?
	`, types.ReleaseActive, now, version)
	if err != nil {
		return fmt.Errorf("promote %s: %w", version, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}

	return tx.Commit()
}

// ArchiveRelease marks a release archived without touching any other row.
func (s *Store) ArchiveRelease(ctx context.Context, version string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE releases SET status = ?, archived_at = ? WHERE version = ?
	`, types.ReleaseArchived, time.Now().UTC(), version)
	return err
}

// DeleteRelease removes a release row (caller has already verified it is
// not active and removed its on-disk directory).
func (s *Store) DeleteRelease(ctx context.Context, version string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM releases WHERE version = ?`, version)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MostRecentlyPromotedArchived returns the archived release with the
// latest promoted_at, used by rollback().
func (s *Store) MostRecentlyPromotedArchived(ctx context.Context) (types.Release, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+releaseColumns+` FROM releases
		WHERE status = ? AND promoted_at IS NOT NULL
		ORDER BY promoted_at DESC LIMIT 1
	`, types.ReleaseArchived)
	return scanRelease(row)
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/buildswarm/coordinator/internal/platform/database"
	"github.com/buildswarm/coordinator/internal/swarm/types"
)

// defaultQueueFailureBlockThreshold is the per-entry failure count at
// which a queue entry is blocked rather than requeued, used when
// CompletePackage is given no positive blockThreshold of its own.
const defaultQueueFailureBlockThreshold = 5

// QueuePackages inserts atoms as needed entries, skipping duplicates
// against any existing active-status (needed or delegated) entry with the
// same (atom, session). Returns the count actually added.
func (s *Store) QueuePackages(ctx context.Context, atoms []string, sessionID string) (int, error) {
	if len(atoms) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	added := 0
	for _, atom := range atoms {
		var existing int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM queue_entries
			WHERE atom = ? AND session_id = ? AND status IN (?, ?)
		`, atom, sessionID, types.QueueNeeded, types.QueueDelegated).Scan(&existing)
		if err != nil {
			return 0, err
		}
		if existing > 0 {
			continue
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO queue_entries (atom, status, session_id) VALUES (?, ?, ?)
		`, atom, types.QueueNeeded, sessionID)
		if err != nil {
			return 0, err
		}
		added++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

const queueColumns = `id, atom, status, owner, assigned_at, completed_at, failure_count, last_error, session_id`

func scanQueueEntry(row rowScanner) (types.QueueEntry, error) {
	var (
		e           types.QueueEntry
		status      string
		owner       sql.NullString
		assignedAt  sql.NullTime
		completedAt sql.NullTime
		sessionID   sql.NullString
	)
	if err := row.Scan(&e.ID, &e.Atom, &status, &owner, &assignedAt, &completedAt, &e.FailureCount, &e.LastError, &sessionID); err != nil {
		return types.QueueEntry{}, err
	}
	e.Status = types.QueueStatus(status)
	if owner.Valid {
		e.Owner = owner.String
	}
	if assignedAt.Valid {
		t := assignedAt.Time.UTC()
		e.AssignedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		e.CompletedAt = &t
	}
	if sessionID.Valid {
		e.SessionID = sessionID.String
	}
	return e, nil
}

// GetNeededPackages returns up to limit needed entries, oldest-first by id.
func (s *Store) GetNeededPackages(ctx context.Context, limit int, sessionID string) ([]types.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM queue_entries
		WHERE status = ? AND (? = '' OR session_id = ?)
		ORDER BY id ASC LIMIT ?
	`, types.QueueNeeded, sessionID, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetBlockedPackages returns up to limit blocked entries, oldest-first.
func (s *Store) GetBlockedPackages(ctx context.Context, limit int) ([]types.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM queue_entries WHERE status = ? ORDER BY id ASC LIMIT ?
	`, types.QueueBlocked, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetDelegatedPackages returns every entry currently delegated, optionally
// filtered to one owner ("" matches all).
func (s *Store) GetDelegatedPackages(ctx context.Context, owner string) ([]types.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM queue_entries
		WHERE status = ? AND (? = '' OR owner = ?)
		ORDER BY id ASC
	`, types.QueueDelegated, owner, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AssignPackage conditionally assigns a needed entry to drone_id. It only
// succeeds when the entry is still needed, so concurrent assigners race
// safely: exactly one wins and the rest see (false, nil).
// AssignPackage is the contended path every idle drone's poll races
// through concurrently; a transient SQLITE_BUSY is retried once before
// giving up, rather than surfacing as a spurious loss of the race.
func (s *Store) AssignPackage(ctx context.Context, queueID int64, droneID string) (bool, error) {
	now := time.Now().UTC()
	var rows int64
	err := database.RetryBusy(ctx, func() error {
		result, err := s.db.ExecContext(ctx, `
			UPDATE queue_entries SET status = ?, owner = ?, assigned_at = ?
			WHERE id = ? AND status = ?
		`, types.QueueDelegated, droneID, now, queueID, types.QueueNeeded)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// AssignBlockedPackage conditionally assigns a blocked entry to droneID —
// the sweeper path's counterpart to AssignPackage, which only matches
// needed entries and so never fires against a blocked one.
func (s *Store) AssignBlockedPackage(ctx context.Context, queueID int64, droneID string) (bool, error) {
	now := time.Now().UTC()
	var rows int64
	err := database.RetryBusy(ctx, func() error {
		result, err := s.db.ExecContext(ctx, `
			UPDATE queue_entries SET status = ?, owner = ?, assigned_at = ?
			WHERE id = ? AND status = ?
		`, types.QueueDelegated, droneID, now, queueID, types.QueueBlocked)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// ReassignPackage moves a delegated entry to a new owner, used by work
// stealing. The caller is responsible for verifying the entry is currently
// delegated to the old owner.
func (s *Store) ReassignPackage(ctx context.Context, queueID int64, newOwner string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET owner = ?, assigned_at = ? WHERE id = ? AND status = ?
	`, newOwner, now, queueID, types.QueueDelegated)
	return err
}

// CompletePackage applies the outcome of a /complete call: updates the
// queue entry per the lifecycle state machine, appends an immutable
// BuildHistory row, all inside one transaction. blockThreshold is the
// per-entry failure-count cutoff at which the entry blocks rather than
// returning to needed.
func (s *Store) CompletePackage(ctx context.Context, atom, droneID, outcome string, durationS float64, errDetail string, sessionID string, blockThreshold int) error {
	if blockThreshold <= 0 {
		blockThreshold = defaultQueueFailureBlockThreshold
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM queue_entries
		WHERE atom = ? AND owner = ? AND status = ?
		ORDER BY id DESC LIMIT 1
	`, atom, droneID, types.QueueDelegated)
	entry, err := scanQueueEntry(row)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	if err == nil {
		switch outcome {
		case "success":
			_, err = tx.ExecContext(ctx, `
				UPDATE queue_entries SET status = ?, completed_at = ? WHERE id = ?
			`, types.QueueReceived, now, entry.ID)
		case "returned":
			_, err = tx.ExecContext(ctx, `
				UPDATE queue_entries SET status = ?, owner = NULL, assigned_at = NULL WHERE id = ?
			`, types.QueueNeeded, entry.ID)
		default: // failed, missing_binary, upload_failed
			newCount := entry.FailureCount + 1
			newStatus := types.QueueNeeded
			owner := any(nil)
			assignedAt := any(nil)
			if newCount >= blockThreshold {
				newStatus = types.QueueBlocked
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE queue_entries SET status = ?, owner = ?, assigned_at = ?, failure_count = ?, last_error = ? WHERE id = ?
			`, newStatus, owner, assignedAt, newCount, errDetail, entry.ID)
		}
		if err != nil {
			return fmt.Errorf("update queue entry: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO build_history (atom, drone_id, status, duration_s, error_detail, session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, atom, droneID, outcome, durationS, errDetail, sessionID, now)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	return tx.Commit()
}

// ReclaimPackage moves a delegated entry back to needed, clearing owner.
func (s *Store) ReclaimPackage(ctx context.Context, atom string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = ?, owner = NULL, assigned_at = NULL
		WHERE atom = ? AND status = ?
	`, types.QueueNeeded, atom, types.QueueDelegated)
	return err
}

// ReclaimOffline reclaims every delegated entry whose owner is not online
// or whose assigned_at is older than the timeout, returning reclaimed atoms.
func (s *Store) ReclaimOffline(ctx context.Context, timeout time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	rows, err := s.db.QueryContext(ctx, `
		SELECT q.id, q.atom FROM queue_entries q
		LEFT JOIN nodes n ON n.id = q.owner
		WHERE q.status = ? AND (n.status IS NULL OR n.status != ? OR q.assigned_at <= ?)
	`, types.QueueDelegated, types.NodeOnline, cutoff)
	if err != nil {
		return nil, err
	}
	type hit struct {
		id   int64
		atom string
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.atom); err != nil {
			rows.Close()
			return nil, err
		}
		hits = append(hits, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reclaimed := make([]string, 0, len(hits))
	for _, h := range hits {
		_, err := s.db.ExecContext(ctx, `
			UPDATE queue_entries SET status = ?, owner = NULL, assigned_at = NULL WHERE id = ?
		`, types.QueueNeeded, h.id)
		if err != nil {
			return reclaimed, err
		}
		reclaimed = append(reclaimed, h.atom)
	}
	return reclaimed, nil
}

// UnblockAll flips every blocked (and failed) entry back to needed,
// resetting its failure count.
func (s *Store) UnblockAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = ?, failure_count = 0, last_error = ''
		WHERE status IN (?, ?)
	`, types.QueueNeeded, types.QueueBlocked, types.QueueFailed)
	return err
}

// UnblockPackage flips one blocked/failed atom back to needed.
func (s *Store) UnblockPackage(ctx context.Context, atom string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = ?, failure_count = 0, last_error = ''
		WHERE atom = ? AND status IN (?, ?)
	`, types.QueueNeeded, atom, types.QueueBlocked, types.QueueFailed)
	return err
}

// ResetQueue moves every non-received row (optionally scoped to a session)
// back to needed and clears failure counts, also resetting drone health.
func (s *Store) ResetQueue(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE queue_entries SET status = ?, owner = NULL, assigned_at = NULL, failure_count = 0, last_error = ''
		WHERE status != ? AND (? = '' OR session_id = ?)
	`, types.QueueNeeded, types.QueueReceived, sessionID, sessionID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM drone_health`); err != nil {
		return err
	}

	return tx.Commit()
}

// AutoAgeBlocked flips each blocked entry whose most recent history row is
// older than maxAge back to needed, returning the unblocked atoms.
func (s *Store) AutoAgeBlocked(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	rows, err := s.db.QueryContext(ctx, `
		SELECT q.id, q.atom FROM queue_entries q
		WHERE q.status = ?
		AND COALESCE((SELECT MAX(h.created_at) FROM build_history h WHERE h.atom = q.atom), '1970-01-01') <= ?
	`, types.QueueBlocked, cutoff)
	if err != nil {
		return nil, err
	}
	type hit struct {
		id   int64
		atom string
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.atom); err != nil {
			rows.Close()
			return nil, err
		}
		hits = append(hits, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(hits))
	for _, h := range hits {
		_, err := s.db.ExecContext(ctx, `
			UPDATE queue_entries SET status = ?, failure_count = 0, last_error = '' WHERE id = ?
		`, types.QueueNeeded, h.id)
		if err != nil {
			return out, err
		}
		out = append(out, h.atom)
	}
	return out, nil
}

// IsPackageAssignedTo reports whether atom is currently delegated to
// droneID — used to discard stale completions after rebalancing.
func (s *Store) IsPackageAssignedTo(ctx context.Context, atom, droneID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_entries WHERE atom = ? AND owner = ? AND status = ?
	`, atom, droneID, types.QueueDelegated).Scan(&count)
	return count > 0, err
}

// HasDroneFailedPackage scans BuildHistory for a prior outcome recorded
// against this drone for this atom that isn't success, returned, or
// upload_failed — only an actual build failure counts, not a requeue or
// an infrastructure-side upload problem.
func (s *Store) HasDroneFailedPackage(ctx context.Context, droneID, atom string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM build_history
		WHERE drone_id = ? AND atom = ? AND status NOT IN ('success', 'returned', 'upload_failed')
	`, droneID, atom).Scan(&count)
	return count > 0, err
}

// CountDistinctDroneFailures counts distinct drones that have failed this
// atom (same exclusion as HasDroneFailedPackage).
func (s *Store) CountDistinctDroneFailures(ctx context.Context, atom string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT drone_id) FROM build_history
		WHERE atom = ? AND status NOT IN ('success', 'returned', 'upload_failed')
	`, atom).Scan(&count)
	return count, err
}

// QueueStatusCounts groups every queue entry across all sessions by
// status, for the queue-depth gauge.
func (s *Store) QueueStatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_entries GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/buildswarm/coordinator/internal/swarm/types"
)

func ensureHealthRow(ctx context.Context, tx *sql.Tx, nodeID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO drone_health (node_id) VALUES (?)
		ON CONFLICT(node_id) DO NOTHING
	`, nodeID)
	return err
}

// RecordDroneFailure increments a drone's build-failure counter, returning
// the new count.
func (s *Store) RecordDroneFailure(ctx context.Context, nodeID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := ensureHealthRow(ctx, tx, nodeID); err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE drone_health SET build_failure_count = build_failure_count + 1, last_failure_at = ?
		WHERE node_id = ?
	`, now, nodeID); err != nil {
		return 0, err
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT build_failure_count FROM drone_health WHERE node_id = ?`, nodeID).Scan(&count); err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

// ResetDroneHealth clears a drone's failure counters and grounding state.
// nodeID == "" resets every drone.
func (s *Store) ResetDroneHealth(ctx context.Context, nodeID string) error {
	if nodeID == "" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM drone_health`)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE drone_health
		SET build_failure_count = 0, last_failure_at = NULL, rebooted = 0, grounded_until = NULL
		WHERE node_id = ?
	`, nodeID)
	return err
}

// GroundDrone sets a drone's grounded-until timestamp.
func (s *Store) GroundDrone(ctx context.Context, nodeID string, until time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := ensureHealthRow(ctx, tx, nodeID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE drone_health SET grounded_until = ? WHERE node_id = ?
	`, until.UTC(), nodeID); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkDroneRebooted records that the restart-before-reboot escalation step
// has already been taken for this drone.
func (s *Store) MarkDroneRebooted(ctx context.Context, nodeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := ensureHealthRow(ctx, tx, nodeID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE drone_health SET rebooted = 1 WHERE node_id = ?`, nodeID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetDroneHealth fetches a drone's health row, returning a zero-value
// (ungrounded, no failures) record when none exists yet.
func (s *Store) GetDroneHealth(ctx context.Context, nodeID string) (types.DroneHealth, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT node_id, build_failure_count, last_failure_at, rebooted, grounded_until,
		       upload_failure_count, last_upload_failure_at, last_probe_result
		FROM drone_health WHERE node_id = ?
	`, nodeID)

	var (
		h             types.DroneHealth
		lastFailure   sql.NullTime
		rebooted      int
		groundedUntil sql.NullTime
		lastUpload    sql.NullTime
		probeRaw      []byte
	)
	err := row.Scan(&h.NodeID, &h.BuildFailureCount, &lastFailure, &rebooted, &groundedUntil,
		&h.UploadFailureCount, &lastUpload, &probeRaw)
	if err == sql.ErrNoRows {
		return types.DroneHealth{NodeID: nodeID}, nil
	}
	if err != nil {
		return types.DroneHealth{}, err
	}
	h.Rebooted = rebooted != 0
	if lastFailure.Valid {
		t := lastFailure.Time.UTC()
		h.LastFailureAt = &t
	}
	if groundedUntil.Valid {
		t := groundedUntil.Time.UTC()
		h.GroundedUntil = &t
	}
	if lastUpload.Valid {
		t := lastUpload.Time.UTC()
		h.LastUploadFailureAt = &t
	}
	if len(probeRaw) > 0 {
		_ = json.Unmarshal(probeRaw, &h.LastProbeResult)
	}
	return h, nil
}

// GetAllDroneHealth returns every drone health row keyed by node id.
func (s *Store) GetAllDroneHealth(ctx context.Context) (map[string]types.DroneHealth, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT node_id FROM drone_health`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]types.DroneHealth, len(ids))
	for _, id := range ids {
		h, err := s.GetDroneHealth(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = h
	}
	return out, nil
}

// RecordUploadFailure increments the upload circuit breaker's counter.
func (s *Store) RecordUploadFailure(ctx context.Context, nodeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := ensureHealthRow(ctx, tx, nodeID); err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE drone_health SET upload_failure_count = upload_failure_count + 1, last_upload_failure_at = ?
		WHERE node_id = ?
	`, now, nodeID); err != nil {
		return err
	}
	return tx.Commit()
}

// ResetUploadFailures clears the upload circuit breaker's counter.
func (s *Store) ResetUploadFailures(ctx context.Context, nodeID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE drone_health SET upload_failure_count = 0, last_upload_failure_at = NULL WHERE node_id = ?
	`, nodeID)
	return err
}

// SetProbeResult persists the most recent SSH probe outcome for a drone.
func (s *Store) SetProbeResult(ctx context.Context, nodeID string, result map[string]any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := ensureHealthRow(ctx, tx, nodeID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE drone_health SET last_probe_result = ? WHERE node_id = ?`, raw, nodeID); err != nil {
		return err
	}
	return tx.Commit()
}

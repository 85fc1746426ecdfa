package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/buildswarm/coordinator/internal/swarm/types"
)

// InsertPayloadVersion stores one immutable payload revision.
func (s *Store) InsertPayloadVersion(ctx context.Context, p types.PayloadVersion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payload_versions (id, type, version, hash, content, content_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Type, p.Version, p.Hash, p.Content, p.ContentPath, p.CreatedAt)
	return err
}

func scanPayloadVersion(row rowScanner) (types.PayloadVersion, error) {
	var p types.PayloadVersion
	if err := row.Scan(&p.ID, &p.Type, &p.Version, &p.Hash, &p.Content, &p.ContentPath, &p.CreatedAt); err != nil {
		return types.PayloadVersion{}, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

const payloadColumns = `id, type, version, hash, content, content_path, created_at`

// GetLatestPayloadVersion returns the newest stored revision of a type.
func (s *Store) GetLatestPayloadVersion(ctx context.Context, payloadType string) (types.PayloadVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+payloadColumns+` FROM payload_versions WHERE type = ? ORDER BY created_at DESC LIMIT 1
	`, payloadType)
	return scanPayloadVersion(row)
}

// ListPayloadVersions lists every stored revision of a type, newest first.
func (s *Store) ListPayloadVersions(ctx context.Context, payloadType string) ([]types.PayloadVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+payloadColumns+` FROM payload_versions WHERE type = ? ORDER BY created_at DESC
	`, payloadType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.PayloadVersion
	for rows.Next() {
		p, err := scanPayloadVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetDronePayload upserts one node's deployment status for a payload type.
func (s *Store) SetDronePayload(ctx context.Context, dp types.DronePayload) error {
	dp.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drone_payloads (node_id, payload_type, version, hash, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id, payload_type) DO UPDATE SET
			version = excluded.version, hash = excluded.hash, status = excluded.status, updated_at = excluded.updated_at
	`, dp.NodeID, dp.PayloadType, dp.Version, dp.Hash, dp.Status, dp.UpdatedAt)
	return err
}

// GetDronePayload fetches one node's deployment record for a payload type.
func (s *Store) GetDronePayload(ctx context.Context, nodeID, payloadType string) (types.DronePayload, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT node_id, payload_type, version, hash, status, updated_at
		FROM drone_payloads WHERE node_id = ? AND payload_type = ?
	`, nodeID, payloadType)

	var (
		dp     types.DronePayload
		status string
	)
	if err := row.Scan(&dp.NodeID, &dp.PayloadType, &dp.Version, &dp.Hash, &status, &dp.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return types.DronePayload{NodeID: nodeID, PayloadType: payloadType}, nil
		}
		return types.DronePayload{}, err
	}
	dp.Status = types.DronePayloadStatus(status)
	dp.UpdatedAt = dp.UpdatedAt.UTC()
	return dp, nil
}

// ListDronePayloads lists every node's deployment record for a payload type.
func (s *Store) ListDronePayloads(ctx context.Context, payloadType string) ([]types.DronePayload, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, payload_type, version, hash, status, updated_at
		FROM drone_payloads WHERE payload_type = ?
	`, payloadType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.DronePayload
	for rows.Next() {
		var (
			dp     types.DronePayload
			status string
		)
		if err := rows.Scan(&dp.NodeID, &dp.PayloadType, &dp.Version, &dp.Hash, &status, &dp.UpdatedAt); err != nil {
			return nil, err
		}
		dp.Status = types.DronePayloadStatus(status)
		dp.UpdatedAt = dp.UpdatedAt.UTC()
		out = append(out, dp)
	}
	return out, rows.Err()
}

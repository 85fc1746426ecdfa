package store

import (
	"context"
	"encoding/json"
	"time"
)

// LogMetrics appends one metrics snapshot row. nodeID == "" marks a
// system-wide snapshot rather than a per-node one.
func (s *Store) LogMetrics(ctx context.Context, nodeID string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO metrics_log (timestamp, node_id, payload) VALUES (?, ?, ?)
	`, time.Now().UTC(), nodeID, raw)
	return err
}

// PruneOldMetrics deletes metrics rows older than maxAge, returning the
// number of rows removed.
func (s *Store) PruneOldMetrics(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	result, err := s.db.ExecContext(ctx, `DELETE FROM metrics_log WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

package store

import (
	"context"
	"database/sql"

	"github.com/buildswarm/coordinator/internal/swarm/types"
)

// HistoryStats summarizes a slice of BuildHistory rows.
type HistoryStats struct {
	Total       int
	Success     int
	NonSuccess  int
	SuccessRate float64
}

// GetHistory returns up to limit history rows, newest first, optionally
// scoped to a session.
func (s *Store) GetHistory(ctx context.Context, limit int, sessionID string) ([]types.BuildHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, atom, drone_id, status, duration_s, error_detail, session_id, created_at
		FROM build_history
		WHERE ? = '' OR session_id = ?
		ORDER BY id DESC LIMIT ?
	`, sessionID, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.BuildHistory
	for rows.Next() {
		var h types.BuildHistory
		var sid sql.NullString
		if err := rows.Scan(&h.ID, &h.Atom, &h.DroneID, &h.Status, &h.DurationS, &h.ErrorDetail, &sid, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.SessionID = sid.String
		h.CreatedAt = h.CreatedAt.UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}

// HistorySummary computes success/failure totals for the given rows.
// success_rate is success*100/total, or 0 when total is 0.
func HistorySummary(rows []types.BuildHistory) HistoryStats {
	var stats HistoryStats
	stats.Total = len(rows)
	for _, r := range rows {
		if r.Status == "success" {
			stats.Success++
		}
	}
	stats.NonSuccess = stats.Total - stats.Success
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Success) * 100 / float64(stats.Total)
	}
	return stats
}

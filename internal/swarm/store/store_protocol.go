package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/buildswarm/coordinator/internal/swarm/types"
)

// InsertProtocolEntries batch-inserts captured request/response entries in
// one multi-row statement, matching the write-behind queue's 500ms flush.
func (s *Store) InsertProtocolEntries(ctx context.Context, entries []types.ProtocolEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO protocol_log
		(timestamp, source_addr, node_name, method, path, message_type, package, drone_id, session_id,
		 status_code, request_summary, response_summary, request_body, response_body, latency_ms, content_length)
		VALUES `)
	args := make([]any, 0, len(entries)*16)
	for i, e := range entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			e.Timestamp, e.SourceAddr, e.NodeName, e.Method, e.Path, e.MessageType, e.Package, e.DroneID, e.SessionID,
			e.StatusCode, e.RequestSummary, e.ResponseSummary, e.RequestBody, e.ResponseBody, e.LatencyMS, e.ContentLength)
	}

	_, err := s.db.ExecContext(ctx, sb.String(), args...)
	return err
}

func scanProtocolEntry(row rowScanner) (types.ProtocolEntry, error) {
	var e types.ProtocolEntry
	err := row.Scan(&e.ID, &e.Timestamp, &e.SourceAddr, &e.NodeName, &e.Method, &e.Path, &e.MessageType,
		&e.Package, &e.DroneID, &e.SessionID, &e.StatusCode, &e.RequestSummary, &e.ResponseSummary,
		&e.RequestBody, &e.ResponseBody, &e.LatencyMS, &e.ContentLength)
	if err != nil {
		return types.ProtocolEntry{}, err
	}
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

const protocolColumns = `id, timestamp, source_addr, node_name, method, path, message_type, package, drone_id,
	session_id, status_code, request_summary, response_summary, request_body, response_body, latency_ms, content_length`

// ProtocolFilter narrows a protocol log query.
type ProtocolFilter struct {
	Since      int64
	Type       string
	DroneID    string
	Package    string
	MinLatency float64
	Limit      int
}

// QueryProtocolEntries returns entries matching the filter, newest first.
func (s *Store) QueryProtocolEntries(ctx context.Context, f ProtocolFilter) ([]types.ProtocolEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+protocolColumns+` FROM protocol_log
		WHERE id > ?
		AND (? = '' OR message_type = ?)
		AND (? = '' OR drone_id = ?)
		AND (? = '' OR package = ?)
		AND latency_ms >= ?
		ORDER BY id DESC LIMIT ?
	`, f.Since, f.Type, f.Type, f.DroneID, f.DroneID, f.Package, f.Package, f.MinLatency, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ProtocolEntry
	for rows.Next() {
		e, err := scanProtocolEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetProtocolEntry fetches one entry with its full bodies.
func (s *Store) GetProtocolEntry(ctx context.Context, id int64) (types.ProtocolEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+protocolColumns+` FROM protocol_log WHERE id = ?`, id)
	return scanProtocolEntry(row)
}

// ProtocolTypeStats is one message type's count/latency summary.
type ProtocolTypeStats struct {
	Type         string
	Count        int
	AvgLatencyMS float64
}

// ProtocolStatsSince aggregates counts and average latency per message
// type for entries newer than since.
func (s *Store) ProtocolStatsSince(ctx context.Context, since int64) ([]ProtocolTypeStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_type, COUNT(*), AVG(latency_ms) FROM protocol_log
		WHERE id > ? GROUP BY message_type ORDER BY message_type
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProtocolTypeStats
	for rows.Next() {
		var st ProtocolTypeStats
		if err := rows.Scan(&st.Type, &st.Count, &st.AvgLatencyMS); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ActivityDensity returns a length-buckets histogram of entry counts
// between start and end, feeding the replay scrubber UI.
func (s *Store) ActivityDensity(ctx context.Context, start, end time.Time, buckets int) ([]int, error) {
	if buckets <= 0 {
		buckets = 1
	}
	counts := make([]int, buckets)
	span := end.Sub(start)
	if span <= 0 {
		return counts, nil
	}
	bucketWidth := span / time.Duration(buckets)

	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp FROM protocol_log WHERE timestamp >= ? AND timestamp <= ?
	`, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		idx := int(ts.Sub(start) / bucketWidth)
		if idx < 0 {
			idx = 0
		}
		if idx >= buckets {
			idx = buckets - 1
		}
		counts[idx]++
	}
	return counts, rows.Err()
}

// StateAtTime reconstructs the coordinator's visible state at time t from
// the response bodies of the most recent status_query and node_list
// entries at or before t.
func (s *Store) StateAtTime(ctx context.Context, t time.Time) (statusBody, nodeListBody string, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT response_body FROM protocol_log
		WHERE message_type = 'status_query' AND timestamp <= ?
		ORDER BY id DESC LIMIT 1
	`, t.UTC())
	if scanErr := row.Scan(&statusBody); scanErr != nil && scanErr != sql.ErrNoRows {
		return "", "", scanErr
	}

	row = s.db.QueryRowContext(ctx, `
		SELECT response_body FROM protocol_log
		WHERE message_type = 'node_list' AND timestamp <= ?
		ORDER BY id DESC LIMIT 1
	`, t.UTC())
	if scanErr := row.Scan(&nodeListBody); scanErr != nil && scanErr != sql.ErrNoRows {
		return statusBody, "", scanErr
	}

	return statusBody, nodeListBody, nil
}

// PruneProtocolLog deletes entries older than maxAge.
func (s *Store) PruneProtocolLog(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	result, err := s.db.ExecContext(ctx, `DELETE FROM protocol_log WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

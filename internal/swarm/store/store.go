// Package store implements the coordinator's single persistent state owner:
// nodes, the build queue, sessions, drone health, releases, payloads,
// protocol log and the activity feed all live behind this package's
// *sql.DB handle. Every other component is a pure transformer over Store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/buildswarm/coordinator/internal/swarm/types"
)

// Store wraps the coordinator's database handle. All operations are safe
// for concurrent use; database/sql and the underlying single-connection
// pool (see internal/platform/database) serialize writers.
type Store struct {
	db *sql.DB
}

// New wraps an already-opened and migrated database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- Nodes -------------------------------------------------------------

// UpsertNode registers or refreshes a node. If a different id already owns
// name, that row is deleted first so (name) -> at most one node holds.
func (s *Store) UpsertNode(ctx context.Context, n types.Node) (types.Node, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.LastSeen = time.Now().UTC()
	if n.Status == "" {
		n.Status = types.NodeOnline
	}

	capsJSON, err := json.Marshal(n.Capabilities)
	if err != nil {
		return types.Node{}, fmt.Errorf("marshal capabilities: %w", err)
	}
	metricsJSON, err := json.Marshal(n.Metrics)
	if err != nil {
		return types.Node{}, fmt.Errorf("marshal metrics: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Node{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE name = ? AND id != ?`, n.Name, n.ID); err != nil {
		return types.Node{}, fmt.Errorf("evict stale name owner: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO nodes (id, name, address, secondary_address, kind, cores, ram_mb, capabilities, metrics, task, version, last_seen, status, paused)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			secondary_address = excluded.secondary_address,
			kind = excluded.kind,
			cores = excluded.cores,
			ram_mb = excluded.ram_mb,
			capabilities = excluded.capabilities,
			metrics = excluded.metrics,
			task = excluded.task,
			version = excluded.version,
			last_seen = excluded.last_seen,
			status = excluded.status
	`, n.ID, n.Name, n.Address, n.SecondaryAddress, n.Kind, n.Cores, n.RAMMB, capsJSON, metricsJSON, n.Task, n.Version, n.LastSeen, n.Status, n.Paused)
	if err != nil {
		return types.Node{}, fmt.Errorf("upsert node: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return types.Node{}, err
	}
	return n, nil
}

func scanNode(row rowScanner) (types.Node, error) {
	var (
		n           types.Node
		capsRaw     []byte
		metricsRaw  []byte
		status      string
		paused      int
	)
	if err := row.Scan(&n.ID, &n.Name, &n.Address, &n.SecondaryAddress, &n.Kind, &n.Cores, &n.RAMMB,
		&capsRaw, &metricsRaw, &n.Task, &n.Version, &n.LastSeen, &status, &paused); err != nil {
		return types.Node{}, err
	}
	n.Status = types.NodeStatus(status)
	n.Paused = paused != 0
	n.LastSeen = n.LastSeen.UTC()
	if len(capsRaw) > 0 {
		_ = json.Unmarshal(capsRaw, &n.Capabilities)
	}
	if len(metricsRaw) > 0 {
		_ = json.Unmarshal(metricsRaw, &n.Metrics)
	}
	return n, nil
}

const nodeColumns = `id, name, address, secondary_address, kind, cores, ram_mb, capabilities, metrics, task, version, last_seen, status, paused`

// GetNode fetches a node by id.
func (s *Store) GetNode(ctx context.Context, id string) (types.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	return scanNode(row)
}

// GetNodeByName fetches a node by its unique name.
func (s *Store) GetNodeByName(ctx context.Context, name string) (types.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE name = ?`, name)
	return scanNode(row)
}

// GetAllNodes lists nodes, optionally including offline ones and filtering
// by kind ("" matches both kinds).
func (s *Store) GetAllNodes(ctx context.Context, includeOffline bool, kind string) ([]types.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE (? = '' OR kind = ?)`
	args := []any{kind, kind}
	if !includeOffline {
		query += ` AND status != ?`
		args = append(args, types.NodeOffline)
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// UpdateNodeStatus marks offline every node whose last_seen is older than
// now-timeout. It never deletes rows.
func (s *Store) UpdateNodeStatus(ctx context.Context, timeout time.Duration) error {
	cutoff := time.Now().UTC().Add(-timeout)
	_, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET status = ? WHERE last_seen < ? AND status != ?
	`, types.NodeOffline, cutoff, types.NodeOffline)
	return err
}

// SetNodePaused flips a single node's paused flag.
func (s *Store) SetNodePaused(ctx context.Context, idOrName string, paused bool) (types.Node, error) {
	n, err := s.resolveNode(ctx, idOrName)
	if err != nil {
		return types.Node{}, err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE nodes SET paused = ? WHERE id = ?`, paused, n.ID); err != nil {
		return types.Node{}, err
	}
	n.Paused = paused
	return n, nil
}

// DeleteNode removes a node row outright (rare, explicit admin action).
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) resolveNode(ctx context.Context, idOrName string) (types.Node, error) {
	n, err := s.GetNode(ctx, idOrName)
	if err == nil {
		return n, nil
	}
	if err != sql.ErrNoRows {
		return types.Node{}, err
	}
	return s.GetNodeByName(ctx, idOrName)
}

// --- Sessions ------------------------------------------------------------

// ActiveSession returns the current active session, if any.
func (s *Store) ActiveSession(ctx context.Context) (types.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, started_at, completed_at FROM sessions WHERE status = ? LIMIT 1
	`, types.SessionActive)
	return scanSession(row)
}

// EnsureActiveSession returns the active session, creating one if none
// exists. Invariant: at most one active session at a time.
func (s *Store) EnsureActiveSession(ctx context.Context, name string) (types.Session, error) {
	sess, err := s.ActiveSession(ctx)
	if err == nil {
		return sess, nil
	}
	if err != sql.ErrNoRows {
		return types.Session{}, err
	}

	sess = types.Session{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    types.SessionActive,
		StartedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, status, started_at) VALUES (?, ?, ?, ?)
	`, sess.ID, sess.Name, sess.Status, sess.StartedAt)
	if err != nil {
		return types.Session{}, err
	}
	return sess, nil
}

// CompleteSession marks a session completed.
func (s *Store) CompleteSession(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, completed_at = ? WHERE id = ?
	`, types.SessionCompleted, now, id)
	return err
}

func scanSession(row rowScanner) (types.Session, error) {
	var (
		sess        types.Session
		status      string
		completedAt sql.NullTime
	)
	if err := row.Scan(&sess.ID, &sess.Name, &status, &sess.StartedAt, &completedAt); err != nil {
		return types.Session{}, err
	}
	sess.Status = types.SessionStatus(status)
	sess.StartedAt = sess.StartedAt.UTC()
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		sess.CompletedAt = &t
	}
	return sess, nil
}

// SessionCounts computes needed/delegated/received/blocked/failed totals
// for a session directly from queue_entries, used to populate Session.*
// count fields on read without a denormalized counter to keep in sync.
func (s *Store) SessionCounts(ctx context.Context, sessionID string) (types.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, started_at, completed_at FROM sessions WHERE id = ?
	`, sessionID)
	sess, err := scanSession(row)
	if err != nil {
		return types.Session{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM queue_entries WHERE session_id = ? GROUP BY status
	`, sessionID)
	if err != nil {
		return types.Session{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return types.Session{}, err
		}
		switch types.QueueStatus(status) {
		case types.QueueNeeded:
			sess.NeededCount = count
		case types.QueueDelegated:
			sess.DelegatedCount = count
		case types.QueueReceived:
			sess.ReceivedCount = count
		case types.QueueBlocked:
			sess.BlockedCount = count
		case types.QueueFailed:
			sess.FailedCount = count
		}
	}
	return sess, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

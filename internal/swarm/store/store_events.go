package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/buildswarm/coordinator/internal/swarm/types"
)

// InsertEvent persists one activity-feed entry and returns it with its
// assigned monotonic id.
func (s *Store) InsertEvent(ctx context.Context, e types.Event) (types.Event, error) {
	detailJSON, err := json.Marshal(e.Detail)
	if err != nil {
		return types.Event{}, err
	}
	e.Timestamp = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO events (timestamp, type, message, detail, drone_id, package)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Timestamp, e.Type, e.Message, detailJSON, e.DroneID, e.Package)
	if err != nil {
		return types.Event{}, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return types.Event{}, err
	}
	e.ID = id
	return e, nil
}

func scanEvent(row rowScanner) (types.Event, error) {
	var (
		e          types.Event
		detailRaw  []byte
	)
	if err := row.Scan(&e.ID, &e.Timestamp, &e.Type, &e.Message, &detailRaw, &e.DroneID, &e.Package); err != nil {
		return types.Event{}, err
	}
	e.Timestamp = e.Timestamp.UTC()
	if len(detailRaw) > 0 {
		_ = json.Unmarshal(detailRaw, &e.Detail)
	}
	return e, nil
}

const eventColumns = `id, timestamp, type, message, detail, drone_id, package`

// GetRecentEvents returns the newest limit persisted events, oldest-first —
// the shape the ring buffer hydrates from on startup.
func (s *Store) GetRecentEvents(ctx context.Context, limit int) ([]types.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reversed []types.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		reversed = append(reversed, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]types.Event, len(reversed))
	for i, e := range reversed {
		out[len(reversed)-1-i] = e
	}
	return out, nil
}

// GetEventsSince returns every persisted event with id > since, oldest
// first.
func (s *Store) GetEventsSince(ctx context.Context, since int64) ([]types.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events WHERE id > ? ORDER BY id ASC
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

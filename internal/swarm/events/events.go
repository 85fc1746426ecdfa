// Package events implements the coordinator's activity feed: a small
// in-memory ring buffer backed by full persistence, so every emit survives
// a restart and every read stays in memory on the hot path.
package events

import (
	"context"
	"sort"
	"sync"

	"github.com/buildswarm/coordinator/internal/swarm/types"
)

// Capacity is the ring buffer's fixed size.
const Capacity = 200

// Store is the subset of store.Store the feed depends on.
type Store interface {
	InsertEvent(ctx context.Context, e types.Event) (types.Event, error)
	GetRecentEvents(ctx context.Context, limit int) ([]types.Event, error)
	GetEventsSince(ctx context.Context, since int64) ([]types.Event, error)
}

// Feed is the in-memory ring buffer. All public methods are safe for
// concurrent use.
type Feed struct {
	store Store

	mu       sync.RWMutex
	entries  []types.Event
	latestID int64
}

// New constructs a Feed. Call Hydrate once at startup before serving
// traffic.
func New(store Store) *Feed {
	return &Feed{store: store, entries: make([]types.Event, 0, Capacity)}
}

// Hydrate loads the most recent persisted entries into the ring buffer in
// chronological order, so a restart does not present an empty feed.
func (f *Feed) Hydrate(ctx context.Context) error {
	recent, err := f.store.GetRecentEvents(ctx, Capacity)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = recent
	for _, e := range recent {
		if e.ID > f.latestID {
			f.latestID = e.ID
		}
	}
	return nil
}

// Emit persists e and appends it to the ring buffer, evicting the oldest
// entry once capacity is exceeded.
func (f *Feed) Emit(ctx context.Context, e types.Event) (types.Event, error) {
	stored, err := f.store.InsertEvent(ctx, e)
	if err != nil {
		return types.Event{}, err
	}

	f.mu.Lock()
	f.entries = append(f.entries, stored)
	if len(f.entries) > Capacity {
		f.entries = f.entries[len(f.entries)-Capacity:]
	}
	if stored.ID > f.latestID {
		f.latestID = stored.ID
	}
	f.mu.Unlock()

	return stored, nil
}

// Since returns every in-memory entry newer than id, plus the feed's
// current latest id — friendly to a long-poll client that remembers the
// last id it saw. If id predates the ring buffer's oldest retained entry
// (a client reconnecting after a long gap or a coordinator restart), it
// falls back to the persisted log so the client never silently misses a
// span of history.
func (f *Feed) Since(ctx context.Context, id int64) ([]types.Event, int64) {
	f.mu.RLock()
	gap := len(f.entries) > 0 && f.entries[0].ID > id+1
	idx := sort.Search(len(f.entries), func(i int) bool {
		return f.entries[i].ID > id
	})
	out := make([]types.Event, len(f.entries)-idx)
	copy(out, f.entries[idx:])
	latestID := f.latestID
	f.mu.RUnlock()

	if gap {
		if durable, err := f.store.GetEventsSince(ctx, id); err == nil {
			return durable, latestID
		}
	}
	return out, latestID
}

// Recent returns up to limit of the most recently emitted entries,
// newest-first.
func (f *Feed) Recent(limit int) []types.Event {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if limit <= 0 || limit > len(f.entries) {
		limit = len(f.entries)
	}
	out := make([]types.Event, limit)
	for i := 0; i < limit; i++ {
		out[i] = f.entries[len(f.entries)-1-i]
	}
	return out
}

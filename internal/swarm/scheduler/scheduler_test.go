package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/buildswarm/coordinator/internal/swarm/types"
)

type fakeStore struct {
	paused   bool
	config   map[string]string
	nodes    map[string]types.Node
	needed   []types.QueueEntry
	blocked  []types.QueueEntry
	delegated map[string][]types.QueueEntry
	failedFor map[string]map[string]bool
	assigned  map[int64]string
	reassigned map[int64]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		config:     map[string]string{},
		nodes:      map[string]types.Node{},
		delegated:  map[string][]types.QueueEntry{},
		failedFor:  map[string]map[string]bool{},
		assigned:   map[int64]string{},
		reassigned: map[int64]string{},
	}
}

func (f *fakeStore) IsPaused(ctx context.Context) (bool, error) { return f.paused, nil }
func (f *fakeStore) GetConfig(ctx context.Context, key string) (string, bool, error) {
	v, ok := f.config[key]
	return v, ok, nil
}
func (f *fakeStore) GetNode(ctx context.Context, id string) (types.Node, error) {
	return f.nodes[id], nil
}
func (f *fakeStore) GetAllNodes(ctx context.Context, includeOffline bool, kind string) ([]types.Node, error) {
	var out []types.Node
	for _, n := range f.nodes {
		out = append(out, n)
	}
	return out, nil
}
func (f *fakeStore) GetDelegatedPackages(ctx context.Context, owner string) ([]types.QueueEntry, error) {
	if owner == "" {
		var out []types.QueueEntry
		for _, v := range f.delegated {
			out = append(out, v...)
		}
		return out, nil
	}
	return f.delegated[owner], nil
}
func (f *fakeStore) GetNeededPackages(ctx context.Context, limit int, sessionID string) ([]types.QueueEntry, error) {
	if limit < len(f.needed) {
		return f.needed[:limit], nil
	}
	return f.needed, nil
}
func (f *fakeStore) GetBlockedPackages(ctx context.Context, limit int) ([]types.QueueEntry, error) {
	return f.blocked, nil
}
// AssignPackage mirrors the real Store's needed-only contract: it only
// succeeds for a queueID currently present in the needed set, so a test
// that wrongly feeds it a blocked entry's ID (or a scheduler regression
// that calls this instead of AssignBlockedPackage) fails loudly instead
// of silently succeeding.
func (f *fakeStore) AssignPackage(ctx context.Context, queueID int64, droneID string) (bool, error) {
	if _, taken := f.assigned[queueID]; taken {
		return false, nil
	}
	for i, e := range f.needed {
		if e.ID == queueID {
			f.assigned[queueID] = droneID
			f.needed = append(f.needed[:i], f.needed[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// AssignBlockedPackage mirrors the real Store's blocked-only contract.
func (f *fakeStore) AssignBlockedPackage(ctx context.Context, queueID int64, droneID string) (bool, error) {
	if _, taken := f.assigned[queueID]; taken {
		return false, nil
	}
	for i, e := range f.blocked {
		if e.ID == queueID {
			f.assigned[queueID] = droneID
			f.blocked = append(f.blocked[:i], f.blocked[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}
func (f *fakeStore) ReassignPackage(ctx context.Context, queueID int64, newOwner string) error {
	f.reassigned[queueID] = newOwner
	return nil
}
func (f *fakeStore) HasDroneFailedPackage(ctx context.Context, droneID, atom string) (bool, error) {
	return f.failedFor[droneID][atom], nil
}
func (f *fakeStore) ReclaimOffline(ctx context.Context, timeout time.Duration) ([]string, error) {
	return nil, nil
}
func (f *fakeStore) AutoAgeBlocked(ctx context.Context, maxAge time.Duration) ([]string, error) {
	return nil, nil
}

type fakeHealth struct {
	grounded bool
	impaired bool
}

func (h *fakeHealth) CheckGrounded(ctx context.Context, droneID string, node types.Node) (bool, error) {
	return h.grounded, nil
}
func (h *fakeHealth) IsUploadImpaired(ctx context.Context, droneID string, threshold int, retryWindow time.Duration) (bool, error) {
	return h.impaired, nil
}

type fakeEvents struct{ events []types.Event }

func (e *fakeEvents) Emit(ctx context.Context, ev types.Event) (types.Event, error) {
	e.events = append(e.events, ev)
	return ev, nil
}

func TestGetWorkReturnsNilWhenPaused(t *testing.T) {
	store := newFakeStore()
	store.paused = true
	s := New(store, &fakeHealth{}, &fakeEvents{}, Config{})

	res, err := s.GetWork(context.Background(), "drone-1", "")
	if err != nil {
		t.Fatalf("get work: %v", err)
	}
	if res.Package != "" || res.Directive != nil {
		t.Fatalf("expected no work while paused, got %+v", res)
	}
}

func TestGetWorkReturnsSyncDirectiveOnTimestampMismatch(t *testing.T) {
	store := newFakeStore()
	store.config["portage_timestamp"] = "1000"
	s := New(store, &fakeHealth{}, &fakeEvents{}, Config{})

	res, err := s.GetWork(context.Background(), "drone-1", "999")
	if err != nil {
		t.Fatalf("get work: %v", err)
	}
	if res.Directive == nil || res.Directive.Action != "sync_portage" {
		t.Fatalf("expected sync_portage directive, got %+v", res)
	}
}

func TestGetWorkIsStickyToExistingDelegated(t *testing.T) {
	store := newFakeStore()
	store.nodes["drone-1"] = types.Node{ID: "drone-1", Name: "drone-1", Cores: 8}
	store.delegated["drone-1"] = []types.QueueEntry{{ID: 1, Atom: "=a/b-1", Owner: "drone-1"}}
	s := New(store, &fakeHealth{}, &fakeEvents{}, Config{})

	res, err := s.GetWork(context.Background(), "drone-1", "")
	if err != nil {
		t.Fatalf("get work: %v", err)
	}
	if res.Package != "=a/b-1" {
		t.Fatalf("expected sticky delegated package, got %+v", res)
	}
}

func TestGetWorkAssignsFromNeededAndSkipsPreviousFailures(t *testing.T) {
	store := newFakeStore()
	store.nodes["drone-1"] = types.Node{ID: "drone-1", Name: "drone-1", Cores: 4}
	store.needed = []types.QueueEntry{
		{ID: 1, Atom: "=a/b-1"},
		{ID: 2, Atom: "=a/c-1"},
	}
	store.failedFor["drone-1"] = map[string]bool{"=a/b-1": true}
	events := &fakeEvents{}
	s := New(store, &fakeHealth{}, events, Config{QueueTarget: 1})

	res, err := s.GetWork(context.Background(), "drone-1", "")
	if err != nil {
		t.Fatalf("get work: %v", err)
	}
	if res.Package != "=a/c-1" {
		t.Fatalf("expected previously-failed atom skipped, got %+v", res)
	}
	if len(events.events) != 1 || events.events[0].Type != "assign" {
		t.Fatalf("expected one assign event, got %+v", events.events)
	}
}

func TestGetWorkSweeperPathAssignsFromBlocked(t *testing.T) {
	store := newFakeStore()
	store.nodes["sweeper-1"] = types.Node{ID: "sweeper-1", Name: "sweeper-1", Cores: 4}
	store.blocked = []types.QueueEntry{{ID: 5, Atom: "=x/y-1"}}
	s := New(store, &fakeHealth{}, &fakeEvents{}, Config{SweeperPrefix: "sweeper"})

	res, err := s.GetWork(context.Background(), "sweeper-1", "")
	if err != nil {
		t.Fatalf("get work: %v", err)
	}
	if res.Package != "=x/y-1" {
		t.Fatalf("expected sweeper to claim a blocked entry, got %+v", res)
	}
}

func TestGetWorkStealsFromOverloadedDonor(t *testing.T) {
	store := newFakeStore()
	store.nodes["drone-2"] = types.Node{ID: "drone-2", Name: "drone-2", Cores: 4, Status: types.NodeOnline}
	store.nodes["requester"] = types.Node{ID: "requester", Name: "requester", Cores: 4}
	now := time.Now()
	old := now.Add(-time.Hour)
	store.delegated["drone-2"] = []types.QueueEntry{
		{ID: 10, Atom: "=a/1-1", Owner: "drone-2", AssignedAt: &old},
		{ID: 11, Atom: "=a/2-1", Owner: "drone-2", AssignedAt: &now},
		{ID: 12, Atom: "=a/3-1", Owner: "drone-2", AssignedAt: &now},
		{ID: 13, Atom: "=a/4-1", Owner: "drone-2", AssignedAt: &now},
	}
	events := &fakeEvents{}
	s := New(store, &fakeHealth{}, events, Config{QueueTarget: 1})

	res, err := s.GetWork(context.Background(), "requester", "")
	if err != nil {
		t.Fatalf("get work: %v", err)
	}
	if res.Package == "" {
		t.Fatalf("expected a stolen package, got none")
	}
	if len(store.reassigned) == 0 {
		t.Fatalf("expected at least one reassignment")
	}
	stale := s.GetStaleAssignments("drone-2")
	if len(stale) == 0 {
		t.Fatalf("expected donor's rebalanced-away set to be populated")
	}
}

package health

import (
	"context"
	"testing"
	"time"

	"github.com/buildswarm/coordinator/internal/swarm/types"
	"github.com/buildswarm/coordinator/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.NewDefault("health_test")
}

type fakeStore struct {
	health    map[string]types.DroneHealth
	delegated map[string][]types.QueueEntry
	reclaimed []string
	events    []types.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		health:    map[string]types.DroneHealth{},
		delegated: map[string][]types.QueueEntry{},
	}
}

func (f *fakeStore) GetDroneHealth(ctx context.Context, nodeID string) (types.DroneHealth, error) {
	h, ok := f.health[nodeID]
	if !ok {
		h = types.DroneHealth{NodeID: nodeID}
	}
	return h, nil
}
func (f *fakeStore) RecordDroneFailure(ctx context.Context, nodeID string) (int, error) {
	h := f.health[nodeID]
	h.NodeID = nodeID
	h.BuildFailureCount++
	f.health[nodeID] = h
	return h.BuildFailureCount, nil
}
func (f *fakeStore) ResetDroneHealth(ctx context.Context, nodeID string) error {
	f.health[nodeID] = types.DroneHealth{NodeID: nodeID}
	return nil
}
func (f *fakeStore) GroundDrone(ctx context.Context, nodeID string, until time.Time) error {
	h := f.health[nodeID]
	h.GroundedUntil = &until
	f.health[nodeID] = h
	return nil
}
func (f *fakeStore) MarkDroneRebooted(ctx context.Context, nodeID string) error {
	h := f.health[nodeID]
	h.Rebooted = true
	f.health[nodeID] = h
	return nil
}
func (f *fakeStore) RecordUploadFailure(ctx context.Context, nodeID string) error {
	h := f.health[nodeID]
	h.UploadFailureCount++
	f.health[nodeID] = h
	return nil
}
func (f *fakeStore) ResetUploadFailures(ctx context.Context, nodeID string) error {
	h := f.health[nodeID]
	h.UploadFailureCount = 0
	f.health[nodeID] = h
	return nil
}
func (f *fakeStore) SetProbeResult(ctx context.Context, nodeID string, result map[string]any) error {
	return nil
}
func (f *fakeStore) GetDelegatedPackages(ctx context.Context, owner string) ([]types.QueueEntry, error) {
	return f.delegated[owner], nil
}
func (f *fakeStore) ReclaimPackage(ctx context.Context, atom string) error {
	f.reclaimed = append(f.reclaimed, atom)
	return nil
}
func (f *fakeStore) GetNode(ctx context.Context, id string) (types.Node, error) {
	return types.Node{ID: id, Name: id}, nil
}
func (f *fakeStore) InsertEvent(ctx context.Context, e types.Event) (types.Event, error) {
	f.events = append(f.events, e)
	return e, nil
}

type fakeNotifier struct {
	notified        []types.Node
	alreadyRebooted []bool
}

func (n *fakeNotifier) NotifyGrounded(ctx context.Context, drone types.Node, alreadyRebooted bool) {
	n.notified = append(n.notified, drone)
	n.alreadyRebooted = append(n.alreadyRebooted, alreadyRebooted)
}

func TestCheckGroundedBelowThreshold(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	mon := New(store, Config{MaxDroneFailures: 3}, notifier, testLogger())

	store.health["d1"] = types.DroneHealth{NodeID: "d1", BuildFailureCount: 2}
	grounded, err := mon.CheckGrounded(context.Background(), "d1", types.Node{ID: "d1", Name: "drone-1"})
	if err != nil {
		t.Fatalf("check grounded: %v", err)
	}
	if grounded {
		t.Fatalf("expected not grounded below threshold")
	}
	if len(notifier.notified) != 0 {
		t.Fatalf("expected no escalation below threshold")
	}
}

func TestCheckGroundedTripsAtThresholdAndReclaimsWork(t *testing.T) {
	store := newFakeStore()
	store.health["d1"] = types.DroneHealth{NodeID: "d1", BuildFailureCount: 3}
	store.delegated["d1"] = []types.QueueEntry{{Atom: "app-misc/foo-1.0"}, {Atom: "app-misc/bar-2.0"}}
	notifier := &fakeNotifier{}
	mon := New(store, Config{MaxDroneFailures: 3, GroundingTimeout: time.Minute}, notifier, testLogger())

	grounded, err := mon.CheckGrounded(context.Background(), "d1", types.Node{ID: "d1", Name: "drone-1"})
	if err != nil {
		t.Fatalf("check grounded: %v", err)
	}
	if !grounded {
		t.Fatalf("expected grounded at threshold")
	}
	if store.health["d1"].GroundedUntil == nil {
		t.Fatalf("expected GroundedUntil to be set")
	}
	if len(store.reclaimed) != 2 {
		t.Fatalf("expected both delegated packages reclaimed, got %v", store.reclaimed)
	}
	if len(notifier.notified) != 1 || notifier.notified[0].Name != "drone-1" {
		t.Fatalf("expected escalation notified for drone-1, got %+v", notifier.notified)
	}

	// A second call while still within the cooldown must not re-notify.
	grounded2, err := mon.CheckGrounded(context.Background(), "d1", types.Node{ID: "d1", Name: "drone-1"})
	if err != nil {
		t.Fatalf("check grounded (second call): %v", err)
	}
	if !grounded2 {
		t.Fatalf("expected still grounded within cooldown")
	}
	if len(notifier.notified) != 1 {
		t.Fatalf("expected no duplicate escalation, got %d notifications", len(notifier.notified))
	}
}

func TestCheckGroundedClearsAfterCooldown(t *testing.T) {
	store := newFakeStore()
	past := time.Now().UTC().Add(-time.Minute)
	store.health["d1"] = types.DroneHealth{NodeID: "d1", BuildFailureCount: 5, GroundedUntil: &past}
	mon := New(store, Config{MaxDroneFailures: 3}, &fakeNotifier{}, testLogger())

	grounded, err := mon.CheckGrounded(context.Background(), "d1", types.Node{ID: "d1", Name: "drone-1"})
	if err != nil {
		t.Fatalf("check grounded: %v", err)
	}
	if grounded {
		t.Fatalf("expected grounding cleared once cooldown elapsed")
	}
	if store.health["d1"].BuildFailureCount != 0 {
		t.Fatalf("expected failure count reset, got %d", store.health["d1"].BuildFailureCount)
	}
}

func TestRecordSuccessResetsHealth(t *testing.T) {
	store := newFakeStore()
	store.health["d1"] = types.DroneHealth{NodeID: "d1", BuildFailureCount: 4}
	mon := New(store, Config{}, &fakeNotifier{}, testLogger())

	if err := mon.RecordSuccess(context.Background(), "d1"); err != nil {
		t.Fatalf("record success: %v", err)
	}
	if store.health["d1"].BuildFailureCount != 0 {
		t.Fatalf("expected failure count reset to 0, got %d", store.health["d1"].BuildFailureCount)
	}
}

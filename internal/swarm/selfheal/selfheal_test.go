package selfheal

import (
	"context"
	"testing"
	"time"

	"github.com/buildswarm/coordinator/internal/sshexec"
	"github.com/buildswarm/coordinator/internal/swarm/types"
	"github.com/buildswarm/coordinator/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.NewDefault("selfheal_test")
}

type fakeStore struct {
	events   []types.Event
	reset    []string
	rebooted []string
}

func (f *fakeStore) GetNode(ctx context.Context, id string) (types.Node, error) {
	return types.Node{ID: id, Name: id}, nil
}
func (f *fakeStore) ResetDroneHealth(ctx context.Context, nodeID string) error {
	f.reset = append(f.reset, nodeID)
	return nil
}
func (f *fakeStore) MarkDroneRebooted(ctx context.Context, nodeID string) error {
	f.rebooted = append(f.rebooted, nodeID)
	return nil
}
func (f *fakeStore) InsertEvent(ctx context.Context, e types.Event) (types.Event, error) {
	f.events = append(f.events, e)
	return e, nil
}

// noAuthSSH deliberately carries no KeyPath and relies on SSH_AUTH_SOCK
// being unset in the test environment, so every sshexec call resolves to
// Result{Kind: Error} without touching the network.
var noAuthSSH = sshexec.Config{User: "root", Port: 22, ConnectTimeout: time.Second}

func TestNotifyGroundedStartsAtRestartService(t *testing.T) {
	store := &fakeStore{}
	h := New(store, noAuthSSH, testLogger())

	drone := types.Node{ID: "d1", Name: "drone-1"}
	h.NotifyGrounded(context.Background(), drone, false)

	snap := h.Snapshot()
	if snap["d1"] != LevelRestartService.String() {
		t.Fatalf("expected level %s after first escalation, got %s", LevelRestartService, snap["d1"])
	}
	if len(store.events) != 1 || store.events[0].Type != "self_heal" {
		t.Fatalf("expected one self_heal event, got %+v", store.events)
	}
}

func TestNotifyGroundedSkipsToRebootWhenAlreadyRebooted(t *testing.T) {
	store := &fakeStore{}
	h := New(store, noAuthSSH, testLogger())

	drone := types.Node{ID: "d1", Name: "drone-1", Capabilities: map[string]any{"drone_type": "lxc"}}
	h.NotifyGrounded(context.Background(), drone, true)

	snap := h.Snapshot()
	if snap["d1"] != LevelRebootContainer.String() {
		t.Fatalf("expected level %s when already rebooted, got %s", LevelRebootContainer, snap["d1"])
	}
}

func TestEscalateRespectsCooldown(t *testing.T) {
	store := &fakeStore{}
	h := New(store, noAuthSSH, testLogger())
	drone := types.Node{ID: "d1", Name: "drone-1"}

	h.NotifyGrounded(context.Background(), drone, false)
	h.Tick(context.Background(), []types.Node{drone})

	snap := h.Snapshot()
	if snap["d1"] != LevelRestartService.String() {
		t.Fatalf("expected to remain at %s within cooldown, got %s", LevelRestartService, snap["d1"])
	}
	if len(store.events) != 1 {
		t.Fatalf("expected cooldown to suppress the second tick's action, got %d events", len(store.events))
	}
}

func TestEscalateAdvancesAfterCooldownElapses(t *testing.T) {
	store := &fakeStore{}
	h := New(store, noAuthSSH, testLogger())
	drone := types.Node{ID: "d1", Name: "drone-1"}

	h.mu.Lock()
	h.states["d1"] = &droneState{level: LevelRestartService, lastAction: time.Now().Add(-time.Hour)}
	h.mu.Unlock()

	h.Tick(context.Background(), []types.Node{drone})

	snap := h.Snapshot()
	if snap["d1"] != LevelKillAndRestart.String() {
		t.Fatalf("expected escalation to %s after cooldown, got %s", LevelKillAndRestart, snap["d1"])
	}
}

func TestRebootContainerRefusesNonContainerized(t *testing.T) {
	store := &fakeStore{}
	h := New(store, noAuthSSH, testLogger())
	drone := types.Node{ID: "d1", Name: "drone-1"}

	h.mu.Lock()
	h.states["d1"] = &droneState{level: LevelKillAndRestart, lastAction: time.Now().Add(-time.Hour)}
	h.mu.Unlock()

	h.Tick(context.Background(), []types.Node{drone})

	if len(store.rebooted) != 0 {
		t.Fatalf("expected bare drone to never be marked rebooted, got %v", store.rebooted)
	}
	found := false
	for _, e := range store.events {
		if e.Type == "critical_alert" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected refusal to fall through to a critical alert, got %+v", store.events)
	}
}

func TestIsRebootSafe(t *testing.T) {
	h := New(&fakeStore{}, noAuthSSH, testLogger())

	cases := []struct {
		droneType string
		want      bool
	}{
		{"lxc", true},
		{"qemu", true},
		{"bare_metal", false},
		{"", false},
	}
	for _, c := range cases {
		drone := types.Node{Capabilities: map[string]any{"drone_type": c.droneType}}
		if c.droneType == "" {
			drone.Capabilities = nil
		}
		if got := h.IsRebootSafe(drone); got != c.want {
			t.Fatalf("IsRebootSafe(%q) = %v, want %v", c.droneType, got, c.want)
		}
	}
}

func TestCleanDiskEmitsAction(t *testing.T) {
	store := &fakeStore{}
	h := New(store, noAuthSSH, testLogger())
	drone := types.Node{ID: "d1", Name: "drone-1"}

	h.CleanDisk(context.Background(), drone)

	if len(store.events) != 1 {
		t.Fatalf("expected one event, got %d", len(store.events))
	}
	if store.events[0].Detail["action"] != "clean_disk" {
		t.Fatalf("expected clean_disk action in event detail, got %+v", store.events[0].Detail)
	}
}

func TestRecoverIfHealthyResetsLadderAndEmitsHeal(t *testing.T) {
	store := &fakeStore{}
	h := New(store, noAuthSSH, testLogger())
	drone := types.Node{ID: "d1", Name: "drone-1"}
	h.NotifyGrounded(context.Background(), drone, false)

	if err := h.RecoverIfHealthy(context.Background(), drone); err != nil {
		t.Fatalf("recover if healthy: %v", err)
	}

	snap := h.Snapshot()
	if snap["d1"] != LevelHealthy.String() {
		t.Fatalf("expected ladder reset to %s, got %s", LevelHealthy, snap["d1"])
	}
	if len(store.reset) != 1 {
		t.Fatalf("expected ResetDroneHealth to be called once, got %d", len(store.reset))
	}
	var healEvents int
	for _, e := range store.events {
		if e.Type == "heal" {
			healEvents++
		}
	}
	if healEvents != 1 {
		t.Fatalf("expected one heal event, got %d", healEvents)
	}
}

func TestRecoverIfHealthyNoopWhenNeverEscalated(t *testing.T) {
	store := &fakeStore{}
	h := New(store, noAuthSSH, testLogger())
	drone := types.Node{ID: "d1", Name: "drone-1"}

	if err := h.RecoverIfHealthy(context.Background(), drone); err != nil {
		t.Fatalf("recover if healthy: %v", err)
	}
	for _, e := range store.events {
		if e.Type == "heal" {
			t.Fatalf("expected no heal event when drone was never escalated, got %+v", store.events)
		}
	}
}

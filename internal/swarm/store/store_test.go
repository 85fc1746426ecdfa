package store

import (
	"testing"
	"time"

	"github.com/buildswarm/coordinator/internal/swarm/types"
)

func TestUpsertNodeIsIdempotentAndEvictsNameCollisions(t *testing.T) {
	s, ctx := newTestStore(t)

	n1, err := s.UpsertNode(ctx, types.Node{ID: "id-1", Name: "drone-a", Address: "10.0.0.1", Kind: "drone", Cores: 8})
	if err != nil {
		t.Fatalf("upsert first: %v", err)
	}

	n1Again, err := s.UpsertNode(ctx, n1)
	if err != nil {
		t.Fatalf("upsert second: %v", err)
	}
	if n1Again.ID != n1.ID {
		t.Fatalf("expected stable id across idempotent upsert")
	}

	all, err := s.GetAllNodes(ctx, true, "")
	if err != nil {
		t.Fatalf("get all nodes: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one node row after idempotent upsert, got %d", len(all))
	}

	// A different id claiming the same name evicts the old row.
	if _, err := s.UpsertNode(ctx, types.Node{ID: "id-2", Name: "drone-a", Address: "10.0.0.2", Kind: "drone", Cores: 4}); err != nil {
		t.Fatalf("upsert colliding name: %v", err)
	}
	if _, err := s.GetNode(ctx, "id-1"); err == nil {
		t.Fatalf("expected old id to be evicted on name collision")
	}
	byName, err := s.GetNodeByName(ctx, "drone-a")
	if err != nil {
		t.Fatalf("get node by name: %v", err)
	}
	if byName.ID != "id-2" {
		t.Fatalf("expected name to now resolve to id-2, got %s", byName.ID)
	}
}

func TestQueuePackagesDropsDuplicatesInActiveSession(t *testing.T) {
	s, ctx := newTestStore(t)

	added, err := s.QueuePackages(ctx, []string{"=a/b-1"}, "sess-1")
	if err != nil || added != 1 {
		t.Fatalf("first queue: added=%d err=%v", added, err)
	}

	added, err = s.QueuePackages(ctx, []string{"=a/b-1"}, "sess-1")
	if err != nil {
		t.Fatalf("second queue: %v", err)
	}
	if added != 0 {
		t.Fatalf("expected duplicate atom to add 0, got %d", added)
	}
}

func TestAssignPackageIsConditionalOnNeeded(t *testing.T) {
	s, ctx := newTestStore(t)
	if _, err := s.QueuePackages(ctx, []string{"=a/b-1"}, ""); err != nil {
		t.Fatalf("queue: %v", err)
	}
	entries, err := s.GetNeededPackages(ctx, 10, "")
	if err != nil || len(entries) != 1 {
		t.Fatalf("get needed: %v, len=%d", err, len(entries))
	}
	id := entries[0].ID

	ok, err := s.AssignPackage(ctx, id, "drone-1")
	if err != nil || !ok {
		t.Fatalf("first assign: ok=%v err=%v", ok, err)
	}

	ok, err = s.AssignPackage(ctx, id, "drone-2")
	if err != nil {
		t.Fatalf("second assign: %v", err)
	}
	if ok {
		t.Fatalf("expected second concurrent assign to lose the race")
	}
}

func TestAssignBlockedPackageIsConditionalOnBlocked(t *testing.T) {
	s, ctx := newTestStore(t)
	if _, err := s.QueuePackages(ctx, []string{"=x/y-1"}, ""); err != nil {
		t.Fatalf("queue: %v", err)
	}

	entries, err := s.GetNeededPackages(ctx, 10, "")
	if err != nil || len(entries) != 1 {
		t.Fatalf("get needed: %v, len=%d", err, len(entries))
	}
	id := entries[0].ID

	if ok, err := s.AssignBlockedPackage(ctx, id, "sweeper-1"); err != nil || ok {
		t.Fatalf("expected needed entry to be rejected by AssignBlockedPackage: ok=%v err=%v", ok, err)
	}

	for i := 0; i < 5; i++ {
		entries, err := s.GetNeededPackages(ctx, 10, "")
		if err != nil || len(entries) != 1 {
			t.Fatalf("iter %d: get needed: %v, len=%d", i, err, len(entries))
		}
		if ok, err := s.AssignPackage(ctx, entries[0].ID, "drone-1"); err != nil || !ok {
			t.Fatalf("iter %d: assign ok=%v err=%v", i, ok, err)
		}
		if err := s.CompletePackage(ctx, "=x/y-1", "drone-1", "failed", 1.0, "build error", "", 5); err != nil {
			t.Fatalf("iter %d: complete: %v", i, err)
		}
	}

	blocked, err := s.GetBlockedPackages(ctx, 10)
	if err != nil || len(blocked) != 1 {
		t.Fatalf("get blocked: %v, len=%d", err, len(blocked))
	}

	if ok, err := s.AssignPackage(ctx, blocked[0].ID, "sweeper-1"); err != nil || ok {
		t.Fatalf("expected blocked entry to be rejected by AssignPackage: ok=%v err=%v", ok, err)
	}
	ok, err := s.AssignBlockedPackage(ctx, blocked[0].ID, "sweeper-1")
	if err != nil || !ok {
		t.Fatalf("assign blocked: ok=%v err=%v", ok, err)
	}

	delegated, err := s.GetDelegatedPackages(ctx, "sweeper-1")
	if err != nil || len(delegated) != 1 {
		t.Fatalf("get delegated: %v, len=%d", err, len(delegated))
	}
}

func TestCompletePackageBlocksAfterThreshold(t *testing.T) {
	s, ctx := newTestStore(t)
	if _, err := s.QueuePackages(ctx, []string{"=x/y-1"}, ""); err != nil {
		t.Fatalf("queue: %v", err)
	}

	for i := 0; i < 5; i++ {
		entries, err := s.GetNeededPackages(ctx, 10, "")
		if err != nil {
			t.Fatalf("get needed iter %d: %v", i, err)
		}
		if len(entries) != 1 {
			t.Fatalf("iter %d: expected 1 needed entry, got %d", i, len(entries))
		}
		if ok, err := s.AssignPackage(ctx, entries[0].ID, "drone-1"); err != nil || !ok {
			t.Fatalf("iter %d: assign ok=%v err=%v", i, ok, err)
		}
		if err := s.CompletePackage(ctx, "=x/y-1", "drone-1", "failed", 1.0, "build error", "", 5); err != nil {
			t.Fatalf("iter %d: complete: %v", i, err)
		}
	}

	blocked, err := s.GetBlockedPackages(ctx, 10)
	if err != nil {
		t.Fatalf("get blocked: %v", err)
	}
	if len(blocked) != 1 {
		t.Fatalf("expected one blocked entry after 5 failures, got %d", len(blocked))
	}
	if blocked[0].FailureCount != 5 {
		t.Fatalf("expected failure_count=5, got %d", blocked[0].FailureCount)
	}
}

func TestUnblockAllClearsEveryBlockedRow(t *testing.T) {
	s, ctx := newTestStore(t)
	if _, err := s.QueuePackages(ctx, []string{"=x/y-1"}, ""); err != nil {
		t.Fatalf("queue: %v", err)
	}
	for i := 0; i < 5; i++ {
		entries, _ := s.GetNeededPackages(ctx, 10, "")
		s.AssignPackage(ctx, entries[0].ID, "drone-1")
		if err := s.CompletePackage(ctx, "=x/y-1", "drone-1", "failed", 1.0, "err", "", 5); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	if err := s.UnblockAll(ctx); err != nil {
		t.Fatalf("unblock all: %v", err)
	}

	blocked, err := s.GetBlockedPackages(ctx, 10)
	if err != nil {
		t.Fatalf("get blocked: %v", err)
	}
	if len(blocked) != 0 {
		t.Fatalf("expected no blocked rows after unblock_all, got %d", len(blocked))
	}
	needed, err := s.GetNeededPackages(ctx, 10, "")
	if err != nil {
		t.Fatalf("get needed: %v", err)
	}
	if len(needed) != 1 || needed[0].FailureCount != 0 {
		t.Fatalf("expected the unblocked row back in needed with failure_count=0, got %+v", needed)
	}
}

func TestCompletePackageRecordsActualOutcomeInHistory(t *testing.T) {
	s, ctx := newTestStore(t)
	if _, err := s.QueuePackages(ctx, []string{"=x/y-1", "=x/z-1"}, ""); err != nil {
		t.Fatalf("queue: %v", err)
	}

	entries, err := s.GetNeededPackages(ctx, 10, "")
	if err != nil || len(entries) != 2 {
		t.Fatalf("get needed: %v, len=%d", err, len(entries))
	}
	for _, e := range entries {
		if ok, err := s.AssignPackage(ctx, e.ID, "drone-1"); err != nil || !ok {
			t.Fatalf("assign %s: ok=%v err=%v", e.Atom, ok, err)
		}
	}

	if err := s.CompletePackage(ctx, "=x/y-1", "drone-1", "missing_binary", 0, "no binpkg produced", "", 5); err != nil {
		t.Fatalf("complete missing_binary: %v", err)
	}
	if err := s.CompletePackage(ctx, "=x/z-1", "drone-1", "returned", 0, "", "", 5); err != nil {
		t.Fatalf("complete returned: %v", err)
	}

	history, err := s.GetHistory(ctx, 10, "")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	byAtom := make(map[string]string)
	for _, h := range history {
		byAtom[h.Atom] = h.Status
	}
	if byAtom["=x/y-1"] != "missing_binary" {
		t.Fatalf("expected missing_binary preserved in history, got %q", byAtom["=x/y-1"])
	}
	if byAtom["=x/z-1"] != "returned" {
		t.Fatalf("expected returned preserved in history, got %q", byAtom["=x/z-1"])
	}
}

func TestHasDroneFailedPackageExcludesReturnedAndUploadFailed(t *testing.T) {
	s, ctx := newTestStore(t)
	if _, err := s.QueuePackages(ctx, []string{"=x/y-1"}, ""); err != nil {
		t.Fatalf("queue: %v", err)
	}

	complete := func(outcome string) {
		entries, err := s.GetNeededPackages(ctx, 10, "")
		if err != nil || len(entries) != 1 {
			t.Fatalf("get needed for %s: %v, len=%d", outcome, err, len(entries))
		}
		if ok, err := s.AssignPackage(ctx, entries[0].ID, "drone-1"); err != nil || !ok {
			t.Fatalf("assign for %s: ok=%v err=%v", outcome, ok, err)
		}
		if err := s.CompletePackage(ctx, "=x/y-1", "drone-1", outcome, 0, "", "", 100); err != nil {
			t.Fatalf("complete %s: %v", outcome, err)
		}
	}

	complete("returned")
	failed, err := s.HasDroneFailedPackage(ctx, "drone-1", "=x/y-1")
	if err != nil {
		t.Fatalf("has drone failed: %v", err)
	}
	if failed {
		t.Fatalf("expected returned not to count as a failure")
	}

	complete("upload_failed")
	failed, err = s.HasDroneFailedPackage(ctx, "drone-1", "=x/y-1")
	if err != nil {
		t.Fatalf("has drone failed: %v", err)
	}
	if failed {
		t.Fatalf("expected upload_failed not to count as a failure")
	}

	complete("failed")
	failed, err = s.HasDroneFailedPackage(ctx, "drone-1", "=x/y-1")
	if err != nil {
		t.Fatalf("has drone failed: %v", err)
	}
	if !failed {
		t.Fatalf("expected an actual build failure to count")
	}

	distinct, err := s.CountDistinctDroneFailures(ctx, "=x/y-1")
	if err != nil {
		t.Fatalf("count distinct drone failures: %v", err)
	}
	if distinct != 1 {
		t.Fatalf("expected exactly one distinct failing drone, got %d", distinct)
	}
}

func TestEnsureActiveSessionIsSingleton(t *testing.T) {
	s, ctx := newTestStore(t)

	first, err := s.EnsureActiveSession(ctx, "campaign-1")
	if err != nil {
		t.Fatalf("ensure first: %v", err)
	}
	second, err := s.EnsureActiveSession(ctx, "campaign-2")
	if err != nil {
		t.Fatalf("ensure second: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected at most one active session, got two distinct ids")
	}
}

func TestPromoteReleaseKeepsExactlyOneActive(t *testing.T) {
	s, ctx := newTestStore(t)

	for _, v := range []string{"1", "2"} {
		if err := s.InsertRelease(ctx, types.Release{Version: v, Status: types.ReleaseStaging, Path: "/releases/" + v, CreatedAt: time.Now().UTC()}); err != nil {
			t.Fatalf("insert release %s: %v", v, err)
		}
	}

	if err := s.PromoteRelease(ctx, "1"); err != nil {
		t.Fatalf("promote 1: %v", err)
	}
	if err := s.PromoteRelease(ctx, "2"); err != nil {
		t.Fatalf("promote 2: %v", err)
	}

	releases, err := s.ListReleases(ctx)
	if err != nil {
		t.Fatalf("list releases: %v", err)
	}
	activeCount := 0
	for _, r := range releases {
		if r.Status == types.ReleaseActive {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Fatalf("expected exactly one active release, got %d", activeCount)
	}

	one, err := s.GetRelease(ctx, "1")
	if err != nil {
		t.Fatalf("get release 1: %v", err)
	}
	if one.Status != types.ReleaseArchived {
		t.Fatalf("expected release 1 archived after promoting 2, got %s", one.Status)
	}
}

func TestEventIDsStrictlyIncrease(t *testing.T) {
	s, ctx := newTestStore(t)

	var lastID int64
	for i := 0; i < 5; i++ {
		e, err := s.InsertEvent(ctx, types.Event{Type: "test", Message: "tick"})
		if err != nil {
			t.Fatalf("insert event %d: %v", i, err)
		}
		if e.ID <= lastID {
			t.Fatalf("expected strictly increasing event ids, got %d after %d", e.ID, lastID)
		}
		lastID = e.ID
	}
}

func TestGroundDroneAndResetHealth(t *testing.T) {
	s, ctx := newTestStore(t)

	for i := 0; i < 8; i++ {
		if _, err := s.RecordDroneFailure(ctx, "drone-1"); err != nil {
			t.Fatalf("record failure %d: %v", i, err)
		}
	}
	health, err := s.GetDroneHealth(ctx, "drone-1")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	if health.BuildFailureCount != 8 {
		t.Fatalf("expected 8 failures, got %d", health.BuildFailureCount)
	}

	until := time.Now().UTC().Add(5 * time.Minute)
	if err := s.GroundDrone(ctx, "drone-1", until); err != nil {
		t.Fatalf("ground: %v", err)
	}
	health, err = s.GetDroneHealth(ctx, "drone-1")
	if err != nil {
		t.Fatalf("get health after ground: %v", err)
	}
	if !health.Grounded(time.Now().UTC()) {
		t.Fatalf("expected drone to be grounded")
	}

	if err := s.ResetDroneHealth(ctx, "drone-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	health, err = s.GetDroneHealth(ctx, "drone-1")
	if err != nil {
		t.Fatalf("get health after reset: %v", err)
	}
	if health.BuildFailureCount != 0 || health.Grounded(time.Now().UTC()) {
		t.Fatalf("expected clean health after reset, got %+v", health)
	}
}

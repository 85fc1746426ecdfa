package coordinator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/buildswarm/coordinator/internal/platform/database"
	"github.com/buildswarm/coordinator/internal/platform/migrations"
	"github.com/buildswarm/coordinator/internal/sshexec"
	"github.com/buildswarm/coordinator/internal/swarm/events"
	"github.com/buildswarm/coordinator/internal/swarm/health"
	"github.com/buildswarm/coordinator/internal/swarm/payload"
	"github.com/buildswarm/coordinator/internal/swarm/protocol"
	"github.com/buildswarm/coordinator/internal/swarm/release"
	"github.com/buildswarm/coordinator/internal/swarm/scheduler"
	"github.com/buildswarm/coordinator/internal/swarm/selfheal"
	"github.com/buildswarm/coordinator/internal/swarm/store"
	"github.com/buildswarm/coordinator/internal/swarm/types"
	"github.com/buildswarm/coordinator/pkg/logger"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "swarm.db")
	db, err := database.Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrations.Apply(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(db)
	log := logger.NewDefault("coordinator_test")

	feed := events.New(st)
	if err := feed.Hydrate(ctx); err != nil {
		t.Fatalf("hydrate feed: %v", err)
	}

	protoLogger := protocol.New(st, testResolver{st}, log)
	healer := selfheal.New(st, sshexec.Config{}, log)
	mon := health.New(st, health.Config{}, healer, log)
	sched := scheduler.New(st, mon, feed, scheduler.Config{})
	stagingDir := filepath.Join(t.TempDir(), "staging")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		t.Fatalf("create staging dir: %v", err)
	}
	rel := release.New(st, release.Config{
		StagingDir:     stagingDir,
		ReleasesBase:   filepath.Join(t.TempDir(), "releases"),
		BinhostSymlink: filepath.Join(t.TempDir(), "binhost"),
	})
	pay := payload.New(st, payload.Config{StorageDir: filepath.Join(t.TempDir(), "payloads")})

	cfg := Config{
		OrchestratorIP:   "10.0.0.1",
		OrchestratorName: "test-coordinator",
		OrchestratorPort: 8080,
		BinaryRoots:      []string{filepath.Join(t.TempDir(), "binaries")},
		AdminKey:         "test-admin-key",
	}
	return New(st, sched, mon, healer, feed, protoLogger, rel, pay, cfg, log)
}

type testResolver struct{ store *store.Store }

func (r testResolver) ResolveName(ctx context.Context, id string) (string, bool) {
	node, err := r.store.GetNode(ctx, id)
	if err != nil {
		return "", false
	}
	return node.Name, true
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func TestHandleHealth(t *testing.T) {
	c := newTestCoordinator(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	c.PublicHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var out map[string]any
	decodeBody(t, rec, &out)
	if out["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", out["status"])
	}
}

func TestHandleRegisterNewDrone(t *testing.T) {
	c := newTestCoordinator(t)
	body := strings.NewReader(`{"name":"drone-1","ip":"10.0.0.5","type":"drone","capabilities":{"drone_type":"vm"},"version":"1.0.0"}`)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/register", body)
	c.PublicHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var out map[string]any
	decodeBody(t, rec, &out)
	if out["status"] != "ok" {
		t.Fatalf("status = %v, want ok", out["status"])
	}
	if out["orchestrator"] != "10.0.0.1" {
		t.Fatalf("orchestrator = %v, want 10.0.0.1", out["orchestrator"])
	}

	nodes, err := c.store.GetAllNodes(context.Background(), true, "")
	if err != nil {
		t.Fatalf("get all nodes: %v", err)
	}
	if len(nodes) != 1 || nodes[0].Name != "drone-1" {
		t.Fatalf("expected one drone named drone-1, got %+v", nodes)
	}
}

func TestHandleRegisterTransitionEmitsEvent(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	register := func() {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/register",
			strings.NewReader(`{"name":"drone-2","ip":"10.0.0.6"}`))
		c.PublicHandler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("register status = %d body = %s", rec.Code, rec.Body.String())
		}
	}

	register()
	events1 := c.feed.Recent(50)
	registerCount := countEvents(events1, "register")
	if registerCount != 1 {
		t.Fatalf("first register: expected 1 register event, got %d", registerCount)
	}

	// Registering again while still online must not emit a second event.
	register()
	events2 := c.feed.Recent(50)
	if countEvents(events2, "register") != 1 {
		t.Fatalf("second register while online: expected still 1 register event, got %d", countEvents(events2, "register"))
	}

	node, err := c.store.GetNodeByName(ctx, "drone-2")
	if err != nil {
		t.Fatalf("get node by name: %v", err)
	}
	if err := c.store.UpdateNodeStatus(ctx, -time.Hour); err != nil {
		t.Fatalf("age out node: %v", err)
	}
	_ = node

	register()
	events3 := c.feed.Recent(50)
	if countEvents(events3, "register") != 2 {
		t.Fatalf("register after going offline: expected 2 register events, got %d", countEvents(events3, "register"))
	}
}

func countEvents(entries []types.Event, typ string) int {
	n := 0
	for _, e := range entries {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestHandleQueueAndWork(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	// Register a drone so scheduler.GetWork has someone to hand work to.
	regRec := httptest.NewRecorder()
	c.PublicHandler().ServeHTTP(regRec, httptest.NewRequest(http.MethodPost, "/api/v1/register",
		strings.NewReader(`{"name":"drone-3","ip":"10.0.0.7"}`)))
	if regRec.Code != http.StatusOK {
		t.Fatalf("register status = %d", regRec.Code)
	}
	nodes, err := c.store.GetAllNodes(ctx, true, "")
	if err != nil || len(nodes) != 1 {
		t.Fatalf("get nodes: %v %+v", err, nodes)
	}
	droneID := nodes[0].ID

	queueRec := httptest.NewRecorder()
	c.PublicHandler().ServeHTTP(queueRec, httptest.NewRequest(http.MethodPost, "/api/v1/queue",
		strings.NewReader(`{"packages":["app-misc/foo-1.0"]}`)))
	if queueRec.Code != http.StatusOK {
		t.Fatalf("queue status = %d body = %s", queueRec.Code, queueRec.Body.String())
	}
	var queueOut map[string]any
	decodeBody(t, queueRec, &queueOut)
	if queueOut["queued"].(float64) != 1 {
		t.Fatalf("queued = %v, want 1", queueOut["queued"])
	}

	workRec := httptest.NewRecorder()
	c.PublicHandler().ServeHTTP(workRec, httptest.NewRequest(http.MethodGet, "/api/v1/work?id="+droneID, nil))
	if workRec.Code != http.StatusOK {
		t.Fatalf("work status = %d body = %s", workRec.Code, workRec.Body.String())
	}
	var workOut map[string]any
	decodeBody(t, workRec, &workOut)
	if workOut["package"] != "app-misc/foo-1.0" {
		t.Fatalf("package = %v, want app-misc/foo-1.0", workOut["package"])
	}
}

func TestHandleCompleteMissingBinaryDowngrades(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	regRec := httptest.NewRecorder()
	c.PublicHandler().ServeHTTP(regRec, httptest.NewRequest(http.MethodPost, "/api/v1/register",
		strings.NewReader(`{"name":"drone-4","ip":"10.0.0.8"}`)))
	nodes, _ := c.store.GetAllNodes(ctx, true, "")
	droneID := nodes[0].ID

	queueRec := httptest.NewRecorder()
	c.PublicHandler().ServeHTTP(queueRec, httptest.NewRequest(http.MethodPost, "/api/v1/queue",
		strings.NewReader(`{"packages":["app-misc/bar-2.0"]}`)))
	_ = queueRec

	workRec := httptest.NewRecorder()
	c.PublicHandler().ServeHTTP(workRec, httptest.NewRequest(http.MethodGet, "/api/v1/work?id="+droneID, nil))
	var workOut map[string]any
	decodeBody(t, workRec, &workOut)
	if workOut["package"] != "app-misc/bar-2.0" {
		t.Fatalf("expected app-misc/bar-2.0 assigned, got %v body=%s", workOut["package"], workRec.Body.String())
	}

	completeRec := httptest.NewRecorder()
	completeBody := `{"id":"` + droneID + `","package":"app-misc/bar-2.0","status":"success","build_duration_s":12.5}`
	c.PublicHandler().ServeHTTP(completeRec, httptest.NewRequest(http.MethodPost, "/api/v1/complete",
		strings.NewReader(completeBody)))
	if completeRec.Code != http.StatusOK {
		t.Fatalf("complete status = %d body = %s", completeRec.Code, completeRec.Body.String())
	}
	var completeOut map[string]any
	decodeBody(t, completeRec, &completeOut)
	if completeOut["status"] != "missing_binary" {
		t.Fatalf("status = %v, want missing_binary (no binary artifact was staged)", completeOut["status"])
	}
	if completeOut["accepted"] != true {
		t.Fatalf("accepted = %v, want true", completeOut["accepted"])
	}
}

func TestHandleControlPauseResume(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	c.PublicHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/control",
		strings.NewReader(`{"action":"pause"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d", rec.Code)
	}
	paused, err := c.store.IsPaused(ctx)
	if err != nil || !paused {
		t.Fatalf("expected paused, got %v err=%v", paused, err)
	}

	rec2 := httptest.NewRecorder()
	c.PublicHandler().ServeHTTP(rec2, httptest.NewRequest(http.MethodPost, "/api/v1/control",
		strings.NewReader(`{"action":"resume"}`)))
	if rec2.Code != http.StatusOK {
		t.Fatalf("resume status = %d", rec2.Code)
	}
	paused, err = c.store.IsPaused(ctx)
	if err != nil || paused {
		t.Fatalf("expected not paused, got %v err=%v", paused, err)
	}
}

func TestAdminAuditRequiresKey(t *testing.T) {
	c := newTestCoordinator(t)

	rec := httptest.NewRecorder()
	c.AdminHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/audit", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without X-Admin-Key", rec.Code)
	}

	rec2 := httptest.NewRecorder()
	authed := httptest.NewRequest(http.MethodGet, "/api/v1/admin/audit", nil)
	authed.Header.Set("X-Admin-Key", "test-admin-key")
	c.AdminHandler().ServeHTTP(rec2, authed)
	if rec2.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with correct X-Admin-Key, body=%s", rec2.Code, rec2.Body.String())
	}
	var report AuditReport
	decodeBody(t, rec2, &report)
	if report.WindowHours <= 0 {
		t.Fatalf("window hours = %v, want > 0", report.WindowHours)
	}
}

func adminRequest(t *testing.T, c *Coordinator, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Admin-Key", "test-admin-key")
	rec := httptest.NewRecorder()
	c.AdminHandler().ServeHTTP(rec, req)
	return rec
}

func TestPayloadPublishFetchAndDeploymentStatus(t *testing.T) {
	c := newTestCoordinator(t)

	content := base64.StdEncoding.EncodeToString([]byte("#!/bin/sh\necho hi\n"))
	publishRec := adminRequest(t, c, http.MethodPost, "/api/v1/admin/payload/publish",
		`{"type":"agent","version":"1.0.0","content_base64":"`+content+`"}`)
	if publishRec.Code != http.StatusOK {
		t.Fatalf("publish status = %d body = %s", publishRec.Code, publishRec.Body.String())
	}

	fetchRec := httptest.NewRecorder()
	c.PublicHandler().ServeHTTP(fetchRec, httptest.NewRequest(http.MethodGet, "/api/v1/payload?type=agent", nil))
	if fetchRec.Code != http.StatusOK {
		t.Fatalf("fetch status = %d body = %s", fetchRec.Code, fetchRec.Body.String())
	}
	if fetchRec.Header().Get("X-Payload-Version") != "1.0.0" {
		t.Fatalf("X-Payload-Version = %q, want 1.0.0", fetchRec.Header().Get("X-Payload-Version"))
	}
	if fetchRec.Body.String() != "#!/bin/sh\necho hi\n" {
		t.Fatalf("fetched content = %q", fetchRec.Body.String())
	}

	deployRec := adminRequest(t, c, http.MethodPost, "/api/v1/admin/payload/deploying",
		`{"node_id":"drone-x","payload_type":"agent","version":"1.0.0"}`)
	if deployRec.Code != http.StatusOK {
		t.Fatalf("mark deploying status = %d body = %s", deployRec.Code, deployRec.Body.String())
	}

	statusRec := adminRequest(t, c, http.MethodGet, "/api/v1/admin/payload/status?node_id=drone-x&type=agent", "")
	if statusRec.Code != http.StatusOK {
		t.Fatalf("status status = %d body = %s", statusRec.Code, statusRec.Body.String())
	}
	var dp types.DronePayload
	decodeBody(t, statusRec, &dp)
	if dp.Status != types.PayloadDeploying {
		t.Fatalf("status = %v, want deploying", dp.Status)
	}
}

func TestReleaseCreatePromoteRollback(t *testing.T) {
	c := newTestCoordinator(t)

	createRec := adminRequest(t, c, http.MethodPost, "/api/v1/admin/releases",
		`{"version":"2026.01.01","created_by":"operator"}`)
	if createRec.Code != http.StatusOK {
		t.Fatalf("create status = %d body = %s", createRec.Code, createRec.Body.String())
	}
	var created types.Release
	decodeBody(t, createRec, &created)
	if created.Version != "2026.01.01" {
		t.Fatalf("version = %q, want 2026.01.01", created.Version)
	}

	promoteRec := adminRequest(t, c, http.MethodPost, "/api/v1/admin/releases/promote",
		`{"version":"2026.01.01"}`)
	if promoteRec.Code != http.StatusOK {
		t.Fatalf("promote status = %d body = %s", promoteRec.Code, promoteRec.Body.String())
	}

	listRec := adminRequest(t, c, http.MethodGet, "/api/v1/admin/releases", "")
	var listOut map[string]any
	decodeBody(t, listRec, &listOut)
	releases, ok := listOut["releases"].([]any)
	if !ok || len(releases) != 1 {
		t.Fatalf("expected 1 release listed, got %+v", listOut)
	}

	rollbackRec := adminRequest(t, c, http.MethodPost, "/api/v1/admin/releases/rollback", "")
	if rollbackRec.Code == http.StatusOK {
		t.Fatalf("rollback with only one (active) release should fail, got 200: %s", rollbackRec.Body.String())
	}
}

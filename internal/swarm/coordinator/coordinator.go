// Package coordinator implements the coordinator's HTTP surface: the
// public drone-facing protocol, a separate admin-key-gated surface, and
// the background maintenance loops that keep queue and drone state
// healthy without operator intervention.
package coordinator

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/buildswarm/coordinator/internal/swarm/events"
	"github.com/buildswarm/coordinator/internal/swarm/health"
	"github.com/buildswarm/coordinator/internal/swarm/payload"
	"github.com/buildswarm/coordinator/internal/swarm/protocol"
	"github.com/buildswarm/coordinator/internal/swarm/release"
	"github.com/buildswarm/coordinator/internal/swarm/scheduler"
	"github.com/buildswarm/coordinator/internal/swarm/selfheal"
	"github.com/buildswarm/coordinator/internal/swarm/store"
	"github.com/buildswarm/coordinator/internal/version"
	"github.com/buildswarm/coordinator/pkg/logger"
	"github.com/buildswarm/coordinator/pkg/metrics"
)

// Config controls the coordinator's discovery identity and binary
// validation roots.
type Config struct {
	OrchestratorIP   string
	OrchestratorName string
	OrchestratorPort int

	// BinaryRoots is searched in the order given (coordinatord defaults
	// to staging, then the binhost symlink).
	BinaryRoots []string

	AdminKey string

	QueueFailureBlockThreshold int
}

func (c Config) withDefaults() Config {
	if c.QueueFailureBlockThreshold <= 0 {
		c.QueueFailureBlockThreshold = 5
	}
	return c
}

// Coordinator owns every subcomponent the HTTP surface dispatches into.
type Coordinator struct {
	store     *store.Store
	scheduler *scheduler.Scheduler
	health    *health.Monitor
	healer    *selfheal.Healer
	feed      *events.Feed
	protocol  *protocol.Logger
	release   *release.Engine
	payload   *payload.Registry
	cfg       Config
	log       *logger.Logger
	startedAt time.Time
}

// New constructs a Coordinator.
func New(
	st *store.Store,
	sched *scheduler.Scheduler,
	mon *health.Monitor,
	healer *selfheal.Healer,
	feed *events.Feed,
	protoLogger *protocol.Logger,
	rel *release.Engine,
	pay *payload.Registry,
	cfg Config,
	log *logger.Logger,
) *Coordinator {
	return &Coordinator{
		store:     st,
		scheduler: sched,
		health:    mon,
		healer:    healer,
		feed:      feed,
		protocol:  protoLogger,
		release:   rel,
		payload:   pay,
		cfg:       cfg.withDefaults(),
		log:       log,
		startedAt: time.Now().UTC(),
	}
}

// ResolveName implements protocol.NodeResolver.
func (c *Coordinator) ResolveName(ctx context.Context, id string) (string, bool) {
	node, err := c.store.GetNode(ctx, id)
	if err != nil {
		return "", false
	}
	return node.Name, true
}

// PublicHandler builds the unauthenticated, drone-facing mux.
func (c *Coordinator) PublicHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", c.handleHealth)
	mux.HandleFunc("/api/v1/nodes", c.handleNodes)
	mux.HandleFunc("/api/v1/orchestrator", c.handleOrchestrator)
	mux.HandleFunc("/api/v1/work", c.handleWork)
	mux.HandleFunc("/api/v1/status", c.handleStatus)
	mux.HandleFunc("/api/v1/history", c.handleHistory)
	mux.HandleFunc("/api/v1/events", c.handleEvents)
	mux.HandleFunc("/api/v1/protocol", c.handleProtocolQuery)
	mux.HandleFunc("/api/v1/protocol/detail", c.handleProtocolDetail)
	mux.HandleFunc("/api/v1/protocol/stats", c.handleProtocolStats)
	mux.HandleFunc("/api/v1/protocol/density", c.handleProtocolDensity)
	mux.HandleFunc("/api/v1/protocol/snapshot", c.handleProtocolSnapshot)
	mux.HandleFunc("/api/v1/register", c.handleRegister)
	mux.HandleFunc("/api/v1/complete", c.handleComplete)
	mux.HandleFunc("/api/v1/queue", c.handleQueue)
	mux.HandleFunc("/api/v1/control", c.handleControl)
	mux.HandleFunc("/api/v1/nodes/", c.handleNodeResource)
	mux.HandleFunc("/api/v1/payload", c.handleFetchPayload)

	return metrics.InstrumentHandler(c.wrapProtocolCapture(mux))
}

// AdminHandler builds the X-Admin-Key-gated mux for destructive/audit
// operations kept off the public surface.
func (c *Coordinator) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/admin/audit", c.handleAdminAudit)
	mux.HandleFunc("/api/v1/admin/releases", c.handleAdminReleases)
	mux.HandleFunc("/api/v1/admin/releases/promote", c.handleAdminReleasePromote)
	mux.HandleFunc("/api/v1/admin/releases/rollback", c.handleAdminReleaseRollback)
	mux.HandleFunc("/api/v1/admin/releases/archive", c.handleAdminReleaseArchive)
	mux.HandleFunc("/api/v1/admin/releases/diff", c.handleAdminReleaseDiff)
	mux.HandleFunc("/api/v1/admin/releases/migrate", c.handleAdminReleaseMigrate)
	mux.HandleFunc("/api/v1/admin/payload/publish", c.handleAdminPayloadPublish)
	mux.HandleFunc("/api/v1/admin/payload/latest", c.handleAdminPayloadLatest)
	mux.HandleFunc("/api/v1/admin/payload/fleet", c.handleAdminPayloadFleet)
	mux.HandleFunc("/api/v1/admin/payload/status", c.handleAdminPayloadStatus)
	mux.HandleFunc("/api/v1/admin/payload/deploying", c.handleAdminPayloadDeploying)
	mux.HandleFunc("/api/v1/admin/payload/deployed", c.handleAdminPayloadDeployed)
	mux.HandleFunc("/api/v1/admin/payload/failed", c.handleAdminPayloadFailed)
	mux.Handle("/metrics", metrics.Handler())
	return metrics.InstrumentHandler(c.requireAdminKey(c.wrapProtocolCapture(mux)))
}

func (c *Coordinator) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !constantTimeKeyMatch(r.Header.Get("X-Admin-Key"), c.cfg.AdminKey) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing X-Admin-Key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// captureWriter buffers the response so it can both reach the real client
// and be handed to the write-behind protocol logger.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *captureWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// wrapProtocolCapture records start time, captures request/response
// bodies, and hands a protocol-log entry to the write-behind queue before
// returning — never blocking the request on the log write.
func (c *Coordinator) wrapProtocolCapture(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var reqBody []byte
		if r.Body != nil {
			reqBody, _ = io.ReadAll(io.LimitReader(r.Body, 1<<20))
			r.Body = io.NopCloser(bytes.NewReader(reqBody))
		}

		rec := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		query := make(map[string]string, len(r.URL.Query()))
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}

		if c.protocol != nil {
			c.protocol.Enqueue(r.Context(), protocol.Entry{
				Timestamp:  start.UTC(),
				SourceAddr: r.RemoteAddr,
				Method:     r.Method,
				Path:       r.URL.Path,
				Query:      query,
				StatusCode: rec.status,
				ReqBody:    reqBody,
				RespBody:   rec.body.Bytes(),
				LatencyMS:  float64(time.Since(start).Microseconds()) / 1000.0,
			})
		}
	})
}

func (c *Coordinator) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  version.Version,
		"uptime_s": time.Since(c.startedAt).Seconds(),
	})
}

func (c *Coordinator) handleOrchestrator(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ip":   c.cfg.OrchestratorIP,
		"name": c.cfg.OrchestratorName,
		"port": c.cfg.OrchestratorPort,
	})
}

package coordinator

import (
	"context"
	"net/http"
	"time"

	"github.com/buildswarm/coordinator/internal/sshexec"
	"github.com/buildswarm/coordinator/internal/swarm/system"
	"github.com/buildswarm/coordinator/internal/swarm/types"
	"github.com/buildswarm/coordinator/pkg/logger"
	"github.com/buildswarm/coordinator/pkg/metrics"
	"github.com/robfig/cron/v3"
)

// wrapWithCORS allows the fleet dashboard to poll from a different origin
// and short-circuits preflight requests before they reach the mux.
func wrapWithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "X-Admin-Key, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// httpService wraps one *http.Server as a system.Service.
type httpService struct {
	name    string
	addr    string
	handler http.Handler
	server  *http.Server
	log     *logger.Logger
}

var _ system.Service = (*httpService)(nil)

func (s *httpService) Name() string { return s.name }

func (s *httpService) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("http server exited")
		}
	}()
	return nil
}

func (s *httpService) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// PublicService builds the drone-facing HTTP service for addr (e.g. ":8080").
func (c *Coordinator) PublicService(addr string) system.Service {
	return &httpService{
		name:    "http.public",
		addr:    addr,
		handler: wrapWithCORS(c.PublicHandler()),
		log:     c.log,
	}
}

// AdminService builds the X-Admin-Key-gated HTTP service for addr.
// Returns nil if no admin key is configured, since an admin surface with
// no key would silently accept everything.
func (c *Coordinator) AdminService(addr string) system.Service {
	if c.cfg.AdminKey == "" {
		return nil
	}
	return &httpService{
		name:    "http.admin",
		addr:    addr,
		handler: wrapWithCORS(c.AdminHandler()),
		log:     c.log,
	}
}

// cronService runs a single recurring job under robfig/cron and fits into
// the system manager lifecycle.
type cronService struct {
	name string
	spec string
	job  func(ctx context.Context)
	log  *logger.Logger

	cr       *cron.Cron
	parentCtx context.Context
}

var _ system.Service = (*cronService)(nil)

func (s *cronService) Name() string { return s.name }

func (s *cronService) Start(ctx context.Context) error {
	s.parentCtx = ctx
	s.cr = cron.New()
	_, err := s.cr.AddFunc(s.spec, func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.WithFields(map[string]any{"job": s.name, "panic": r}).Error("background job panicked")
			}
		}()
		s.job(s.parentCtx)
	})
	if err != nil {
		return err
	}
	s.cr.Start()
	return nil
}

func (s *cronService) Stop(ctx context.Context) error {
	if s.cr == nil {
		return nil
	}
	stopCtx := s.cr.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	return nil
}

const metricsRetention = 24 * time.Hour

// BackgroundServices returns every cron-driven maintenance loop: offline
// reclamation and blocked-atom aging every 15s, session bookkeeping every
// 30s, self-heal ladder ticks every 30s, SSH health probes every minute,
// metrics snapshotting every 15s (pruned every 25 minutes), and protocol
// log pruning every 5 minutes.
func (c *Coordinator) BackgroundServices(protocolMaxAge time.Duration, sshCfg sshexec.Config) []system.Service {
	return []system.Service{
		&cronService{name: "loop.maintenance", spec: "@every 15s", log: c.log, job: func(ctx context.Context) {
			if err := c.scheduler.ReclaimOfflineWork(ctx); err != nil {
				c.log.WithError(err).Warn("reclaim offline work")
			}
			if err := c.scheduler.AutoAgeBlocked(ctx); err != nil {
				c.log.WithError(err).Warn("auto-age blocked")
			}
			if err := c.store.UpdateNodeStatus(ctx, 90*time.Second); err != nil {
				c.log.WithError(err).Warn("update node status")
			}
		}},
		&cronService{name: "loop.self_heal", spec: "@every 30s", log: c.log, job: func(ctx context.Context) {
			nodes, err := c.store.GetAllNodes(ctx, true, "")
			if err != nil {
				c.log.WithError(err).Warn("list nodes for self-heal tick")
				return
			}
			healthByNode, err := c.store.GetAllDroneHealth(ctx)
			if err != nil {
				c.log.WithError(err).Warn("list drone health for self-heal tick")
				return
			}
			now := time.Now().UTC()
			var grounded []types.Node
			for _, n := range nodes {
				if n.Status == types.NodeGrounded || healthByNode[n.ID].Grounded(now) {
					grounded = append(grounded, n)
				}
			}
			c.healer.Tick(ctx, grounded)
		}},
		&cronService{name: "loop.health_probe", spec: "@every 1m", log: c.log, job: func(ctx context.Context) {
			nodes, err := c.store.GetAllNodes(ctx, true, "")
			if err != nil {
				c.log.WithError(err).Warn("list nodes for health probe")
				return
			}
			for _, n := range nodes {
				if n.Status == types.NodeOffline {
					continue
				}
				result, err := c.health.ProbeDroneHealth(ctx, n.ID, n.Address, sshCfg)
				if err != nil {
					c.log.WithFields(map[string]any{"drone": n.Name, "error": err}).Warn("probe drone health")
					continue
				}
				if result.Status == "service_down" || result.Status == "disk_full" {
					if _, err := c.health.RecordFailure(ctx, n.ID); err != nil {
						c.log.WithError(err).Warn("record probe-triggered failure")
					}
				}
				if result.Status == "disk_full" {
					c.healer.CleanDisk(ctx, n)
				}
			}
		}},
		&cronService{name: "loop.session_monitor", spec: "@every 30s", job: func(ctx context.Context) {
			session, err := c.store.ActiveSession(ctx)
			if err != nil {
				return
			}
			counted, err := c.store.SessionCounts(ctx, session.ID)
			if err != nil {
				c.log.WithError(err).Warn("session counts")
				return
			}
			if counted.NeededCount == 0 && counted.DelegatedCount == 0 && counted.BlockedCount == 0 {
				if err := c.store.CompleteSession(ctx, session.ID); err != nil {
					c.log.WithError(err).Warn("complete session")
				}
			}
		}, log: c.log},
		&cronService{name: "loop.metrics_recorder", spec: "@every 15s", log: c.log, job: func(ctx context.Context) {
			nodes, err := c.store.GetAllNodes(ctx, true, "")
			if err != nil {
				c.log.WithError(err).Warn("list nodes for metrics snapshot")
				return
			}
			byStatus := map[types.NodeStatus]int{}
			for _, n := range nodes {
				byStatus[n.Status]++
				if n.Status == types.NodeOnline {
					if err := c.store.LogMetrics(ctx, n.ID, n.Metrics); err != nil {
						c.log.WithError(err).Warn("log drone metrics")
					}
				}
			}
			for status, count := range byStatus {
				metrics.SetDroneCount(string(status), float64(count))
			}
			online, grounded := byStatus[types.NodeOnline], byStatus[types.NodeGrounded]
			system := map[string]any{
				"online_drones":   online,
				"grounded_drones": grounded,
				"total_drones":    len(nodes),
			}
			if err := c.store.LogMetrics(ctx, "", system); err != nil {
				c.log.WithError(err).Warn("log system metrics")
			}

			queueCounts, err := c.store.QueueStatusCounts(ctx)
			if err != nil {
				c.log.WithError(err).Warn("queue status counts for metrics snapshot")
				return
			}
			for status, count := range queueCounts {
				metrics.SetQueueDepth(status, float64(count))
			}
		}},
		&cronService{name: "loop.metrics_prune", spec: "@every 25m", log: c.log, job: func(ctx context.Context) {
			pruned, err := c.store.PruneOldMetrics(ctx, metricsRetention)
			if err != nil {
				c.log.WithError(err).Warn("prune metrics log")
				return
			}
			if pruned > 0 {
				c.log.WithFields(map[string]any{"pruned": pruned}).Debug("pruned metrics log")
			}
		}},
		&cronService{name: "loop.protocol_prune", spec: "@every 5m", log: c.log, job: func(ctx context.Context) {
			if protocolMaxAge <= 0 {
				return
			}
			pruned, err := c.store.PruneProtocolLog(ctx, protocolMaxAge)
			if err != nil {
				c.log.WithError(err).Warn("prune protocol log")
				return
			}
			if pruned > 0 {
				c.log.WithFields(map[string]any{"pruned": pruned}).Info("pruned protocol log")
			}
			if swept, err := c.store.SweepExpiredPreflightTokens(ctx); err != nil {
				c.log.WithError(err).Warn("sweep preflight tokens")
			} else if swept > 0 {
				c.log.WithFields(map[string]any{"swept": swept}).Debug("swept expired preflight tokens")
			}
		}},
	}
}

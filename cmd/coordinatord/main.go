// Command coordinatord runs the build-swarm coordinator: the HTTP
// protocol drones and operators speak, the scheduler deciding what gets
// built next, and the background loops that keep the fleet healthy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/buildswarm/coordinator/internal/config"
	"github.com/buildswarm/coordinator/internal/platform/database"
	"github.com/buildswarm/coordinator/internal/platform/migrations"
	"github.com/buildswarm/coordinator/internal/sshexec"
	"github.com/buildswarm/coordinator/internal/swarm/coordinator"
	"github.com/buildswarm/coordinator/internal/swarm/events"
	"github.com/buildswarm/coordinator/internal/swarm/health"
	"github.com/buildswarm/coordinator/internal/swarm/payload"
	"github.com/buildswarm/coordinator/internal/swarm/protocol"
	"github.com/buildswarm/coordinator/internal/swarm/release"
	"github.com/buildswarm/coordinator/internal/swarm/scheduler"
	"github.com/buildswarm/coordinator/internal/swarm/selfheal"
	"github.com/buildswarm/coordinator/internal/swarm/store"
	"github.com/buildswarm/coordinator/internal/swarm/system"
	"github.com/buildswarm/coordinator/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a KEY=VALUE config file, overlaying compiled defaults and overlaid by the environment")
	runMigrations := flag.Bool("migrate", true, "apply embedded migrations on startup")
	binaryRoots := flag.String("binary-roots", "", "comma-separated search roots for completed binary packages (default: staging + binhost)")
	sshUser := flag.String("ssh-user", "root", "SSH user for drone health probes and self-healing")
	sshKeyPath := flag.String("ssh-key", "", "path to an SSH private key (empty uses ssh-agent)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogFile, FilePrefix: "coordinatord"})

	rootCtx := context.Background()

	db, err := database.Open(rootCtx, cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer db.Close()

	if *runMigrations {
		if err := migrations.Apply(rootCtx, db); err != nil {
			log.WithError(err).Fatal("apply migrations")
		}
	}

	st := store.New(db)

	if cfg.AdminKey == "" {
		log.Warn("ADMIN_KEY not set; admin HTTP surface will not be started")
	}

	sshCfg := sshexec.Config{
		User:           *sshUser,
		Port:           22,
		KeyPath:        *sshKeyPath,
		ConnectTimeout: 10 * time.Second,
	}

	feed := events.New(st)
	if err := feed.Hydrate(rootCtx); err != nil {
		log.WithError(err).Fatal("hydrate event feed")
	}

	protoLogger := protocol.New(st, nodeResolver{st}, log)

	healer := selfheal.New(st, sshCfg, log)
	mon := health.New(st, health.Config{
		MaxDroneFailures: cfg.MaxDroneFailures,
		GroundingTimeout: cfg.GroundingTimeout,
		ProtectedHosts:   cfg.ProtectedHosts,
	}, healer, log)
	sched := scheduler.New(st, mon, feed, scheduler.Config{
		CoresPerSlot:           cfg.CoresPerSlot,
		QueueTarget:            cfg.QueueTarget,
		SweeperPrefix:          cfg.SweeperPrefix,
		ReclaimTimeout:         cfg.ReclaimTimeout,
		FailureAgeMinutes:      time.Duration(cfg.FailureAgeMinutes) * time.Minute,
		UploadFailureThreshold: cfg.MaxUploadFailures,
		UploadRetryWindow:      cfg.UploadRetryInterval,
	})

	relCfg := release.Config{
		StagingDir:     cfg.StagingPath,
		ReleasesBase:   cfg.ReleasesBasePath,
		BinhostSymlink: cfg.BinhostSymlink,
	}
	rel := release.New(st, relCfg)

	payCfg := payload.Config{StorageDir: envOr("SWARM_PAYLOAD_DIR", "/var/lib/swarm/payloads")}
	pay := payload.New(st, payCfg)

	addr := fmt.Sprintf(":%d", cfg.ControlPlanePort)
	adminAddr := fmt.Sprintf(":%d", cfg.AdminPort)

	coordCfg := coordinator.Config{
		OrchestratorIP:             envOr("SWARM_ORCHESTRATOR_IP", "127.0.0.1"),
		OrchestratorName:           envOr("SWARM_ORCHESTRATOR_NAME", "coordinator"),
		OrchestratorPort:           cfg.ControlPlanePort,
		BinaryRoots:                splitRoots(*binaryRoots, relCfg),
		AdminKey:                   cfg.AdminKey,
		QueueFailureBlockThreshold: cfg.QueueFailureBlockThreshold,
	}
	coord := coordinator.New(st, sched, mon, healer, feed, protoLogger, rel, pay, coordCfg, log)

	manager := system.NewManager()
	if err := manager.Register(coord.PublicService(addr)); err != nil {
		log.WithError(err).Fatal("register public http service")
	}
	if admin := coord.AdminService(adminAddr); admin != nil {
		if err := manager.Register(admin); err != nil {
			log.WithError(err).Fatal("register admin http service")
		}
	}
	if err := manager.Register(protocolRunnerService{logger: protoLogger}); err != nil {
		log.WithError(err).Fatal("register protocol log flusher")
	}
	for _, svc := range coord.BackgroundServices(protocolMaxAge(), sshCfg) {
		if err := manager.Register(svc); err != nil {
			log.WithError(err).Fatal("register background service")
		}
	}

	if err := manager.Start(rootCtx); err != nil {
		log.WithError(err).Fatal("start coordinator")
	}
	log.WithFields(map[string]any{"addr": addr, "admin_addr": adminAddr}).Info("coordinator listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown")
	}
}

// nodeResolver adapts store.Store to protocol.NodeResolver.
type nodeResolver struct {
	store *store.Store
}

func (r nodeResolver) ResolveName(ctx context.Context, id string) (string, bool) {
	node, err := r.store.GetNode(ctx, id)
	if err != nil {
		return "", false
	}
	return node.Name, true
}

// protocolRunnerService fits the write-behind log's own background flush
// loop into the system manager lifecycle.
type protocolRunnerService struct {
	logger *protocol.Logger
	cancel context.CancelFunc
}

func (s protocolRunnerService) Name() string { return "protocol.flusher" }

func (s protocolRunnerService) Start(ctx context.Context) error {
	go s.logger.Run(ctx)
	return nil
}

func (s protocolRunnerService) Stop(ctx context.Context) error { return nil }

// protocolMaxAge isn't one of config.Config's tunables (the protocol log's
// own retention window is distinct from build-failure-age aging); it stays
// an env var rather than growing the config surface for one setting.
func protocolMaxAge() time.Duration {
	v := strings.TrimSpace(os.Getenv("PROTOCOL_MAX_AGE"))
	if v == "" {
		return 7 * 24 * time.Hour
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 7 * 24 * time.Hour
	}
	return d
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitRoots(flagValue string, relCfg release.Config) []string {
	var roots []string
	for _, r := range strings.Split(flagValue, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roots = append(roots, r)
		}
	}
	if len(roots) == 0 {
		roots = []string{relCfg.StagingDir, relCfg.BinhostSymlink}
	}
	return roots
}

// Package health implements the coordinator's per-drone circuit breaker:
// failure tracking, grounding, the upload circuit breaker, and SSH-based
// probing. It never issues SSH restart/reboot commands itself — those are
// Self-Healing's job (see internal/swarm/selfheal) — it only emits intent.
package health

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/buildswarm/coordinator/internal/sshexec"
	"github.com/buildswarm/coordinator/internal/swarm/types"
	"github.com/buildswarm/coordinator/pkg/logger"
)

// Store is the subset of store.Store the health monitor depends on.
type Store interface {
	GetDroneHealth(ctx context.Context, nodeID string) (types.DroneHealth, error)
	RecordDroneFailure(ctx context.Context, nodeID string) (int, error)
	ResetDroneHealth(ctx context.Context, nodeID string) error
	GroundDrone(ctx context.Context, nodeID string, until time.Time) error
	MarkDroneRebooted(ctx context.Context, nodeID string) error
	RecordUploadFailure(ctx context.Context, nodeID string) error
	ResetUploadFailures(ctx context.Context, nodeID string) error
	SetProbeResult(ctx context.Context, nodeID string, result map[string]any) error
	GetDelegatedPackages(ctx context.Context, owner string) ([]types.QueueEntry, error)
	ReclaimPackage(ctx context.Context, atom string) error
	GetNode(ctx context.Context, id string) (types.Node, error)
	InsertEvent(ctx context.Context, e types.Event) (types.Event, error)
}

// EscalationNotifier receives grounding-time escalation intent. In
// production this is selfheal.Healer, which is the sole issuer of SSH
// restart/reboot commands — see DESIGN.md's Open Question decisions.
type EscalationNotifier interface {
	NotifyGrounded(ctx context.Context, drone types.Node, alreadyRebooted bool)
}

// Config controls the thresholds the monitor enforces.
type Config struct {
	MaxDroneFailures   int
	GroundingTimeout   time.Duration
	ProtectedHosts     []string
	SSHProbeTimeout    time.Duration
}

// Monitor is the health component. It holds no state of its own beyond
// its Store handle — all counters persist in Store per the ownership rule
// that Scheduler/Health/Self-Healing/Release Engine own no state.
type Monitor struct {
	store      Store
	cfg        Config
	notifier   EscalationNotifier
	log        *logger.Logger
}

// New constructs a Monitor.
func New(store Store, cfg Config, notifier EscalationNotifier, log *logger.Logger) *Monitor {
	if cfg.MaxDroneFailures <= 0 {
		cfg.MaxDroneFailures = 8
	}
	if cfg.GroundingTimeout <= 0 {
		cfg.GroundingTimeout = 5 * time.Minute
	}
	if cfg.SSHProbeTimeout <= 0 {
		cfg.SSHProbeTimeout = 15 * time.Second
	}
	return &Monitor{store: store, cfg: cfg, notifier: notifier, log: log}
}

// RecordSuccess resets a drone's failure counter.
func (m *Monitor) RecordSuccess(ctx context.Context, droneID string) error {
	return m.store.ResetDroneHealth(ctx, droneID)
}

// RecordFailure increments a drone's failure counter.
func (m *Monitor) RecordFailure(ctx context.Context, droneID string) (int, error) {
	return m.store.RecordDroneFailure(ctx, droneID)
}

// CheckGrounded reports whether a drone is grounded, performing the
// state transitions (set/clear grounding, reclaim work, notify escalation)
// that grounding requires.
func (m *Monitor) CheckGrounded(ctx context.Context, droneID string, node types.Node) (bool, error) {
	h, err := m.store.GetDroneHealth(ctx, droneID)
	if err != nil {
		return false, err
	}

	if h.BuildFailureCount < m.cfg.MaxDroneFailures {
		return false, nil
	}

	now := time.Now().UTC()
	if h.GroundedUntil != nil && !now.Before(*h.GroundedUntil) {
		if err := m.store.ResetDroneHealth(ctx, droneID); err != nil {
			return false, err
		}
		return false, nil
	}

	if h.GroundedUntil == nil {
		until := now.Add(m.cfg.GroundingTimeout)
		if err := m.store.GroundDrone(ctx, droneID, until); err != nil {
			return false, err
		}
		if _, err := m.store.InsertEvent(ctx, types.Event{
			Type:    "grounded",
			Message: fmt.Sprintf("%s grounded (%d failures, %s cooldown)", node.Name, h.BuildFailureCount, m.cfg.GroundingTimeout),
			DroneID: droneID,
			Detail: map[string]any{
				"drone":    node.Name,
				"failures": h.BuildFailureCount,
			},
		}); err != nil {
			m.log.WithError(err).Warn("record grounded event")
		}

		if err := m.reclaimDroneWork(ctx, droneID, node.Name); err != nil {
			m.log.WithError(err).Warn("reclaim work from grounded drone")
		}

		if m.notifier != nil {
			m.notifier.NotifyGrounded(ctx, node, h.Rebooted)
		}
	}

	return true, nil
}

func (m *Monitor) reclaimDroneWork(ctx context.Context, droneID, droneName string) error {
	packages, err := m.store.GetDelegatedPackages(ctx, droneID)
	if err != nil {
		return err
	}
	for _, p := range packages {
		if err := m.store.ReclaimPackage(ctx, p.Atom); err != nil {
			return err
		}
	}
	if len(packages) > 0 {
		m.log.WithFields(map[string]any{"drone": droneName, "count": len(packages)}).Info("reclaimed packages from grounded drone")
	}
	return nil
}

// IsProtected reports whether address is in the configured protected-host
// list. ProbeDroneHealth skips protected hosts; the self-heal reboot rung
// does not consult this list.
func (m *Monitor) IsProtected(address string) bool {
	for _, h := range m.cfg.ProtectedHosts {
		if h == address {
			return true
		}
	}
	return false
}

// ProbeResult is the parsed outcome of an SSH health probe.
type ProbeResult struct {
	Status string
	Checks map[string]float64
}

const probeCommand = "echo PROC=$(pgrep -c -f swarm-drone 2>/dev/null || echo 0);" +
	"echo LOAD=$(cat /proc/loadavg | cut -d' ' -f1);" +
	"echo DISK=$(df /var/cache 2>/dev/null | tail -1 | awk '{print $5}' | tr -d '%');" +
	"echo EMERGE=$(pgrep -c -f 'emerge.*ebuild' 2>/dev/null || echo 0);" +
	"echo UPTIME=$(cat /proc/uptime | cut -d' ' -f1)"

// ProbeDroneHealth runs the single-command key=value probe and classifies
// the result: service_down (PROC=0), overloaded (LOAD>20), disk_full
// (DISK>90), else ok. SSH failures persist as unreachable/timeout/error.
func (m *Monitor) ProbeDroneHealth(ctx context.Context, droneID, address string, sshCfg sshexec.Config) (ProbeResult, error) {
	if address == "" || m.IsProtected(address) {
		result := ProbeResult{Status: "skipped"}
		_ = m.store.SetProbeResult(ctx, droneID, map[string]any{"status": "skipped", "reason": "protected or no address"})
		return result, nil
	}

	res := sshexec.Run(address, sshCfg, probeCommand, m.cfg.SSHProbeTimeout)

	stored := map[string]any{"timestamp": time.Now().UTC().Format(time.RFC3339)}
	switch res.Kind {
	case sshexec.Unreachable:
		stored["status"] = "unreachable"
		_ = m.store.SetProbeResult(ctx, droneID, stored)
		return ProbeResult{Status: "unreachable"}, nil
	case sshexec.Timeout:
		stored["status"] = "timeout"
		_ = m.store.SetProbeResult(ctx, droneID, stored)
		return ProbeResult{Status: "timeout"}, nil
	case sshexec.Error:
		stored["status"] = "error"
		_ = m.store.SetProbeResult(ctx, droneID, stored)
		return ProbeResult{Status: "error"}, res.Err
	}

	checks := parseProbeOutput(res.Output)
	status := classifyProbe(checks)
	stored["status"] = status
	stored["checks"] = checks
	if err := m.store.SetProbeResult(ctx, droneID, stored); err != nil {
		m.log.WithError(err).Warn("persist probe result")
	}
	return ProbeResult{Status: status, Checks: checks}, nil
}

func parseProbeOutput(output string) map[string]float64 {
	checks := make(map[string]float64)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			continue
		}
		checks[strings.TrimSpace(key)] = f
	}
	return checks
}

func classifyProbe(checks map[string]float64) string {
	if checks["PROC"] == 0 {
		return "service_down"
	}
	if checks["LOAD"] > 20 {
		return "overloaded"
	}
	if checks["DISK"] > 90 {
		return "disk_full"
	}
	return "ok"
}

// RecordUploadFailure increments the upload circuit breaker's counter.
func (m *Monitor) RecordUploadFailure(ctx context.Context, droneID string) error {
	return m.store.RecordUploadFailure(ctx, droneID)
}

// ResetUploadFailures clears the upload circuit breaker's counter.
func (m *Monitor) ResetUploadFailures(ctx context.Context, droneID string) error {
	return m.store.ResetUploadFailures(ctx, droneID)
}

// IsUploadImpaired returns true iff the failure count is at or above
// threshold and the last failure fell within the retry window — allowing
// periodic retries rather than a permanent trip.
func (m *Monitor) IsUploadImpaired(ctx context.Context, droneID string, threshold int, retryWindow time.Duration) (bool, error) {
	h, err := m.store.GetDroneHealth(ctx, droneID)
	if err != nil {
		return false, err
	}
	if h.UploadFailureCount < threshold {
		return false, nil
	}
	if h.LastUploadFailureAt == nil {
		return false, nil
	}
	return time.Since(*h.LastUploadFailureAt) < retryWindow, nil
}

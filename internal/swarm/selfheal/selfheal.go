// Package selfheal implements the escalation ladder that turns a grounded
// drone into a repaired one: service restart, kill-and-restart, container
// reboot, and finally a human-facing critical alert. It is the sole owner
// of destructive SSH actions against drones — health.Monitor only probes
// and flags, it never restarts or reboots.
package selfheal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/buildswarm/coordinator/internal/sshexec"
	"github.com/buildswarm/coordinator/internal/swarm/types"
	"github.com/buildswarm/coordinator/pkg/logger"
)

// Level is a rung on the escalation ladder.
type Level int

const (
	LevelHealthy Level = iota
	LevelRestartService
	LevelKillAndRestart
	LevelRebootContainer
	LevelCriticalAlert
)

func (l Level) String() string {
	switch l {
	case LevelHealthy:
		return "healthy"
	case LevelRestartService:
		return "restart_service"
	case LevelKillAndRestart:
		return "kill_and_restart"
	case LevelRebootContainer:
		return "reboot_container"
	default:
		return "critical_alert"
	}
}

// rebootableDroneTypes lists the Capabilities["drone_type"] values the
// reboot rung is permitted to act on. Bare-metal and unrecognized types
// are never power-cycled remotely; drones that never advertised a
// drone_type are treated as "unknown" and refused.
var rebootableDroneTypes = map[string]bool{"lxc": true, "qemu": true}

const (
	restartCooldown = 30 * time.Second
	killCooldown    = 30 * time.Second
	rebootCooldown  = 120 * time.Second
)

// Store is the subset of store.Store the healer depends on.
type Store interface {
	GetNode(ctx context.Context, id string) (types.Node, error)
	ResetDroneHealth(ctx context.Context, nodeID string) error
	MarkDroneRebooted(ctx context.Context, nodeID string) error
	InsertEvent(ctx context.Context, e types.Event) (types.Event, error)
}

// droneState tracks one drone's position on the ladder between ticks.
type droneState struct {
	level      Level
	lastAction time.Time
}

// Healer owns the escalation ladder's in-memory cooldown tracking (the
// ladder position itself is ephemeral; persisted state lives in
// drone_health via Store). It implements health.EscalationNotifier.
type Healer struct {
	store Store
	log   *logger.Logger
	ssh   sshexec.Config

	mu     sync.Mutex
	states map[string]*droneState
}

// New constructs a Healer.
func New(store Store, sshCfg sshexec.Config, log *logger.Logger) *Healer {
	return &Healer{
		store:  store,
		log:    log,
		ssh:    sshCfg,
		states: make(map[string]*droneState),
	}
}

// NotifyGrounded implements health.EscalationNotifier. It is called once,
// synchronously, the moment a drone transitions into the grounded state.
func (h *Healer) NotifyGrounded(ctx context.Context, drone types.Node, alreadyRebooted bool) {
	h.mu.Lock()
	state, ok := h.states[drone.ID]
	if !ok {
		state = &droneState{}
		h.states[drone.ID] = state
	}
	if alreadyRebooted && state.level < LevelKillAndRestart {
		state.level = LevelKillAndRestart
	}
	h.mu.Unlock()

	h.escalate(ctx, drone)
}

// Tick drives the escalation ladder forward for every grounded drone that
// has passed its cooldown. Intended to run on a 30s schedule.
func (h *Healer) Tick(ctx context.Context, grounded []types.Node) {
	for _, drone := range grounded {
		h.escalate(ctx, drone)
	}
}

func (h *Healer) escalate(ctx context.Context, drone types.Node) {
	h.mu.Lock()
	state, ok := h.states[drone.ID]
	if !ok {
		state = &droneState{}
		h.states[drone.ID] = state
	}
	cooldown := h.cooldownFor(state.level)
	if !state.lastAction.IsZero() && time.Since(state.lastAction) < cooldown {
		h.mu.Unlock()
		return
	}
	nextLevel := state.level + 1
	if nextLevel > LevelCriticalAlert {
		nextLevel = LevelCriticalAlert
	}
	state.level = nextLevel
	state.lastAction = time.Now()
	h.mu.Unlock()

	h.act(ctx, drone, nextLevel)
}

func (h *Healer) cooldownFor(level Level) time.Duration {
	switch level {
	case LevelRestartService:
		return restartCooldown
	case LevelKillAndRestart:
		return killCooldown
	case LevelRebootContainer:
		return rebootCooldown
	default:
		return 0
	}
}

func (h *Healer) act(ctx context.Context, drone types.Node, level Level) {
	switch level {
	case LevelRestartService:
		h.restartService(ctx, drone, false)
	case LevelKillAndRestart:
		h.restartService(ctx, drone, true)
	case LevelRebootContainer:
		h.rebootContainer(ctx, drone)
	case LevelCriticalAlert:
		h.criticalAlert(ctx, drone)
	}
}

func (h *Healer) restartService(ctx context.Context, drone types.Node, kill bool) {
	cmd := "systemctl restart swarm-drone"
	action := "restart_service"
	if kill {
		cmd = "pkill -9 -f swarm-drone; sleep 1; systemctl restart swarm-drone"
		action = "kill_and_restart"
	}

	res := sshexec.Run(drone.Address, h.ssh, cmd, 20*time.Second)
	h.emitAction(ctx, drone, action, res)
}

// IsRebootSafe is the reboot rung's safety gate: only containerized drones
// (lxc/qemu), as advertised in Capabilities["drone_type"], are ever
// power-cycled remotely. Bare-metal and drones that never advertised a
// drone_type default to "unknown" and are refused.
func (h *Healer) IsRebootSafe(drone types.Node) bool {
	droneType, _ := drone.Capabilities["drone_type"].(string)
	if droneType == "" {
		droneType = "unknown"
	}
	return rebootableDroneTypes[droneType]
}

func (h *Healer) rebootContainer(ctx context.Context, drone types.Node) {
	if !h.IsRebootSafe(drone) {
		h.log.WithFields(map[string]any{"drone": drone.Name, "capabilities": drone.Capabilities}).Warn("refusing reboot of non-containerized drone")
		h.criticalAlert(ctx, drone)
		return
	}

	res := sshexec.Run(drone.Address, h.ssh, "systemctl reboot", 10*time.Second)
	if res.Kind == sshexec.Ok || res.Kind == sshexec.Unreachable {
		// Unreachable is the expected outcome of a successful reboot: the
		// SSH session drops before the command can reply.
		if err := h.store.MarkDroneRebooted(ctx, drone.ID); err != nil {
			h.log.WithError(err).Warn("mark drone rebooted")
		}
	}
	h.emitAction(ctx, drone, "reboot_container", res)
}

// diskCleanupScript clears the portage build cache and old binpkg
// tarballs that accumulate on a drone's local disk. Shipped as a payload
// rather than a single command string since it embeds path globs that
// would otherwise need careful shell-quoting over the wire.
const diskCleanupScript = `#!/bin/sh
set -e
rm -rf /var/cache/portage/tmp/*
find /var/cache/binpkgs -name '*.tar*' -mtime +3 -delete
`

// CleanDisk runs the disk cleanup script against drone over SSH, for use
// when a health probe reports disk_full. It does not affect the
// escalation ladder's cooldown state; a drone can be probed as disk_full
// independently of a build-failure-driven grounding.
func (h *Healer) CleanDisk(ctx context.Context, drone types.Node) {
	res := sshexec.RunPayload(drone.Address, h.ssh, "sh", []byte(diskCleanupScript), 30*time.Second)
	h.emitAction(ctx, drone, "clean_disk", res)
}

func (h *Healer) criticalAlert(ctx context.Context, drone types.Node) {
	if _, err := h.store.InsertEvent(ctx, types.Event{
		Type:    "critical_alert",
		Message: fmt.Sprintf("%s exhausted self-healing ladder, needs operator attention", drone.Name),
		DroneID: drone.ID,
		Detail:  map[string]any{"drone": drone.Name, "address": drone.Address},
	}); err != nil {
		h.log.WithError(err).Warn("record critical alert event")
	}
	h.log.WithFields(map[string]any{"drone": drone.Name}).Error("self-healing exhausted, critical alert raised")
}

func (h *Healer) emitAction(ctx context.Context, drone types.Node, action string, res sshexec.Result) {
	outcome := res.Kind.String()
	if _, err := h.store.InsertEvent(ctx, types.Event{
		Type:    "self_heal",
		Message: fmt.Sprintf("%s: %s -> %s", drone.Name, action, outcome),
		DroneID: drone.ID,
		Detail: map[string]any{
			"drone":  drone.Name,
			"action": action,
			"result": outcome,
		},
	}); err != nil {
		h.log.WithError(err).Warn("record self-heal event")
	}
	h.log.WithFields(map[string]any{"drone": drone.Name, "action": action, "result": outcome}).Info("self-heal action")
}

// Snapshot returns a point-in-time, per-drone view of escalation ladder
// position for the status endpoint. Safe for concurrent use.
func (h *Healer) Snapshot() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.states))
	for id, state := range h.states {
		out[id] = state.level.String()
	}
	return out
}

// RecoverIfHealthy resets a drone back to level 0 and emits a heal event
// once a post-escalation probe comes back clean.
func (h *Healer) RecoverIfHealthy(ctx context.Context, drone types.Node) error {
	h.mu.Lock()
	state, ok := h.states[drone.ID]
	wasEscalated := ok && state.level != LevelHealthy
	if ok {
		state.level = LevelHealthy
		state.lastAction = time.Time{}
	}
	h.mu.Unlock()

	if err := h.store.ResetDroneHealth(ctx, drone.ID); err != nil {
		return err
	}
	if wasEscalated {
		if _, err := h.store.InsertEvent(ctx, types.Event{
			Type:    "heal",
			Message: fmt.Sprintf("%s recovered, escalation ladder reset", drone.Name),
			DroneID: drone.ID,
		}); err != nil {
			h.log.WithError(err).Warn("record heal event")
		}
	}
	return nil
}

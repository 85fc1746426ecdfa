// Package scheduler implements get_work: the drone poll endpoint's single
// decision point, plus the background reclaim and auto-age sweeps that
// keep the queue healthy without operator intervention.
package scheduler

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/buildswarm/coordinator/internal/swarm/types"
)

// Store is the subset of store.Store the scheduler depends on. It owns no
// state of its own beyond the ephemeral rebalanced-away tracking below.
type Store interface {
	IsPaused(ctx context.Context) (bool, error)
	GetConfig(ctx context.Context, key string) (string, bool, error)
	GetNode(ctx context.Context, id string) (types.Node, error)
	GetAllNodes(ctx context.Context, includeOffline bool, kind string) ([]types.Node, error)
	GetDelegatedPackages(ctx context.Context, owner string) ([]types.QueueEntry, error)
	GetNeededPackages(ctx context.Context, limit int, sessionID string) ([]types.QueueEntry, error)
	GetBlockedPackages(ctx context.Context, limit int) ([]types.QueueEntry, error)
	AssignPackage(ctx context.Context, queueID int64, droneID string) (bool, error)
	AssignBlockedPackage(ctx context.Context, queueID int64, droneID string) (bool, error)
	ReassignPackage(ctx context.Context, queueID int64, newOwner string) error
	HasDroneFailedPackage(ctx context.Context, droneID, atom string) (bool, error)
	ReclaimOffline(ctx context.Context, timeout time.Duration) ([]string, error)
	AutoAgeBlocked(ctx context.Context, maxAge time.Duration) ([]string, error)
}

// Health is the subset of health.Monitor the scheduler depends on.
type Health interface {
	CheckGrounded(ctx context.Context, droneID string, node types.Node) (bool, error)
	IsUploadImpaired(ctx context.Context, droneID string, threshold int, retryWindow time.Duration) (bool, error)
}

// EventEmitter is the subset of events.Feed the scheduler depends on.
type EventEmitter interface {
	Emit(ctx context.Context, e types.Event) (types.Event, error)
}

// Config controls the scheduler's tunables. They are fixed when New is
// called; the only value GetWork reads from persisted config is the
// expected portage timestamp.
type Config struct {
	CoresPerSlot           int
	QueueTarget            int
	SweeperPrefix          string
	ReclaimTimeout         time.Duration
	FailureAgeMinutes      time.Duration
	UploadFailureThreshold int
	UploadRetryWindow      time.Duration
}

func (c Config) withDefaults() Config {
	if c.CoresPerSlot <= 0 {
		c.CoresPerSlot = 4
	}
	if c.QueueTarget <= 0 {
		c.QueueTarget = 5
	}
	if c.SweeperPrefix == "" {
		c.SweeperPrefix = "sweeper"
	}
	if c.ReclaimTimeout <= 0 {
		c.ReclaimTimeout = 2 * time.Hour
	}
	if c.FailureAgeMinutes <= 0 {
		c.FailureAgeMinutes = 30 * time.Minute
	}
	if c.UploadFailureThreshold <= 0 {
		c.UploadFailureThreshold = 3
	}
	if c.UploadRetryWindow <= 0 {
		c.UploadRetryWindow = 30 * time.Minute
	}
	return c
}

// Directive is a non-package instruction returned to a polling drone.
type Directive struct {
	Action string
	Params map[string]any
}

// WorkResult is get_work's return value: at most one of Package or
// Directive is set; both empty means "no work right now".
type WorkResult struct {
	Package   string
	Directive *Directive
}

// Scheduler implements get_work and the background queue maintenance
// sweeps.
type Scheduler struct {
	store  Store
	health Health
	events EventEmitter
	cfg    Config

	mu             sync.Mutex
	rebalancedAway map[string]map[string]bool // donor id -> atoms stolen from it
}

// New constructs a Scheduler.
func New(store Store, health Health, events EventEmitter, cfg Config) *Scheduler {
	return &Scheduler{
		store:          store,
		health:         health,
		events:         events,
		cfg:            cfg.withDefaults(),
		rebalancedAway: make(map[string]map[string]bool),
	}
}

func (s *Scheduler) queueTarget(cores int) int {
	if cores <= 0 {
		return s.cfg.QueueTarget
	}
	target := cores / s.cfg.CoresPerSlot
	if target < 1 {
		target = 1
	}
	return target
}

func (s *Scheduler) isSweeper(name string) bool {
	return strings.HasPrefix(strings.ToLower(name), strings.ToLower(s.cfg.SweeperPrefix))
}

// GetWork is the single decision point a polling drone calls into.
func (s *Scheduler) GetWork(ctx context.Context, droneID, advertisedTimestamp string) (WorkResult, error) {
	paused, err := s.store.IsPaused(ctx)
	if err != nil {
		return WorkResult{}, err
	}
	if paused {
		return WorkResult{}, nil
	}

	if expected, ok, err := s.store.GetConfig(ctx, "portage_timestamp"); err != nil {
		return WorkResult{}, err
	} else if ok && expected != "" && expected != advertisedTimestamp {
		return WorkResult{Directive: &Directive{
			Action: "sync_portage",
			Params: map[string]any{"expected_timestamp": expected},
		}}, nil
	}

	node, err := s.store.GetNode(ctx, droneID)
	if err != nil {
		return WorkResult{}, err
	}

	if grounded, err := s.health.CheckGrounded(ctx, droneID, node); err != nil {
		return WorkResult{}, err
	} else if grounded {
		return WorkResult{}, nil
	}

	if impaired, err := s.health.IsUploadImpaired(ctx, droneID, s.cfg.UploadFailureThreshold, s.cfg.UploadRetryWindow); err != nil {
		return WorkResult{}, err
	} else if impaired {
		return WorkResult{}, nil
	}

	existing, err := s.store.GetDelegatedPackages(ctx, droneID)
	if err != nil {
		return WorkResult{}, err
	}
	if len(existing) > 0 {
		return WorkResult{Package: existing[0].Atom}, nil
	}

	if s.isSweeper(node.Name) {
		return s.sweeperPath(ctx, node)
	}
	return s.regularPath(ctx, node)
}

func (s *Scheduler) regularPath(ctx context.Context, node types.Node) (WorkResult, error) {
	target := s.queueTarget(node.Cores)

	candidates, err := s.store.GetNeededPackages(ctx, target*3, "")
	if err != nil {
		return WorkResult{}, err
	}

	assigned := 0
	var first string
	for _, c := range candidates {
		if assigned >= target {
			break
		}
		failed, err := s.store.HasDroneFailedPackage(ctx, node.ID, c.Atom)
		if err != nil {
			return WorkResult{}, err
		}
		if failed {
			continue
		}
		ok, err := s.store.AssignPackage(ctx, c.ID, node.ID)
		if err != nil {
			return WorkResult{}, err
		}
		if !ok {
			continue
		}
		if assigned == 0 {
			first = c.Atom
		}
		assigned++
	}

	if assigned > 0 {
		s.emit(ctx, types.Event{Type: "assign", Message: node.Name + " assigned " + strconv.Itoa(assigned) + " package(s)", DroneID: node.ID})
		return WorkResult{Package: first}, nil
	}

	if len(candidates) == 0 {
		if stole, err := s.stealWork(ctx, node, target); err != nil {
			return WorkResult{}, err
		} else if stole != "" {
			return WorkResult{Package: stole}, nil
		}
	}

	return WorkResult{}, nil
}

type donor struct {
	node    types.Node
	entries []types.QueueEntry
}

func (s *Scheduler) stealWork(ctx context.Context, requester types.Node, target int) (string, error) {
	nodes, err := s.store.GetAllNodes(ctx, false, "")
	if err != nil {
		return "", err
	}
	nodeByID := make(map[string]types.Node, len(nodes))
	for _, n := range nodes {
		nodeByID[n.ID] = n
	}

	allDelegated, err := s.store.GetDelegatedPackages(ctx, "")
	if err != nil {
		return "", err
	}
	byOwner := make(map[string][]types.QueueEntry)
	for _, e := range allDelegated {
		byOwner[e.Owner] = append(byOwner[e.Owner], e)
	}

	var donors []donor
	for ownerID, entries := range byOwner {
		if len(entries) <= 2 {
			continue
		}
		owner, ok := nodeByID[ownerID]
		if !ok || owner.Status != types.NodeOnline || s.isSweeper(owner.Name) {
			continue
		}
		donors = append(donors, donor{node: owner, entries: entries})
	}
	sort.Slice(donors, func(i, j int) bool { return len(donors[i].entries) > len(donors[j].entries) })

	var firstStolen string
	stolenCount := 0
	for _, d := range donors {
		if stolenCount >= target {
			break
		}
		entries := append([]types.QueueEntry(nil), d.entries...)
		sort.Slice(entries, func(i, j int) bool {
			ai, aj := entries[i].AssignedAt, entries[j].AssignedAt
			if ai == nil || aj == nil {
				return false
			}
			return ai.After(*aj)
		})

		maxTake := len(entries) / 2
		keepFloor := len(entries) - 2
		if keepFloor < maxTake {
			maxTake = keepFloor
		}
		if maxTake <= 0 {
			continue
		}

		for i := 0; i < maxTake && stolenCount < target; i++ {
			entry := entries[i]
			if err := s.store.ReassignPackage(ctx, entry.ID, requester.ID); err != nil {
				return "", err
			}
			s.markRebalancedAway(d.node.ID, entry.Atom)
			s.emit(ctx, types.Event{
				Type:    "rebalance",
				Message: entry.Atom + " rebalanced from " + d.node.Name + " to " + requester.Name,
				DroneID: requester.ID,
				Package: entry.Atom,
			})
			if firstStolen == "" {
				firstStolen = entry.Atom
			}
			stolenCount++
		}
	}

	return firstStolen, nil
}

func (s *Scheduler) markRebalancedAway(donorID, atom string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.rebalancedAway[donorID]
	if !ok {
		set = make(map[string]bool)
		s.rebalancedAway[donorID] = set
	}
	set[atom] = true
}

// GetStaleAssignments returns and clears the set of atoms rebalanced away
// from droneID, so the coordinator can discard completions the donor
// reports for work it no longer owns.
func (s *Scheduler) GetStaleAssignments(droneID string) map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.rebalancedAway[droneID]
	delete(s.rebalancedAway, droneID)
	return set
}

func (s *Scheduler) sweeperPath(ctx context.Context, sweeper types.Node) (WorkResult, error) {
	target := s.queueTarget(sweeper.Cores)
	blocked, err := s.store.GetBlockedPackages(ctx, target)
	if err != nil {
		return WorkResult{}, err
	}

	var first string
	for _, b := range blocked {
		ok, err := s.store.AssignBlockedPackage(ctx, b.ID, sweeper.ID)
		if err != nil {
			return WorkResult{}, err
		}
		if ok && first == "" {
			first = b.Atom
		}
	}
	return WorkResult{Package: first}, nil
}

// ReclaimOfflineWork reclaims delegated entries owned by offline drones or
// held past the reclaim timeout.
func (s *Scheduler) ReclaimOfflineWork(ctx context.Context) error {
	atoms, err := s.store.ReclaimOffline(ctx, s.cfg.ReclaimTimeout)
	if err != nil {
		return err
	}
	for _, atom := range atoms {
		s.emit(ctx, types.Event{Type: "reclaim", Message: atom + " reclaimed from offline drone", Package: atom})
	}
	return nil
}

// AutoAgeBlocked unblocks entries whose most recent failure has aged past
// the configured window.
func (s *Scheduler) AutoAgeBlocked(ctx context.Context) error {
	atoms, err := s.store.AutoAgeBlocked(ctx, s.cfg.FailureAgeMinutes)
	if err != nil {
		return err
	}
	for _, atom := range atoms {
		s.emit(ctx, types.Event{Type: "unblock", Message: atom + " auto-unblocked after aging", Package: atom})
	}
	return nil
}

func (s *Scheduler) emit(ctx context.Context, e types.Event) {
	if s.events == nil {
		return
	}
	_, _ = s.events.Emit(ctx, e)
}

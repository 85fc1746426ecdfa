// Package types holds the coordinator's domain model: the structs persisted
// by internal/swarm/store and passed between the scheduler, health monitor,
// self-healer, release engine and HTTP layer.
package types

import (
	"fmt"
	"time"
)

// NodeStatus enumerates the lifecycle states of a registered node.
type NodeStatus string

const (
	NodeOnline   NodeStatus = "online"
	NodeOffline  NodeStatus = "offline"
	NodeGrounded NodeStatus = "grounded"
)

// Node is a registered drone or sweeper.
type Node struct {
	ID               string
	Name             string
	Address          string
	SecondaryAddress string
	Kind             string // "drone" or "sweeper"
	Cores            int
	RAMMB            int
	Capabilities     map[string]any
	Metrics          map[string]any
	Task             string
	Version          string
	LastSeen         time.Time
	Status           NodeStatus
	Paused           bool
}

// QueueStatus enumerates the states a queue entry moves through.
type QueueStatus string

const (
	QueueNeeded    QueueStatus = "needed"
	QueueDelegated QueueStatus = "delegated"
	QueueReceived  QueueStatus = "received"
	QueueFailed    QueueStatus = "failed"
	QueueBlocked   QueueStatus = "blocked"
)

// QueueEntry is one atom's build-queue row.
type QueueEntry struct {
	ID           int64
	Atom         string
	Status       QueueStatus
	Owner        string
	AssignedAt   *time.Time
	CompletedAt  *time.Time
	FailureCount int
	LastError    string
	SessionID    string
}

// SessionStatus enumerates a build session's lifecycle.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// Session groups a batch of queued packages under one run.
type Session struct {
	ID          string
	Name        string
	Status      SessionStatus
	StartedAt   time.Time
	CompletedAt *time.Time

	NeededCount    int
	DelegatedCount int
	ReceivedCount  int
	BlockedCount   int
	FailedCount    int
}

// BuildHistory is one completed or failed build attempt.
type BuildHistory struct {
	ID          int64
	Atom        string
	DroneID     string
	Status      string // the /complete outcome: "success", "returned", "failed", "missing_binary", or "upload_failed"
	DurationS   float64
	ErrorDetail string
	SessionID   string
	CreatedAt   time.Time
}

// DroneHealth tracks per-drone failure counters and grounding state.
type DroneHealth struct {
	NodeID               string
	BuildFailureCount    int
	LastFailureAt        *time.Time
	Rebooted             bool
	GroundedUntil        *time.Time
	UploadFailureCount   int
	LastUploadFailureAt  *time.Time
	LastProbeResult      map[string]any
}

// Grounded reports whether the drone is presently grounded.
func (h DroneHealth) Grounded(now time.Time) bool {
	return h.GroundedUntil != nil && now.Before(*h.GroundedUntil)
}

// ProtocolEntry is one logged request/response pair.
type ProtocolEntry struct {
	ID               int64
	Timestamp        time.Time
	SourceAddr       string
	NodeName         string
	Method           string
	Path             string
	MessageType      string
	Package          string
	DroneID          string
	SessionID        string
	StatusCode       int
	RequestSummary   string
	ResponseSummary  string
	RequestBody      string
	ResponseBody     string
	LatencyMS        float64
	ContentLength    int64
}

// Event is a timeline entry surfaced to the fleet/monitor views.
type Event struct {
	ID        int64
	Timestamp time.Time
	Type      string
	Message   string
	Detail    map[string]any
	DroneID   string
	Package   string
}

// ReleaseStatus enumerates a release's lifecycle.
type ReleaseStatus string

const (
	ReleaseStaging  ReleaseStatus = "staging"
	ReleaseActive   ReleaseStatus = "active"
	ReleaseArchived ReleaseStatus = "archived"
)

// Release is one immutable snapshot of the binhost.
type Release struct {
	Version      string
	Name         string
	Notes        string
	Status       ReleaseStatus
	PackageCount int
	SizeMB       float64
	Path         string
	Manifest     map[string]any
	CreatedAt    time.Time
	CreatedBy    string
	PromotedAt   *time.Time
	ArchivedAt   *time.Time
}

// PayloadVersion is one stored revision of a distributable payload
// (e.g. profile bundle, overlay snapshot).
type PayloadVersion struct {
	ID          string
	Type        string
	Version     string
	Hash        string
	Content     []byte
	ContentPath string
	CreatedAt   time.Time
}

// DronePayloadStatus enumerates per-drone payload deployment state.
type DronePayloadStatus string

const (
	PayloadDeployed  DronePayloadStatus = "deployed"
	PayloadDeploying DronePayloadStatus = "deploying"
	PayloadFailed    DronePayloadStatus = "failed"
)

// DronePayload is one node's record of a deployed payload type.
type DronePayload struct {
	NodeID      string
	PayloadType string
	Version     string
	Hash        string
	Status      DronePayloadStatus
	UpdatedAt   time.Time
}

// ErrorKind classifies store/scheduler failures into the categories the
// HTTP layer maps onto status codes.
type ErrorKind int

const (
	ErrNone ErrorKind = iota
	ErrNotFound
	ErrConflict
	ErrInvalidInput
	ErrGrounded
	ErrBlocked
	ErrUnavailable
)

// Error is a classified domain error carrying a human-readable message.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Message }

// NewError constructs a classified Error.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Message: msg}
}

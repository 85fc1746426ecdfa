// Package payload implements the distributable-artifact registry: content
// hashing, inline-vs-on-disk storage selection, and per-drone deployment
// status tracking with hash-mismatch detection. Pushing a payload to a
// drone is out of scope; this package owns only the registry.
package payload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/buildswarm/coordinator/internal/swarm/types"
)

// inlineSizeLimit is the largest payload stored directly as a blob; above
// this it is written to disk and only the path is recorded.
const inlineSizeLimit = 1 << 20 // 1 MiB

// Store is the subset of store.Store the registry depends on.
type Store interface {
	InsertPayloadVersion(ctx context.Context, p types.PayloadVersion) error
	GetLatestPayloadVersion(ctx context.Context, payloadType string) (types.PayloadVersion, error)
	ListPayloadVersions(ctx context.Context, payloadType string) ([]types.PayloadVersion, error)
	SetDronePayload(ctx context.Context, dp types.DronePayload) error
	GetDronePayload(ctx context.Context, nodeID, payloadType string) (types.DronePayload, error)
	ListDronePayloads(ctx context.Context, payloadType string) ([]types.DronePayload, error)
}

// Config configures the on-disk storage root used for payloads too large
// to store inline.
type Config struct {
	StorageDir string
}

// Registry is the payload registry.
type Registry struct {
	store Store
	cfg   Config
}

// New constructs a Registry.
func New(store Store, cfg Config) *Registry {
	return &Registry{store: store, cfg: cfg}
}

// Publish hashes content and stores a new version of payloadType, inline
// if it fits within inlineSizeLimit, otherwise on disk under StorageDir.
func (r *Registry) Publish(ctx context.Context, payloadType, version string, content []byte) (types.PayloadVersion, error) {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	pv := types.PayloadVersion{
		ID:        uuid.NewString(),
		Type:      payloadType,
		Version:   version,
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
	}

	if len(content) <= inlineSizeLimit {
		pv.Content = content
	} else {
		if r.cfg.StorageDir == "" {
			return types.PayloadVersion{}, fmt.Errorf("payload %s/%s exceeds inline limit and no storage dir is configured", payloadType, version)
		}
		if err := os.MkdirAll(r.cfg.StorageDir, 0o755); err != nil {
			return types.PayloadVersion{}, fmt.Errorf("create payload storage dir: %w", err)
		}
		path := fmt.Sprintf("%s/%s-%s-%s.bin", r.cfg.StorageDir, payloadType, version, hash[:12])
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return types.PayloadVersion{}, fmt.Errorf("write payload content: %w", err)
		}
		pv.ContentPath = path
	}

	if err := r.store.InsertPayloadVersion(ctx, pv); err != nil {
		return types.PayloadVersion{}, err
	}
	return pv, nil
}

// Latest returns the most recently published version of payloadType.
func (r *Registry) Latest(ctx context.Context, payloadType string) (types.PayloadVersion, error) {
	return r.store.GetLatestPayloadVersion(ctx, payloadType)
}

// ListVersions returns every published version of payloadType.
func (r *Registry) ListVersions(ctx context.Context, payloadType string) ([]types.PayloadVersion, error) {
	return r.store.ListPayloadVersions(ctx, payloadType)
}

// Content resolves a payload version's bytes, reading from disk when the
// version was stored on-disk rather than inline.
func (r *Registry) Content(pv types.PayloadVersion) ([]byte, error) {
	if pv.ContentPath == "" {
		return pv.Content, nil
	}
	return os.ReadFile(pv.ContentPath)
}

// MarkDeploying records that a drone is in the process of receiving a
// payload.
func (r *Registry) MarkDeploying(ctx context.Context, nodeID, payloadType, version string) error {
	return r.store.SetDronePayload(ctx, types.DronePayload{
		NodeID: nodeID, PayloadType: payloadType, Version: version,
		Status: types.PayloadDeploying, UpdatedAt: time.Now().UTC(),
	})
}

// MarkDeployed records a drone's successful payload deployment, verifying
// the reported hash matches the registry's record for that version.
func (r *Registry) MarkDeployed(ctx context.Context, nodeID, payloadType, version, reportedHash string) error {
	versions, err := r.store.ListPayloadVersions(ctx, payloadType)
	if err != nil {
		return err
	}
	var expectedHash string
	found := false
	for _, v := range versions {
		if v.Version == version {
			expectedHash = v.Hash
			found = true
			break
		}
	}
	if !found {
		return types.NewError(types.ErrNotFound, "unknown payload version %s/%s", payloadType, version)
	}

	status := types.PayloadDeployed
	if reportedHash != expectedHash {
		status = types.PayloadFailed
	}
	return r.store.SetDronePayload(ctx, types.DronePayload{
		NodeID: nodeID, PayloadType: payloadType, Version: version, Hash: reportedHash,
		Status: status, UpdatedAt: time.Now().UTC(),
	})
}

// MarkFailed records a drone's failed payload deployment.
func (r *Registry) MarkFailed(ctx context.Context, nodeID, payloadType, version string) error {
	return r.store.SetDronePayload(ctx, types.DronePayload{
		NodeID: nodeID, PayloadType: payloadType, Version: version,
		Status: types.PayloadFailed, UpdatedAt: time.Now().UTC(),
	})
}

// DroneStatus returns a drone's current record for payloadType.
func (r *Registry) DroneStatus(ctx context.Context, nodeID, payloadType string) (types.DronePayload, error) {
	return r.store.GetDronePayload(ctx, nodeID, payloadType)
}

// Fleet lists every drone's deployment status for payloadType.
func (r *Registry) Fleet(ctx context.Context, payloadType string) ([]types.DronePayload, error) {
	return r.store.ListDronePayloads(ctx, payloadType)
}

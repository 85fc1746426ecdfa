package coordinator

import (
	"encoding/base64"
	"net/http"

	"github.com/buildswarm/coordinator/internal/swarm/types"
)

// Payload registry endpoints mostly live on the admin surface: publishing
// a new agent/config payload and reading per-drone deployment state are
// operator actions, not part of the drone-facing protocol. The act of
// pushing a payload to a drone over SSH is out of scope here (see
// DESIGN.md); these handlers only move registry rows. The one exception
// is fetching content: drones pull their own updates rather than being
// pushed to, so that one handler sits on the public surface.

// handleFetchPayload lets a drone pull the content of a payload version —
// the latest published one for its type unless ?version= pins a specific
// one — and reports its hash so the drone can verify what it downloaded.
func (c *Coordinator) handleFetchPayload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET required"})
		return
	}
	payloadType := r.URL.Query().Get("type")
	if payloadType == "" {
		writeError(w, types.NewError(types.ErrInvalidInput, "type is required"))
		return
	}

	pv, err := c.payload.Latest(r.Context(), payloadType)
	if err != nil {
		writeError(w, err)
		return
	}
	if version := r.URL.Query().Get("version"); version != "" && version != pv.Version {
		versions, err := c.payload.ListVersions(r.Context(), payloadType)
		if err != nil {
			writeError(w, err)
			return
		}
		found := false
		for _, v := range versions {
			if v.Version == version {
				pv, found = v, true
				break
			}
		}
		if !found {
			writeError(w, types.NewError(types.ErrNotFound, "unknown payload version %s/%s", payloadType, version))
			return
		}
	}

	content, err := c.payload.Content(pv)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Payload-Version", pv.Version)
	w.Header().Set("X-Payload-Hash", pv.Hash)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

type publishPayloadRequest struct {
	Type          string `json:"type"`
	Version       string `json:"version"`
	ContentBase64 string `json:"content_base64"`
}

func (c *Coordinator) handleAdminPayloadPublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	var req publishPayloadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Type == "" || req.Version == "" || req.ContentBase64 == "" {
		writeError(w, types.NewError(types.ErrInvalidInput, "type, version and content_base64 are required"))
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		writeError(w, types.NewError(types.ErrInvalidInput, "content_base64: %v", err))
		return
	}
	pv, err := c.payload.Publish(r.Context(), req.Type, req.Version, content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pv)
}

func (c *Coordinator) handleAdminPayloadLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET required"})
		return
	}
	payloadType := r.URL.Query().Get("type")
	if payloadType == "" {
		writeError(w, types.NewError(types.ErrInvalidInput, "type is required"))
		return
	}
	pv, err := c.payload.Latest(r.Context(), payloadType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pv)
}

func (c *Coordinator) handleAdminPayloadFleet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET required"})
		return
	}
	payloadType := r.URL.Query().Get("type")
	if payloadType == "" {
		writeError(w, types.NewError(types.ErrInvalidInput, "type is required"))
		return
	}
	fleet, err := c.payload.Fleet(r.Context(), payloadType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drones": fleet})
}

func (c *Coordinator) handleAdminPayloadStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET required"})
		return
	}
	nodeID := r.URL.Query().Get("node_id")
	payloadType := r.URL.Query().Get("type")
	if nodeID == "" || payloadType == "" {
		writeError(w, types.NewError(types.ErrInvalidInput, "node_id and type are required"))
		return
	}
	dp, err := c.payload.DroneStatus(r.Context(), nodeID, payloadType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dp)
}

type payloadStatusRequest struct {
	NodeID      string `json:"node_id"`
	PayloadType string `json:"payload_type"`
	Version     string `json:"version"`
	Hash        string `json:"hash"`
}

// handleAdminPayloadDeploying marks a drone as mid-deployment of a
// version, ahead of an operator's out-of-band SSH push.
func (c *Coordinator) handleAdminPayloadDeploying(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	var req payloadStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.NodeID == "" || req.PayloadType == "" || req.Version == "" {
		writeError(w, types.NewError(types.ErrInvalidInput, "node_id, payload_type and version are required"))
		return
	}
	if err := c.payload.MarkDeploying(r.Context(), req.NodeID, req.PayloadType, req.Version); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAdminPayloadDeployed records a drone's self-reported completion,
// verifying its hash against the registry and downgrading to failed on
// mismatch.
func (c *Coordinator) handleAdminPayloadDeployed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	var req payloadStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.NodeID == "" || req.PayloadType == "" || req.Version == "" {
		writeError(w, types.NewError(types.ErrInvalidInput, "node_id, payload_type and version are required"))
		return
	}
	if err := c.payload.MarkDeployed(r.Context(), req.NodeID, req.PayloadType, req.Version, req.Hash); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *Coordinator) handleAdminPayloadFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	var req payloadStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.NodeID == "" || req.PayloadType == "" {
		writeError(w, types.NewError(types.ErrInvalidInput, "node_id and payload_type are required"))
		return
	}
	if err := c.payload.MarkFailed(r.Context(), req.NodeID, req.PayloadType, req.Version); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

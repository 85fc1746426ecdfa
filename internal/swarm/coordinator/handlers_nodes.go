package coordinator

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/buildswarm/coordinator/internal/swarm/store"
	"github.com/buildswarm/coordinator/internal/swarm/types"
)

type registerRequest struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	IP           string         `json:"ip"`
	Type         string         `json:"type"`
	Capabilities map[string]any `json:"capabilities"`
	Metrics      map[string]any `json:"metrics"`
	CurrentTask  string         `json:"current_task"`
	Version      string         `json:"version"`
}

// handleRegister is the drone check-in endpoint: upserts by name, keeping
// a stable id across restarts, and emits a register event only on an
// offline-to-online transition.
func (c *Coordinator) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" || req.IP == "" {
		writeError(w, types.NewError(types.ErrInvalidInput, "name and ip are required"))
		return
	}
	kind := req.Type
	if kind == "" {
		kind = "drone"
	}

	existing, err := c.store.GetNodeByName(r.Context(), req.Name)
	wasOffline := err != nil || existing.Status != types.NodeOnline

	node := types.Node{
		ID:           req.ID,
		Name:         req.Name,
		Address:      req.IP,
		Kind:         kind,
		Capabilities: req.Capabilities,
		Metrics:      req.Metrics,
		Task:         req.CurrentTask,
		Version:      req.Version,
		LastSeen:     time.Now().UTC(),
		Status:       types.NodeOnline,
	}
	if err == nil {
		if node.ID == "" {
			node.ID = existing.ID
		}
		node.Paused = existing.Paused
	}

	saved, err := c.store.UpsertNode(r.Context(), node)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := c.health.RecordSuccess(r.Context(), saved.ID); err != nil {
		c.log.WithError(err).Warn("failed resetting health on register")
	}
	if wasOffline {
		if _, err := c.feed.Emit(r.Context(), types.Event{
			Type: "register", Message: saved.Name + " registered", DroneID: saved.ID,
		}); err != nil {
			c.log.WithError(err).Warn("record register event")
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"orchestrator":      c.cfg.OrchestratorIP,
		"orchestrator_port": c.cfg.OrchestratorPort,
		"orchestrator_name": c.cfg.OrchestratorName,
		"paused":            saved.Paused,
	})
}

// handleNodes lists registered nodes. ?all=1 includes offline drones,
// ?kind= filters to "drone" or "sweeper".
func (c *Coordinator) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET required"})
		return
	}
	includeOffline := r.URL.Query().Get("all") != ""
	kind := r.URL.Query().Get("kind")

	nodes, err := c.store.GetAllNodes(r.Context(), includeOffline, kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drones": nodes, "orchestrators": []string{c.cfg.OrchestratorName}})
}

// handleNodeResource dispatches /api/v1/nodes/<id>[/pause|/resume] by
// method and trailing path segment.
func (c *Coordinator) handleNodeResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/nodes/")
	rest = strings.Trim(rest, "/")
	if rest == "" {
		writeError(w, types.NewError(types.ErrInvalidInput, "node id required"))
		return
	}
	segments := strings.Split(rest, "/")

	switch {
	case len(segments) == 1 && r.Method == http.MethodDelete:
		c.deleteNode(w, r, segments[0])
	case len(segments) == 2 && segments[1] == "pause" && r.Method == http.MethodPost:
		c.setNodePaused(w, r, segments[0], true)
	case len(segments) == 2 && segments[1] == "resume" && r.Method == http.MethodPost:
		c.setNodePaused(w, r, segments[0], false)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown node route"})
	}
}

func (c *Coordinator) setNodePaused(w http.ResponseWriter, r *http.Request, idOrName string, paused bool) {
	node, err := c.store.SetNodePaused(r.Context(), idOrName, paused)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (c *Coordinator) deleteNode(w http.ResponseWriter, r *http.Request, id string) {
	if err := c.store.DeleteNode(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStatus reports fleet + queue counters for the dashboard poll.
func (c *Coordinator) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET required"})
		return
	}
	nodes, err := c.store.GetAllNodes(r.Context(), true, "")
	if err != nil {
		writeError(w, err)
		return
	}
	paused, err := c.store.IsPaused(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	session, err := c.store.ActiveSession(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	queueCounts, err := c.store.QueueStatusCounts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	health, err := c.store.GetAllDroneHealth(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	needed, err := c.store.GetNeededPackages(r.Context(), 500, "")
	if err != nil {
		writeError(w, err)
		return
	}
	history, err := c.store.GetHistory(r.Context(), 200, "")
	if err != nil {
		writeError(w, err)
		return
	}

	onlineCount, groundedCount := 0, 0
	drones := make(map[string]types.Node, len(nodes))
	for _, n := range nodes {
		switch n.Status {
		case types.NodeOnline:
			onlineCount++
		case types.NodeGrounded:
			groundedCount++
		}
		drones[n.ID] = n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"paused":          paused,
		"online_drones":   onlineCount,
		"grounded_drones": groundedCount,
		"total_drones":    len(nodes),
		"session":         session,
		"queue":           queueCounts,
		"drones":          drones,
		"health":          health,
		"packages":        needed,
		"stats":           store.HistorySummary(history),
		"self_heal":       c.healer.Snapshot(),
	})
}

// handleHistory returns recent build attempts, optionally scoped to a
// session and bounded by ?limit=.
func (c *Coordinator) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET required"})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	history, err := c.store.GetHistory(r.Context(), limit, r.URL.Query().Get("session"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"history": history,
		"stats":   store.HistorySummary(history),
	})
}

// handleEvents serves the timeline feed, either the full recent ring
// buffer or only entries newer than ?since=.
func (c *Coordinator) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET required"})
		return
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, types.NewError(types.ErrInvalidInput, "since must be an integer event id"))
			return
		}
		entries, latestID := c.feed.Since(r.Context(), since)
		writeJSON(w, http.StatusOK, map[string]any{"events": entries, "latest_id": latestID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": c.feed.Recent(100)})
}

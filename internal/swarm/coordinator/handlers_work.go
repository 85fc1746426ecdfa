package coordinator

import (
	"net/http"
	"time"

	"github.com/buildswarm/coordinator/internal/swarm/types"
)

// handleWork is the drone poll endpoint: get_work's single decision point.
func (c *Coordinator) handleWork(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET required"})
		return
	}
	droneID := r.URL.Query().Get("id")
	if droneID == "" {
		writeError(w, types.NewError(types.ErrInvalidInput, "id is required"))
		return
	}

	result, err := c.scheduler.GetWork(r.Context(), droneID, r.URL.Query().Get("portage_timestamp"))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{"package": nil}
	if result.Directive != nil {
		resp["action"] = result.Directive.Action
		for k, v := range result.Directive.Params {
			resp[k] = v
		}
	} else if result.Package != "" {
		resp["package"] = result.Package
	}

	if stale := c.scheduler.GetStaleAssignments(droneID); len(stale) > 0 {
		atoms := make([]string, 0, len(stale))
		for atom := range stale {
			atoms = append(atoms, atom)
		}
		resp["abandon"] = atoms
	}

	writeJSON(w, http.StatusOK, resp)
}

type completeRequest struct {
	DroneID       string  `json:"id"`
	Package       string  `json:"package"`
	Status        string  `json:"status"`
	BuildDuration float64 `json:"build_duration_s"`
	ErrorDetail   string  `json:"error_detail"`
	SessionID     string  `json:"session_id"`
}

// handleComplete records a build's outcome. A success is discarded
// without recording it, and without tripping the reporting drone's
// failure counter, if the atom was rebalanced away from it while it was
// building (stale-completion handling).
func (c *Coordinator) handleComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.DroneID == "" || req.Package == "" || req.Status == "" {
		writeError(w, types.NewError(types.ErrInvalidInput, "id, package and status are required"))
		return
	}

	if stale := c.scheduler.GetStaleAssignments(req.DroneID); stale[req.Package] {
		writeJSON(w, http.StatusOK, map[string]any{"status": req.Status, "accepted": false})
		return
	}

	// The in-memory rebalanced-away set only survives within one
	// coordinator process lifetime. A completion arriving after a restart
	// for a package that was reassigned in the meantime would otherwise
	// trip the wrong drone's failure counter, so fall back to the
	// durable assignment record.
	if req.Status != "success" {
		assigned, err := c.store.IsPackageAssignedTo(r.Context(), req.Package, req.DroneID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !assigned {
			writeJSON(w, http.StatusOK, map[string]any{"status": req.Status, "accepted": false})
			return
		}
	}

	status := req.Status
	if status == "success" && !isVirtualPackage(req.Package) {
		if !validateBinary(c.cfg.BinaryRoots, req.Package) {
			if err := c.store.RecordUploadFailure(r.Context(), req.DroneID); err != nil {
				c.log.WithError(err).Warn("record upload failure")
			}
			status = "missing_binary"
		} else if err := c.store.ResetUploadFailures(r.Context(), req.DroneID); err != nil {
			c.log.WithError(err).Warn("reset upload failures")
		}
	}

	if err := c.store.CompletePackage(r.Context(), req.Package, req.DroneID, status, req.BuildDuration, req.ErrorDetail,
		req.SessionID, c.cfg.QueueFailureBlockThreshold); err != nil {
		writeError(w, err)
		return
	}

	eventType := "fail"
	switch status {
	case "success":
		eventType = "complete"
	case "returned":
		eventType = "return"
	}
	if _, err := c.feed.Emit(r.Context(), types.Event{
		Type: eventType, Message: req.Package, DroneID: req.DroneID, Package: req.Package,
	}); err != nil {
		c.log.WithError(err).Warn("record complete event")
	}

	if status == "success" {
		if err := c.health.RecordSuccess(r.Context(), req.DroneID); err != nil {
			c.log.WithError(err).Warn("record drone success")
		}
		if err := c.healer.RecoverIfHealthy(r.Context(), types.Node{ID: req.DroneID}); err != nil {
			c.log.WithError(err).Warn("recover drone")
		}
	} else if status != "returned" {
		count, err := c.health.RecordFailure(r.Context(), req.DroneID)
		if err != nil {
			c.log.WithError(err).Warn("record drone failure")
		} else if node, nerr := c.store.GetNode(r.Context(), req.DroneID); nerr == nil {
			if grounded, gerr := c.health.CheckGrounded(r.Context(), req.DroneID, node); gerr == nil && grounded {
				c.log.WithFields(map[string]any{"drone": node.Name, "failures": count}).Warn("drone grounded")
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": status, "accepted": true})
}

type queueRequest struct {
	Packages         []string `json:"packages"`
	PortageTimestamp string   `json:"portage_timestamp"`
	SessionID        string   `json:"session_id"`
}

// handleQueue enqueues new atoms under the active (or a newly created)
// build session.
func (c *Coordinator) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	var req queueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Packages) == 0 {
		writeError(w, types.NewError(types.ErrInvalidInput, "packages must be non-empty"))
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		session, err := c.store.EnsureActiveSession(r.Context(), "session-"+time.Now().UTC().Format("20060102-150405"))
		if err != nil {
			writeError(w, err)
			return
		}
		sessionID = session.ID
	}

	count, err := c.store.QueuePackages(r.Context(), req.Packages, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queued": count, "session_id": sessionID})
}

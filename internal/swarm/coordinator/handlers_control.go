package coordinator

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/buildswarm/coordinator/internal/swarm/types"
)

// constantTimeKeyMatch compares the presented admin key against the
// configured one without leaking timing information. An empty configured
// key refuses every request rather than accepting one by accident.
func constantTimeKeyMatch(presented, configured string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

type controlRequest struct {
	Action       string `json:"action"`
	Atom         string `json:"atom"`
	DroneID      string `json:"drone_id"`
	ConfirmToken string `json:"confirm_token"`
}

const preflightPruneAction = "prune_releases"
const preflightTokenTTL = 5 * time.Minute

// handleControl dispatches the fleet-wide operator actions. Most take
// effect immediately; prune_releases is destructive and requires a
// two-step confirm via a short-lived preflight token.
func (c *Coordinator) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	var req controlRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	switch req.Action {
	case "pause":
		if err := c.store.SetPaused(ctx, true); err != nil {
			writeError(w, err)
			return
		}
	case "resume":
		if err := c.store.SetPaused(ctx, false); err != nil {
			writeError(w, err)
			return
		}
	case "unblock":
		if req.Atom != "" {
			if err := c.store.UnblockPackage(ctx, req.Atom); err != nil {
				writeError(w, err)
				return
			}
		} else if err := c.store.UnblockAll(ctx); err != nil {
			writeError(w, err)
			return
		}
	case "unground":
		if req.DroneID == "" {
			writeError(w, types.NewError(types.ErrInvalidInput, "drone_id is required for unground"))
			return
		}
		if err := c.store.ResetDroneHealth(ctx, req.DroneID); err != nil {
			writeError(w, err)
			return
		}
	case "reset":
		if err := c.store.ResetQueue(ctx, ""); err != nil {
			writeError(w, err)
			return
		}
	case "rebalance", "optimize":
		if err := c.scheduler.ReclaimOfflineWork(ctx); err != nil {
			writeError(w, err)
			return
		}
	case "clear_failures", "retry_failures":
		if err := c.store.UnblockAll(ctx); err != nil {
			writeError(w, err)
			return
		}
	case preflightPruneAction:
		c.handlePruneReleases(w, r, req)
		return
	default:
		writeError(w, types.NewError(types.ErrInvalidInput, "unknown control action %q", req.Action))
		return
	}

	if _, err := c.feed.Emit(ctx, types.Event{Type: "control", Message: req.Action}); err != nil {
		c.log.WithError(err).Warn("record control event")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePruneReleases is a two-step confirm: the first call (no token)
// issues a preflight token and performs no deletion; the second call,
// presenting that token, actually deletes every archived release.
func (c *Coordinator) handlePruneReleases(w http.ResponseWriter, r *http.Request, req controlRequest) {
	ctx := r.Context()
	if req.ConfirmToken == "" {
		token, err := c.store.IssuePreflightToken(ctx, preflightPruneAction, preflightTokenTTL)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "confirmation_required",
			"confirm_token": token,
			"expires_in_s":  preflightTokenTTL.Seconds(),
		})
		return
	}

	ok, err := c.store.ConsumePreflightToken(ctx, req.ConfirmToken, preflightPruneAction)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, types.NewError(types.ErrInvalidInput, "confirm_token invalid or expired"))
		return
	}

	releases, err := c.store.ListReleases(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	pruned := 0
	for _, rel := range releases {
		if rel.Status != types.ReleaseArchived {
			continue
		}
		if err := c.release.DeleteRelease(ctx, rel.Version); err != nil {
			c.log.WithError(err).WithFields(map[string]any{"version": rel.Version}).Warn("prune release failed")
			continue
		}
		pruned++
	}

	if _, err := c.feed.Emit(ctx, types.Event{Type: "control", Message: preflightPruneAction}); err != nil {
		c.log.WithError(err).Warn("record control event")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pruned": pruned})
}

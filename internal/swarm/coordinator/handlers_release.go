package coordinator

import (
	"net/http"
	"strings"

	"github.com/buildswarm/coordinator/internal/swarm/types"
)

// Release lifecycle operations (create, promote, rollback, archive,
// diff, migrate) live on the admin surface: they change what drones pull
// from the binhost fleet-wide and are operator actions, not part of the
// drone-facing protocol. Deletion stays behind the control action's
// preflight-token flow (handlers_control.go); these handlers cover the
// rest of the release lifecycle.

func (c *Coordinator) handleAdminReleases(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		releases, err := c.store.ListReleases(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"releases": releases})
	case http.MethodPost:
		c.handleCreateRelease(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET or POST required"})
	}
}

type createReleaseRequest struct {
	Version   string `json:"version"`
	Name      string `json:"name"`
	Notes     string `json:"notes"`
	CreatedBy string `json:"created_by"`
}

func (c *Coordinator) handleCreateRelease(w http.ResponseWriter, r *http.Request) {
	var req createReleaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.CreatedBy == "" {
		writeError(w, types.NewError(types.ErrInvalidInput, "created_by is required"))
		return
	}
	rel, err := c.release.CreateRelease(r.Context(), req.Version, req.Name, req.Notes, req.CreatedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := c.feed.Emit(r.Context(), types.Event{Type: "release_create", Message: rel.Version}); err != nil {
		c.log.WithError(err).Warn("record release_create event")
	}
	writeJSON(w, http.StatusOK, rel)
}

type releaseVersionRequest struct {
	Version string `json:"version"`
}

func (c *Coordinator) handleAdminReleasePromote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	var req releaseVersionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Version == "" {
		writeError(w, types.NewError(types.ErrInvalidInput, "version is required"))
		return
	}
	if err := c.release.PromoteRelease(r.Context(), req.Version); err != nil {
		writeError(w, err)
		return
	}
	if _, err := c.feed.Emit(r.Context(), types.Event{Type: "release_promote", Message: req.Version}); err != nil {
		c.log.WithError(err).Warn("record release_promote event")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *Coordinator) handleAdminReleaseRollback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	rel, err := c.release.Rollback(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := c.feed.Emit(r.Context(), types.Event{Type: "release_rollback", Message: rel.Version}); err != nil {
		c.log.WithError(err).Warn("record release_rollback event")
	}
	writeJSON(w, http.StatusOK, rel)
}

func (c *Coordinator) handleAdminReleaseArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	var req releaseVersionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Version == "" {
		writeError(w, types.NewError(types.ErrInvalidInput, "version is required"))
		return
	}
	if err := c.release.ArchiveRelease(r.Context(), req.Version); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *Coordinator) handleAdminReleaseDiff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET required"})
		return
	}
	from := strings.TrimSpace(r.URL.Query().Get("from"))
	to := strings.TrimSpace(r.URL.Query().Get("to"))
	if from == "" || to == "" {
		writeError(w, types.NewError(types.ErrInvalidInput, "from and to are required"))
		return
	}
	diff, err := c.release.DiffReleases(r.Context(), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

type migrateReleaseRequest struct {
	FlatBinhostDir string `json:"flat_binhost_dir"`
	CreatedBy      string `json:"created_by"`
}

// handleAdminReleaseMigrate runs the one-time migration of a pre-release
// flat binhost directory into the release system.
func (c *Coordinator) handleAdminReleaseMigrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	var req migrateReleaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.FlatBinhostDir == "" || req.CreatedBy == "" {
		writeError(w, types.NewError(types.ErrInvalidInput, "flat_binhost_dir and created_by are required"))
		return
	}
	rel, err := c.release.MigrateToReleaseSystem(r.Context(), req.FlatBinhostDir, req.CreatedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

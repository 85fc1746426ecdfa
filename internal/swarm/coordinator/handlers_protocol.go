package coordinator

import (
	"net/http"
	"strconv"
	"time"

	"github.com/buildswarm/coordinator/internal/swarm/store"
	"github.com/buildswarm/coordinator/internal/swarm/types"
)

// handleProtocolQuery serves the filtered protocol log feed behind
// /api/v1/protocol. Every filter param is optional.
func (c *Coordinator) handleProtocolQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET required"})
		return
	}
	q := r.URL.Query()
	filter := store.ProtocolFilter{
		Type:    q.Get("type"),
		DroneID: q.Get("drone"),
		Package: q.Get("package"),
	}
	if v := q.Get("since"); v != "" {
		since, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, types.NewError(types.ErrInvalidInput, "since must be an integer id"))
			return
		}
		filter.Since = since
	}
	if v := q.Get("min_latency"); v != "" {
		ms, err := strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(w, types.NewError(types.ErrInvalidInput, "min_latency must be numeric"))
			return
		}
		filter.MinLatency = ms
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}

	entries, err := c.store.QueryProtocolEntries(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "dropped": c.protocol.Dropped()})
}

// handleProtocolDetail returns one full, untruncated entry by id.
func (c *Coordinator) handleProtocolDetail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		writeError(w, types.NewError(types.ErrInvalidInput, "id must be an integer"))
		return
	}
	entry, err := c.store.GetProtocolEntry(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleProtocolStats reports per-message-type counters since ?since=
// (default: all time).
func (c *Coordinator) handleProtocolStats(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, types.NewError(types.ErrInvalidInput, "since must be an integer id"))
			return
		}
		since = parsed
	}
	stats, err := c.store.ProtocolStatsSince(r.Context(), since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

// handleProtocolDensity buckets request volume between ?start= and ?end=
// (RFC3339) into ?buckets= equal-width windows, for the activity sparkline.
func (c *Coordinator) handleProtocolDensity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		writeError(w, types.NewError(types.ErrInvalidInput, "start must be RFC3339"))
		return
	}
	end, err := time.Parse(time.RFC3339, q.Get("end"))
	if err != nil {
		writeError(w, types.NewError(types.ErrInvalidInput, "end must be RFC3339"))
		return
	}
	buckets := 24
	if v := q.Get("buckets"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			buckets = n
		}
	}
	density, err := c.store.ActivityDensity(r.Context(), start, end, buckets)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": density})
}

// handleProtocolSnapshot reconstructs the fleet/status view as it would
// have looked at ?at= (RFC3339), replayed from the protocol log.
func (c *Coordinator) handleProtocolSnapshot(w http.ResponseWriter, r *http.Request) {
	at, err := time.Parse(time.RFC3339, r.URL.Query().Get("at"))
	if err != nil {
		writeError(w, types.NewError(types.ErrInvalidInput, "at must be RFC3339"))
		return
	}
	statusBody, nodeListBody, err := c.store.StateAtTime(r.Context(), at)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"at":     at,
		"status": rawJSON(statusBody),
		"nodes":  rawJSON(nodeListBody),
	})
}

package coordinator

import (
	"context"
	"net/http"
	"time"
)

// auditWindow is how far back build_history is scanned when computing
// each online drone's recent failure rate.
const auditWindow = 6 * time.Hour

// auditHistorySample bounds how much build_history the audit pulls per
// run; a fleet producing more than this many completions within
// auditWindow only has its most recent sample considered.
const auditHistorySample = 2000

// auditFailureRateThreshold flags a drone whose recent failure rate meets
// or exceeds this fraction, provided it has built at least auditMinSamples
// packages in the window (too few samples make the rate meaningless).
const auditFailureRateThreshold = 0.4
const auditMinSamples = 5

// auditDistinctDroneFailureThreshold flags a blocked package that has
// failed across at least this many distinct drones — evidence the
// package itself is broken rather than any one drone.
const auditDistinctDroneFailureThreshold = 2

// AuditEntry flags one online drone with an elevated recent failure rate.
type AuditEntry struct {
	DroneID      string  `json:"drone_id"`
	DroneName    string  `json:"drone_name"`
	Attempts     int     `json:"attempts"`
	Failures     int     `json:"failures"`
	FailureRate  float64 `json:"failure_rate"`
	BuildFailure int     `json:"build_failure_count"`
	Grounded     bool    `json:"grounded"`
}

// FlaggedPackage names a blocked package that has failed across enough
// distinct drones to suggest a package-quality problem rather than a
// single misbehaving drone.
type FlaggedPackage struct {
	Atom           string `json:"atom"`
	DistinctDrones int    `json:"distinct_drone_failures"`
	FailureCount   int    `json:"failure_count"`
}

// AuditReport is the admin audit's findings, cross-referencing nodes,
// drone_health, and recent build_history.
type AuditReport struct {
	GeneratedAt     time.Time        `json:"generated_at"`
	WindowHours     float64          `json:"window_hours"`
	Flagged         []AuditEntry     `json:"flagged"`
	FlaggedPackages []FlaggedPackage `json:"flagged_packages"`
}

// RunAudit cross-references online nodes, their persisted health
// counters, and their recent build_history to surface drones that are
// online and accepting work but failing far more often than the fleet —
// the kind of slow degradation self-healing's instantaneous thresholds
// don't catch on their own.
func (c *Coordinator) RunAudit(ctx context.Context) (AuditReport, error) {
	report := AuditReport{
		GeneratedAt: time.Now().UTC(),
		WindowHours: auditWindow.Hours(),
	}

	nodes, err := c.store.GetAllNodes(ctx, false, "")
	if err != nil {
		return report, err
	}
	health, err := c.store.GetAllDroneHealth(ctx)
	if err != nil {
		return report, err
	}
	history, err := c.store.GetHistory(ctx, auditHistorySample, "")
	if err != nil {
		return report, err
	}

	cutoff := time.Now().UTC().Add(-auditWindow)
	attempts := make(map[string]int)
	failures := make(map[string]int)
	for _, h := range history {
		if h.CreatedAt.Before(cutoff) {
			continue
		}
		attempts[h.DroneID]++
		if h.Status != "success" {
			failures[h.DroneID]++
		}
	}

	for _, node := range nodes {
		total := attempts[node.ID]
		if total < auditMinSamples {
			continue
		}
		rate := float64(failures[node.ID]) / float64(total)
		if rate < auditFailureRateThreshold {
			continue
		}
		h := health[node.ID]
		report.Flagged = append(report.Flagged, AuditEntry{
			DroneID:      node.ID,
			DroneName:    node.Name,
			Attempts:     total,
			Failures:     failures[node.ID],
			FailureRate:  rate,
			BuildFailure: h.BuildFailureCount,
			Grounded:     h.Grounded(time.Now().UTC()),
		})
	}

	blocked, err := c.store.GetBlockedPackages(ctx, auditHistorySample)
	if err != nil {
		return report, err
	}
	for _, entry := range blocked {
		distinct, err := c.store.CountDistinctDroneFailures(ctx, entry.Atom)
		if err != nil {
			return report, err
		}
		if distinct >= auditDistinctDroneFailureThreshold {
			report.FlaggedPackages = append(report.FlaggedPackages, FlaggedPackage{
				Atom:           entry.Atom,
				DistinctDrones: distinct,
				FailureCount:   entry.FailureCount,
			})
		}
	}
	return report, nil
}

func (c *Coordinator) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "GET required"})
		return
	}
	report, err := c.RunAudit(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

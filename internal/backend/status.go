package backend

import (
	"time"
)

// ToolConflict records a tool name exposed by more than one backend,
// grounded on the teacher's checkToolConflicts (broker.go).
type ToolConflict struct {
	ToolName      string   `json:"tool_name"`
	ConflictsWith []string `json:"conflicts_with"`
}

// BackendStatus is the per-backend row of a StatusResponse rollup.
type BackendStatus struct {
	Name          string         `json:"name"`
	State         State          `json:"state"`
	LastError     string         `json:"last_error,omitempty"`
	ToolCount     int            `json:"tool_count"`
	ToolConflicts []ToolConflict `json:"tool_conflicts,omitempty"`
}

// StatusResponse is the aggregate validation rollup the external UI
// collaborator renders (spec's supplemental feature grounded on
// internal/broker/status.go's ValidateAllServers).
type StatusResponse struct {
	Timestamp        time.Time       `json:"timestamp"`
	OverallValid     bool            `json:"overall_valid"`
	TotalBackends    int             `json:"total_backends"`
	HealthyBackends  int             `json:"healthy_backends"`
	UnhealthyBackends int            `json:"unhealthy_backends"`
	ToolConflicts    int             `json:"tool_conflicts"`
	Backends         []BackendStatus `json:"backends"`
}

// ValidateAll computes an aggregate health rollup across every
// registered backend, including cross-backend tool name conflicts.
func (r *Registry) ValidateAll() StatusResponse {
	r.mu.RLock()
	names := make([]string, 0, len(r.backends))
	backends := make(map[string]*Backend, len(r.backends))
	for n, b := range r.backends {
		names = append(names, n)
		backends[n] = b
	}
	r.mu.RUnlock()

	ownerOf := map[string][]string{} // toolName -> backend names exposing it
	for _, name := range names {
		for _, t := range backends[name].Tools() {
			ownerOf[t.Name] = append(ownerOf[t.Name], name)
		}
	}

	resp := StatusResponse{
		Timestamp:     time.Now(),
		OverallValid:  true,
		TotalBackends: len(names),
		Backends:      make([]BackendStatus, 0, len(names)),
	}

	for _, name := range names {
		b := backends[name]
		snap := b.Snapshot()
		status := BackendStatus{
			Name:      name,
			State:     snap.State,
			LastError: snap.LastError,
			ToolCount: snap.ToolCount,
		}

		for _, t := range b.Tools() {
			owners := ownerOf[t.Name]
			if len(owners) <= 1 {
				continue
			}
			var others []string
			for _, o := range owners {
				if o != name {
					others = append(others, o)
				}
			}
			status.ToolConflicts = append(status.ToolConflicts, ToolConflict{
				ToolName:      t.Name,
				ConflictsWith: others,
			})
		}
		resp.ToolConflicts += len(status.ToolConflicts)

		healthy := snap.State == StateVerified && len(status.ToolConflicts) == 0
		if healthy {
			resp.HealthyBackends++
		} else {
			resp.UnhealthyBackends++
			resp.OverallValid = false
		}
		resp.Backends = append(resp.Backends, status)
	}

	return resp
}

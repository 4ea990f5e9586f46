package gateway

import (
	"net/http"
	"time"

	"ansible-mcp/internal/domain"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Server  ServerStatus  `json:"server"`
	Jobs    JobStatus     `json:"jobs"`
	Engine  EngineStatus  `json:"engine"`
	Streams StreamStatus  `json:"streams"`
	History HistoryStatus `json:"history"`
}

// ServerStatus holds server overview info.
type ServerStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// JobStatus holds job counts and slot usage.
type JobStatus struct {
	ByState   map[domain.JobState]int `json:"by_state"`
	Running   int                     `json:"slots_running"`
	Waiting   int                     `json:"slots_waiting"`
	Submitted int64                   `json:"submitted_total"`
}

// EngineStatus describes the automation engine binaries.
type EngineStatus struct {
	Ansible         string `json:"ansible"`
	AnsiblePlaybook string `json:"ansible_playbook"`
	Breaker         string `json:"breaker"`
}

// StreamStatus holds streaming client stats.
type StreamStatus struct {
	Clients   int64 `json:"clients"`
	Overflows int64 `json:"overflows_total"`
}

// HistoryStatus reports whether finished jobs are archived.
type HistoryStatus struct {
	Enabled bool `json:"enabled"`
}

// status serves GET /api/v1/status.
func (h *handler) status(w http.ResponseWriter, _ *http.Request) {
	registry := h.deps.Jobs.Registry()
	running, waiting := registry.Slots()
	engine := h.deps.Jobs.Engine()

	writeJSON(w, http.StatusOK, StatusResponse{
		Server: ServerStatus{
			Name:          h.deps.Info.Name,
			Version:       h.deps.Info.Version,
			UptimeSeconds: int64(time.Since(h.started).Seconds()),
		},
		Jobs: JobStatus{
			ByState:   registry.Counts(),
			Running:   running,
			Waiting:   waiting,
			Submitted: h.metrics.JobsSubmitted.Load(),
		},
		Engine: EngineStatus{
			Ansible:         engine.Ansible,
			AnsiblePlaybook: engine.AnsiblePlaybook,
			Breaker:         h.deps.Jobs.BreakerState(),
		},
		Streams: StreamStatus{
			Clients:   h.metrics.StreamClients.Load(),
			Overflows: h.metrics.StreamOverflows.Load(),
		},
		History: HistoryStatus{Enabled: h.deps.History != nil},
	})
}

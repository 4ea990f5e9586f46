package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"ansible-mcp/internal/domain"
)

// Metrics tracks counters for the status API and Prometheus metrics.
type Metrics struct {
	JobsSubmitted   atomic.Int64
	JobsStarted     atomic.Int64
	JobsSucceeded   atomic.Int64
	JobsFailed      atomic.Int64
	JobsCancelled   atomic.Int64
	JobsTimedOut    atomic.Int64
	JobsEvicted     atomic.Int64
	StreamOverflows atomic.Int64
	StreamClients   atomic.Int64
}

// NewMetrics returns zeroed metrics.
func NewMetrics() *Metrics { return &Metrics{} }

// Subscribe counts job lifecycle events published on bus. The returned
// function stops counting.
func (m *Metrics) Subscribe(bus domain.EventBus) func() {
	return bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		switch ev.Type {
		case domain.EventJobQueued:
			m.JobsSubmitted.Add(1)
		case domain.EventJobStarted:
			m.JobsStarted.Add(1)
		case domain.EventJobFinished:
			var s domain.JobSummary
			if err := json.Unmarshal(ev.Payload, &s); err != nil {
				return
			}
			m.finished(s.State)
		case domain.EventJobEvicted:
			m.JobsEvicted.Add(1)
		case domain.EventStreamOverflow:
			m.StreamOverflows.Add(1)
		}
	})
}

func (m *Metrics) finished(state domain.JobState) {
	switch state {
	case domain.JobSucceeded:
		m.JobsSucceeded.Add(1)
	case domain.JobFailed:
		m.JobsFailed.Add(1)
	case domain.JobCancelled:
		m.JobsCancelled.Add(1)
	case domain.JobTimedOut:
		m.JobsTimedOut.Add(1)
	}
}

// prometheus serves GET /metrics in the Prometheus text format.
// This uses the lightweight text format to avoid pulling in the full prometheus client.
func (h *handler) prometheus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	m := h.metrics
	registry := h.deps.Jobs.Registry()
	running, waiting := registry.Slots()

	// Job metrics.
	fmt.Fprintf(w, "# HELP ansiblemcp_jobs_submitted_total Total jobs accepted.\n")
	fmt.Fprintf(w, "# TYPE ansiblemcp_jobs_submitted_total counter\n")
	fmt.Fprintf(w, "ansiblemcp_jobs_submitted_total %d\n", m.JobsSubmitted.Load())

	fmt.Fprintf(w, "# HELP ansiblemcp_jobs_started_total Total jobs whose process was started.\n")
	fmt.Fprintf(w, "# TYPE ansiblemcp_jobs_started_total counter\n")
	fmt.Fprintf(w, "ansiblemcp_jobs_started_total %d\n", m.JobsStarted.Load())

	fmt.Fprintf(w, "# HELP ansiblemcp_jobs_finished_total Total jobs that reached a terminal state.\n")
	fmt.Fprintf(w, "# TYPE ansiblemcp_jobs_finished_total counter\n")
	for _, row := range []struct {
		state domain.JobState
		n     int64
	}{
		{domain.JobSucceeded, m.JobsSucceeded.Load()},
		{domain.JobFailed, m.JobsFailed.Load()},
		{domain.JobCancelled, m.JobsCancelled.Load()},
		{domain.JobTimedOut, m.JobsTimedOut.Load()},
	} {
		fmt.Fprintf(w, "ansiblemcp_jobs_finished_total{state=%q} %d\n", row.state, row.n)
	}

	fmt.Fprintf(w, "# HELP ansiblemcp_jobs_evicted_total Total jobs removed from the registry.\n")
	fmt.Fprintf(w, "# TYPE ansiblemcp_jobs_evicted_total counter\n")
	fmt.Fprintf(w, "ansiblemcp_jobs_evicted_total %d\n", m.JobsEvicted.Load())

	fmt.Fprintf(w, "# HELP ansiblemcp_jobs Jobs currently held, by state.\n")
	fmt.Fprintf(w, "# TYPE ansiblemcp_jobs gauge\n")
	counts := registry.Counts()
	for _, st := range []domain.JobState{domain.JobQueued, domain.JobRunning, domain.JobSucceeded, domain.JobFailed, domain.JobCancelled, domain.JobTimedOut} {
		fmt.Fprintf(w, "ansiblemcp_jobs{state=%q} %d\n", st, counts[st])
	}

	fmt.Fprintf(w, "# HELP ansiblemcp_slots_running Jobs holding a concurrency slot.\n")
	fmt.Fprintf(w, "# TYPE ansiblemcp_slots_running gauge\n")
	fmt.Fprintf(w, "ansiblemcp_slots_running %d\n", running)

	fmt.Fprintf(w, "# HELP ansiblemcp_slots_waiting Jobs waiting for a concurrency slot.\n")
	fmt.Fprintf(w, "# TYPE ansiblemcp_slots_waiting gauge\n")
	fmt.Fprintf(w, "ansiblemcp_slots_waiting %d\n", waiting)

	// Stream metrics.
	fmt.Fprintf(w, "# HELP ansiblemcp_stream_clients Connected streaming clients.\n")
	fmt.Fprintf(w, "# TYPE ansiblemcp_stream_clients gauge\n")
	fmt.Fprintf(w, "ansiblemcp_stream_clients %d\n", m.StreamClients.Load())

	fmt.Fprintf(w, "# HELP ansiblemcp_stream_overflows_total Total subscriber overflow episodes.\n")
	fmt.Fprintf(w, "# TYPE ansiblemcp_stream_overflows_total counter\n")
	fmt.Fprintf(w, "ansiblemcp_stream_overflows_total %d\n", m.StreamOverflows.Load())

	open := 0
	if h.deps.Jobs.BreakerState() == "open" {
		open = 1
	}
	fmt.Fprintf(w, "# HELP ansiblemcp_engine_breaker_open Whether the spawn circuit breaker is open.\n")
	fmt.Fprintf(w, "# TYPE ansiblemcp_engine_breaker_open gauge\n")
	fmt.Fprintf(w, "ansiblemcp_engine_breaker_open %d\n", open)

	// Uptime.
	fmt.Fprintf(w, "# HELP ansiblemcp_uptime_seconds Seconds since the server started.\n")
	fmt.Fprintf(w, "# TYPE ansiblemcp_uptime_seconds gauge\n")
	fmt.Fprintf(w, "ansiblemcp_uptime_seconds %.0f\n", time.Since(h.started).Seconds())

	// Go runtime metrics.
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines.\n")
	fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
	fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Bytes of allocated heap objects.\n")
	fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
	fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n", mem.Alloc)

	fmt.Fprintf(w, "# HELP go_memstats_sys_bytes Total bytes of memory obtained from the OS.\n")
	fmt.Fprintf(w, "# TYPE go_memstats_sys_bytes gauge\n")
	fmt.Fprintf(w, "go_memstats_sys_bytes %d\n", mem.Sys)
}

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ansible-mcp/internal/domain"
	"ansible-mcp/internal/infra/middleware"
	"ansible-mcp/internal/usecase/command"
	"ansible-mcp/internal/usecase/jobs"
	"ansible-mcp/internal/usecase/stream"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// PlaybookWriter stores generated playbooks.
type PlaybookWriter interface {
	Write(name, content string) (string, error)
}

// HistoryReader reads archived jobs.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]domain.Job, error)
}

// ServerInfo describes this server in status and manifest responses.
type ServerInfo struct {
	Name        string
	Version     string
	Description string
	BaseURL     string // public URL prefix; empty uses the request host
}

// StreamOptions configures SSE and WebSocket streaming.
type StreamOptions struct {
	Heartbeat          time.Duration // keepalive interval (default: 15s)
	CancelOnDisconnect bool          // cancel a job when its last streaming client leaves
}

// HandlerDeps holds dependencies needed by the HTTP handlers.
type HandlerDeps struct {
	Jobs      *jobs.Service
	Playbooks PlaybookWriter // nil disables POST /playbooks
	History   HistoryReader  // nil disables GET /history
	Bus       domain.EventBus
	Auth      *StaticTokenAuth // nil or empty disables authentication
	RateLimit middleware.RateLimitConfig
	Info      ServerInfo
	Stream    StreamOptions
	Tools     []ManifestTool
	Logger    *slog.Logger
}

// handler serves the REST API.
type handler struct {
	deps    HandlerDeps
	metrics *Metrics
	started time.Time
}

// RegisterRoutes mounts the REST API, streaming endpoints, status, metrics,
// health and manifest on s. Protect wraps handlers that need a token when
// authentication is enabled; callers use it for routes they add themselves.
func RegisterRoutes(ctx context.Context, s *Server, deps HandlerDeps) (metrics *Metrics, protect func(http.Handler) http.Handler) {
	if deps.Stream.Heartbeat <= 0 {
		deps.Stream.Heartbeat = 15 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &handler{deps: deps, metrics: NewMetrics(), started: time.Now()}
	if deps.Bus != nil {
		h.metrics.Subscribe(deps.Bus)
	}

	protect = func(next http.Handler) http.Handler { return next }
	if deps.Auth != nil && deps.Auth.Enabled() {
		protect = RequireToken(deps.Auth)
	}

	r := s.Router()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/.well-known/mcp.json", h.manifest)
	r.With(protect).Get("/metrics", h.prometheus)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(protect)
		if deps.RateLimit.RequestsPerMin > 0 {
			r.Use(middleware.RateLimitWithConfig(ctx, deps.RateLimit))
		}
		r.Get("/status", h.status)
		r.Get("/jobs", h.listJobs)
		r.Post("/jobs/{kind}", h.createJob)
		r.Get("/jobs/{id}", h.getJob)
		r.Delete("/jobs/{id}", h.deleteJob)
		r.Get("/jobs/{id}/stream", h.streamJob)
		r.Get("/jobs/{id}/ws", h.wsJob)
		r.Post("/playbooks", h.createPlaybook)
		r.Get("/history", h.history)
	})
	return h.metrics, protect
}

func (h *handler) createJob(w http.ResponseWriter, r *http.Request) {
	kind := domain.JobKind(chi.URLParam(r, "kind"))
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, domain.NewSubSystemError("command", "gateway.createJob", domain.ErrInvalidInput, err.Error()))
		return
	}
	req, err := command.Decode(kind, body)
	if err != nil {
		writeError(w, err)
		return
	}

	job, err := h.deps.Jobs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	if wantsStream(r) {
		mux, err := h.deps.Jobs.Registry().Output(job.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		preamble, _ := json.Marshal(map[string]string{"id": job.ID})
		h.serveSSE(w, r, job.ID, mux, 0, preamble)
		return
	}

	w.Header().Set("Location", "/api/v1/jobs/"+job.ID+"/stream")
	writeJSON(w, http.StatusAccepted, job)
}

// wantsStream reports whether the client asked for the job to be streamed
// on the creating request.
func wantsStream(r *http.Request) bool {
	if v := r.URL.Query().Get("stream"); v == "1" || v == "true" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

type listResponse struct {
	Jobs []domain.JobSummary `json:"jobs"`
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f jobs.ListFilter

	if k := q.Get("kind"); k != "" {
		f.Kind = domain.JobKind(k)
		if !f.Kind.Valid() {
			writeError(w, domain.NewSubSystemError("command", "gateway.listJobs", domain.ErrInvalidInput,
				fmt.Sprintf("unknown kind %q", k)))
			return
		}
	}
	if s := q.Get("state"); s != "" {
		state, ok := domain.ParseJobState(s)
		if !ok {
			writeError(w, domain.NewSubSystemError("command", "gateway.listJobs", domain.ErrInvalidInput,
				fmt.Sprintf("unknown state %q", s)))
			return
		}
		f.State = state
	}
	if expr := q.Get("filter"); expr != "" {
		filter, err := jobs.NewFilter(expr)
		if err != nil {
			writeError(w, err)
			return
		}
		f.Match = filter.Match
	}

	writeJSON(w, http.StatusOK, listResponse{Jobs: h.deps.Jobs.Registry().List(f)})
}

// JobDetail is the body of GET /api/v1/jobs/{id}.
type JobDetail struct {
	domain.Job
	Stream stream.Stats `json:"stream"`
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	registry := h.deps.Jobs.Registry()
	job, err := registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	detail := JobDetail{Job: job}
	if mux, err := registry.Output(id); err == nil {
		detail.Stream = mux.Stats()
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if v := r.URL.Query().Get("evict"); v == "1" || v == "true" {
		if err := h.deps.Jobs.Registry().Evict(id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	job, err := h.deps.Jobs.Cancel(id, jobs.ReasonCancelled)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !job.State.Terminal() {
		// Termination is in progress.
		status = http.StatusAccepted
	}
	writeJSON(w, status, job)
}

type playbookRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (h *handler) createPlaybook(w http.ResponseWriter, r *http.Request) {
	if h.deps.Playbooks == nil {
		writeError(w, domain.NewSubSystemError("playbook", "gateway.createPlaybook", domain.ErrDisabled, "no playbook directory configured"))
		return
	}
	var req playbookRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, domain.NewSubSystemError("playbook", "gateway.createPlaybook", domain.ErrInvalidInput, err.Error()))
		return
	}
	path, err := h.deps.Playbooks.Write(req.Name, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": path})
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		writeError(w, domain.NewSubSystemError("history", "gateway.history", domain.ErrDisabled, "history archive is not enabled"))
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, domain.NewSubSystemError("command", "gateway.history", domain.ErrInvalidInput, "limit must be a positive integer"))
			return
		}
		limit = min(n, 1000)
	}
	archived, err := h.deps.History.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": archived})
}

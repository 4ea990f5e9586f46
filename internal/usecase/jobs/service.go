package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"ansible-mcp/internal/domain"
	"ansible-mcp/internal/infra/tracer"
	"ansible-mcp/internal/usecase/command"
	"ansible-mcp/internal/usecase/runner"
	"ansible-mcp/internal/usecase/stream"
)

// Reasons recorded on jobs that were stopped early.
const (
	ReasonCancelled    = "cancelled"
	ReasonDisconnected = "client disconnected"
)

// ServiceConfig holds configuration for the Service.
type ServiceConfig struct {
	Engine         command.Engine
	Dir            string                           // working directory for jobs
	DefaultTimeout time.Duration                    // 0 means no timeout
	KindTimeouts   map[domain.JobKind]time.Duration // per-kind defaults
	KillGrace      time.Duration                    // SIGTERM to SIGKILL (default: 5s)
	Breaker        BreakerConfig
}

// Launcher starts processes.
type Launcher interface {
	Preflight(argv []string) error
	Start(ctx context.Context, argv []string, env []string, dir string) (*runner.Handle, error)
}

// Service runs jobs: it builds commands, admits them through the registry,
// starts their processes and supervises them to a terminal state.
type Service struct {
	config   ServiceConfig
	registry *Registry
	launcher Launcher
	breaker  *spawnBreaker
	bus      domain.EventBus
	logger   *slog.Logger
}

// NewService creates a Service. bus may be nil.
func NewService(cfg ServiceConfig, registry *Registry, launcher Launcher, bus domain.EventBus, logger *slog.Logger) *Service {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	cfg.Engine = cfg.Engine.WithDefaults()
	return &Service{
		config:   cfg,
		registry: registry,
		launcher: launcher,
		breaker:  newSpawnBreaker(cfg.Breaker, logger),
		bus:      bus,
		logger:   logger,
	}
}

// Registry returns the underlying registry.
func (s *Service) Registry() *Registry { return s.registry }

// Engine returns the command engine used to build requests.
func (s *Service) Engine() command.Engine { return s.config.Engine }

// BreakerState returns the spawn breaker state.
func (s *Service) BreakerState() string { return s.breaker.State() }

// Submit builds req, verifies the executable and registers the job. When a
// slot is free the process is started before Submit returns; a failure to
// spawn it is returned as a SpawnError and no job remains registered.
func (s *Service) Submit(ctx context.Context, req command.Request) (domain.Job, error) {
	const op = "Service.Submit"
	ctx, span := tracer.StartSpan(ctx, "jobs.Submit")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("job.kind", string(req.Kind())))

	spec, err := req.Build(s.config.Engine)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Job{}, err
	}
	if err := s.breaker.ready(op); err != nil {
		tracer.RecordError(span, err)
		return domain.Job{}, err
	}
	if err := s.launcher.Preflight(spec.Argv); err != nil {
		tracer.RecordError(span, err)
		return domain.Job{}, err
	}

	// Reserved so that a job whose spawn fails never reaches the bus.
	job := s.registry.Reserve(spec.Kind, spec.Argv, s.timeoutFor(spec))
	span.SetAttributes(tracer.StringAttr("job.id", job.ID))
	if mux, err := s.registry.Output(job.ID); err == nil {
		id := job.ID
		mux.OnDrop(func(sub string, dropped int64) { s.overflowed(id, sub, dropped) })
	}

	granted, err := s.registry.Admit(job.ID, func() { s.launch(job.ID) })
	if err != nil {
		// Cancelled before admission.
		s.announce(job.ID)
		return s.registry.Get(job.ID)
	}
	if granted {
		if err := s.start(ctx, job.ID); err != nil {
			s.discard(job.ID, err)
			tracer.RecordError(span, err)
			return domain.Job{}, err
		}
	}
	s.announce(job.ID)

	tracer.SetOK(span)
	return s.registry.Get(job.ID)
}

func (s *Service) timeoutFor(spec command.Spec) time.Duration {
	if spec.Timeout > 0 {
		return spec.Timeout
	}
	if d, ok := s.config.KindTimeouts[spec.Kind]; ok && d > 0 {
		return d
	}
	return s.config.DefaultTimeout
}

// launch starts a job that waited for a slot.
func (s *Service) launch(id string) {
	if err := s.start(context.Background(), id); err != nil {
		s.logger.Warn("job spawn failed", "job_id", id, "error", err)
		if _, terr := s.registry.Transition(id, domain.JobFailed, nil, "spawn failed: "+err.Error()); terr != nil {
			s.logger.Error("mark job failed", "job_id", id, "error", terr)
		}
	}
}

func (s *Service) announce(id string) {
	if err := s.registry.Announce(id); err != nil {
		s.logger.Error("announce job", "job_id", id, "error", err)
	}
}

// discard removes a job whose synchronous spawn failed. The job was never
// announced, so nothing about it is published.
func (s *Service) discard(id string, cause error) {
	if _, err := s.registry.Transition(id, domain.JobFailed, nil, "spawn failed: "+cause.Error()); err != nil {
		s.logger.Error("mark job failed", "job_id", id, "error", err)
	}
	if err := s.registry.Evict(id); err != nil {
		s.logger.Error("evict failed job", "job_id", id, "error", err)
	}
}

// start spawns the process for a job holding a slot.
func (s *Service) start(ctx context.Context, id string) error {
	const op = "Service.start"
	job, err := s.registry.Get(id)
	if err != nil {
		return err
	}

	h, err := s.breaker.start(op, func() (*runner.Handle, error) {
		return s.launcher.Start(ctx, job.Argv, nil, s.config.Dir)
	})
	if err != nil {
		return err
	}

	if _, err := s.registry.Start(id, h); err != nil {
		// The job was cancelled while the process was being spawned.
		s.logger.Info("job cancelled during spawn", "job_id", id)
		_ = h.Kill(os.Kill)
		go func() {
			for range h.Output() {
			}
			h.Wait()
		}()
		return nil
	}

	s.logger.Info("job started", "job_id", id, "kind", job.Kind, "pid", h.PID())
	go s.supervise(id, h, job.Timeout)
	return nil
}

// supervise drains the process output into the job's multiplexer and
// records the terminal state once the process exits.
func (s *Service) supervise(id string, h *runner.Handle, timeout time.Duration) {
	_, span := tracer.StartSpan(context.Background(), "jobs.run")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("job.id", id), tracer.IntAttr("process.pid", h.PID()))

	mux, err := s.registry.Output(id)
	if err != nil {
		s.logger.Error("job vanished while running", "job_id", id, "error", err)
		_ = h.Kill(os.Kill)
		for range h.Output() {
		}
		h.Wait()
		return
	}

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			s.logger.Info("job timed out", "job_id", id, "timeout", timeout)
			if _, err := s.stop(id, domain.JobTimedOut, fmt.Sprintf("timeout after %s", timeout)); err != nil {
				s.logger.Error("stop timed out job", "job_id", id, "error", err)
			}
		})
	}

	for c := range h.Output() {
		mux.Publish(c)
		s.registry.RecordOutput(id, len(c.Data))
	}
	if timer != nil {
		timer.Stop()
	}
	st := h.Wait()

	to, reason := s.classify(id, st, h.Killed())
	code := st.Code
	job, err := s.registry.Transition(id, to, &code, reason)
	if err != nil {
		s.logger.Error("registry rejected terminal transition", "job_id", id, "to", to, "error", err)
		tracer.RecordError(span, err)
		return
	}

	span.SetAttributes(tracer.StringAttr("job.state", string(job.State)), tracer.IntAttr("process.exit_code", code))
	if job.State == domain.JobSucceeded {
		tracer.SetOK(span)
	}
	s.logger.Info("job finished", "job_id", id, "state", job.State, "exit_code", code,
		"duration", st.EndedAt.Sub(st.StartedAt))
}

// classify maps an exit onto a terminal state. A stop intent applies only
// when a signal reached the process and it did not exit cleanly; a stop
// that lost the race against a natural exit changes nothing.
func (s *Service) classify(id string, st runner.ExitStatus, killed bool) (domain.JobState, string) {
	if killed && !st.Success() {
		if as, reason := s.registry.StopIntent(id); as != "" {
			return as, reason
		}
	}
	switch {
	case st.Err != nil:
		return domain.JobFailed, st.Err.Error()
	case st.Success():
		return domain.JobSucceeded, ""
	case st.Signaled:
		return domain.JobFailed, "terminated by signal"
	default:
		return domain.JobFailed, ""
	}
}

// Cancel stops a job. A Queued job is cancelled immediately; a Running job
// is signalled and becomes Cancelled once its process exits. Cancelling a
// terminal job is a no-op returning its current state.
func (s *Service) Cancel(id, reason string) (domain.Job, error) {
	if reason == "" {
		reason = ReasonCancelled
	}
	return s.stop(id, domain.JobCancelled, reason)
}

func (s *Service) stop(id string, as domain.JobState, reason string) (domain.Job, error) {
	job, proc, err := s.registry.Stop(id, as, reason)
	if err != nil {
		return job, err
	}
	if proc != nil {
		if err := proc.Terminate(s.config.KillGrace); err != nil {
			s.logger.Warn("terminate job process", "job_id", id, "error", err)
		}
	}
	return job, nil
}

// Result is the collected output of a job that ran to completion.
type Result struct {
	Job     domain.Job `json:"job"`
	Stdout  []byte     `json:"stdout"`
	Stderr  []byte     `json:"stderr"`
	Dropped int64      `json:"dropped,omitempty"`
}

// Execute submits req and waits for it to finish, passing every chunk to
// onChunk (which may be nil) as it arrives. When ctx ends first the job is
// cancelled and ctx's error returned.
func (s *Service) Execute(ctx context.Context, req command.Request, onChunk func(domain.OutputChunk)) (Result, error) {
	job, err := s.Submit(ctx, req)
	if err != nil {
		return Result{}, err
	}
	mux, err := s.registry.Output(job.ID)
	if err != nil {
		return Result{Job: job}, err
	}

	sub := mux.Attach(0)
	defer sub.Detach()

	res := Result{Job: job}
	for {
		ev, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if _, cerr := s.Cancel(job.ID, "request cancelled"); cerr != nil {
				s.logger.Warn("cancel abandoned job", "job_id", job.ID, "error", cerr)
			}
			return res, err
		}
		switch ev.Kind {
		case stream.EventChunk:
			if ev.Chunk.Stream == domain.StreamStderr {
				res.Stderr = append(res.Stderr, ev.Chunk.Data...)
			} else {
				res.Stdout = append(res.Stdout, ev.Chunk.Data...)
			}
			if onChunk != nil {
				onChunk(ev.Chunk)
			}
		case stream.EventOverflow:
			res.Dropped += ev.Dropped
		}
	}

	final, err := s.registry.Wait(ctx, job.ID)
	if err != nil {
		return res, err
	}
	res.Job = final
	return res, nil
}

func (s *Service) overflowed(id, sub string, dropped int64) {
	s.logger.Debug("subscriber overflow", "job_id", id, "subscriber", sub, "dropped", dropped)
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{"subscriber": sub, "dropped": dropped})
	s.bus.Publish(context.Background(), domain.Event{
		Type:      domain.EventStreamOverflow,
		Timestamp: time.Now(),
		JobID:     id,
		Payload:   payload,
	})
}

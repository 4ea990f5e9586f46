// Package scheduling submits jobs on cron expressions or fixed intervals.
package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ansible-mcp/internal/domain"
	"ansible-mcp/internal/usecase/command"
)

// Submitter starts jobs. *jobs.Service satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req command.Request) (domain.Job, error)
}

// JobGetter looks up a job by id. *jobs.Registry satisfies it.
type JobGetter interface {
	Get(id string) (domain.Job, error)
}

// Task is one recurring job submission.
type Task struct {
	Name     string
	Schedule string // cron expression "*/5 * * * *", descriptor "@every 5m", or duration "30m"
	Kind     domain.JobKind
	Request  map[string]any
	// SkipIfRunning skips a firing while the task's previous job is not terminal.
	SkipIfRunning bool
}

// Firing is the payload of an EventScheduleFired event.
type Firing struct {
	Schedule string         `json:"schedule"`
	Kind     domain.JobKind `json:"kind"`
	JobID    string         `json:"job_id,omitempty"`
	Skipped  bool           `json:"skipped,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type entry struct {
	id      cron.EntryID
	task    Task
	request command.Request
	lastJob string
}

// Scheduler runs tasks on a recurring schedule using cron expressions or durations.
type Scheduler struct {
	cron      *cron.Cron
	submitter Submitter
	jobs      JobGetter
	bus       domain.EventBus
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler. jobs and bus may be nil; without jobs
// SkipIfRunning has no effect.
func NewScheduler(submitter Submitter, jobs JobGetter, bus domain.EventBus, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		submitter: submitter,
		jobs:      jobs,
		bus:       bus,
		logger:    logger,
		entries:   make(map[string]*entry),
	}
}

// Add validates task and schedules it. The request is decoded once here so a
// bad request fails at startup rather than on every firing.
func (s *Scheduler) Add(task Task) error {
	if task.Name == "" {
		return fmt.Errorf("scheduler: task name must not be empty")
	}
	if !task.Kind.Valid() {
		return fmt.Errorf("scheduler: task %q: unknown kind %q", task.Name, task.Kind)
	}
	req, err := command.FromArguments(task.Kind, task.Request)
	if err != nil {
		return fmt.Errorf("scheduler: task %q: %w", task.Name, err)
	}
	schedule, err := parseSchedule(task.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for task %q: %w", task.Schedule, task.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[task.Name]; exists {
		return fmt.Errorf("scheduler: task %q already exists", task.Name)
	}
	e := &entry{task: task, request: req}
	e.id = s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(e) }))
	s.entries[task.Name] = e

	s.logger.Info("task added to scheduler", "name", task.Name, "schedule", task.Schedule, "kind", task.Kind)
	return nil
}

// Remove unschedules a task by name.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("scheduler: task %q not found", name)
	}
	s.cron.Remove(e.id)
	delete(s.entries, name)
	s.logger.Info("task removed from scheduler", "name", name)
	return nil
}

// NextRun returns the next run time of a task. It is zero until Start.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(e.id).Next, true
}

// Start begins running the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop signals the scheduler to stop and waits for in-flight submissions.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	// fire takes mu, so wait outside it.
	<-s.cron.Stop().Done()
	return nil
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

func (s *Scheduler) fire(e *entry) {
	s.mu.Lock()
	ctx := s.ctx
	last := e.lastJob
	s.mu.Unlock()

	if ctx == nil || ctx.Err() != nil {
		s.logger.Debug("scheduler stopped, skipping task", "task", e.task.Name)
		return
	}

	firing := Firing{Schedule: e.task.Name, Kind: e.task.Kind}
	if e.task.SkipIfRunning && last != "" && s.jobs != nil {
		if job, err := s.jobs.Get(last); err == nil && !job.State.Terminal() {
			s.logger.Info("scheduled task skipped, previous job still active",
				"task", e.task.Name, "job_id", last, "state", job.State)
			firing.JobID = last
			firing.Skipped = true
			s.publish(ctx, firing)
			return
		}
	}

	submitCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	job, err := s.submitter.Submit(submitCtx, e.request)
	if err != nil {
		s.logger.Warn("scheduled task failed", "task", e.task.Name, "error", err)
		firing.Error = err.Error()
		s.publish(ctx, firing)
		return
	}

	s.mu.Lock()
	e.lastJob = job.ID
	s.mu.Unlock()

	s.logger.Info("scheduled job submitted", "task", e.task.Name, "job_id", job.ID, "kind", job.Kind)
	firing.JobID = job.ID
	s.publish(ctx, firing)
}

func (s *Scheduler) publish(ctx context.Context, f Firing) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return
	}
	s.bus.Publish(ctx, domain.Event{
		Type:      domain.EventScheduleFired,
		Timestamp: time.Now(),
		JobID:     f.JobID,
		Payload:   payload,
	})
}

// parseSchedule tries to parse a schedule string as a cron expression or
// descriptor first, then falls back to time.ParseDuration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	// cron.Every rounds to whole seconds; keep sub-second intervals exact.
	if d, ok := strings.CutPrefix(schedule, "@every "); ok {
		return parseDelay(d)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}
	return parseDelay(schedule)
}

func parseDelay(s string) (cron.Schedule, error) {
	dur, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", s)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", s)
	}
	return constantDelay{delay: dur}, nil
}

// ParseSchedule exposes schedule parsing for config validation.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	return parseSchedule(schedule)
}

// constantDelay implements cron.Schedule for a fixed interval.
// Unlike cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}

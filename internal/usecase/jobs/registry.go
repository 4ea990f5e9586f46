// Package jobs tracks job lifecycle and runs jobs through the process runner.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"ansible-mcp/internal/domain"
	"ansible-mcp/internal/usecase/stream"
)

// RegistryConfig holds configuration for the Registry.
type RegistryConfig struct {
	MaxRunning    int           // concurrent Running jobs; 0 means unlimited
	Retention     time.Duration // how long terminal jobs are kept (default: 1h)
	SweepInterval time.Duration // how often the sweep runs (default: 1m)
	Stream        stream.Config // per-job multiplexer bounds
}

// Process is the part of a running process the registry needs for cancellation.
type Process interface {
	Terminate(grace time.Duration) error
}

// entry holds one job and the runtime state bound to it.
type entry struct {
	mu    sync.Mutex
	job   domain.Job
	order uint64 // creation order, used for FIFO admission
	mux   *stream.Multiplexer
	proc  Process
	done  chan struct{}

	// Cancellation intent for a Running job, applied when the process exits.
	stopAs     domain.JobState
	stopReason string

	// Lifecycle events of a reserved job, held until Announce.
	pubMu  sync.Mutex
	hidden bool
	held   []domain.Event
}

// Registry is the authoritative store of jobs. Each job has its own lock;
// the map lock is held only for lookup, insertion and removal.
type Registry struct {
	config RegistryConfig
	bus    domain.EventBus
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	order   uint64

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	slotMu  sync.Mutex
	running map[string]bool // slot holders
	waiting []*entry        // Queued jobs awaiting a slot, by creation order
	starts  map[string]func()

	now func() time.Time
}

// NewRegistry creates a Registry. bus may be nil.
func NewRegistry(cfg RegistryConfig, bus domain.EventBus, logger *slog.Logger) *Registry {
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.MaxRunning < 0 {
		cfg.MaxRunning = 0
	}
	t := time.Now()
	return &Registry{
		config:  cfg,
		bus:     bus,
		logger:  logger,
		entries: make(map[string]*entry),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0),
		running: make(map[string]bool),
		starts:  make(map[string]func()),
		now:     time.Now,
	}
}

func (r *Registry) newID(t time.Time) string {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), r.entropy).String()
}

// Create registers a new Queued job with its own output multiplexer.
func (r *Registry) Create(kind domain.JobKind, argv []string, timeout time.Duration) domain.Job {
	return r.create(kind, argv, timeout, false)
}

// Reserve registers a new Queued job like Create, but its lifecycle events
// are held back until Announce. Evicting a reserved job that was never
// announced publishes nothing.
func (r *Registry) Reserve(kind domain.JobKind, argv []string, timeout time.Duration) domain.Job {
	return r.create(kind, argv, timeout, true)
}

func (r *Registry) create(kind domain.JobKind, argv []string, timeout time.Duration, hidden bool) domain.Job {
	now := r.now()
	e := &entry{
		job: domain.Job{
			ID:        r.newID(now),
			Kind:      kind,
			Argv:      slices.Clone(argv),
			State:     domain.JobQueued,
			CreatedAt: now,
			Timeout:   timeout,
		},
		mux:    stream.New(r.config.Stream),
		done:   make(chan struct{}),
		hidden: hidden,
	}

	r.mu.Lock()
	r.order++
	e.order = r.order
	r.entries[e.job.ID] = e
	r.mu.Unlock()

	r.publish(e, domain.EventJobQueued, e.job)
	return e.job
}

// Announce publishes the events a reserved job has accumulated, in order,
// and lets later ones through directly. A no-op for announced jobs.
func (r *Registry) Announce(id string) error {
	e, err := r.lookup("Registry.Announce", id)
	if err != nil {
		return err
	}
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	if !e.hidden {
		return nil
	}
	e.hidden = false
	for _, ev := range e.held {
		r.bus.Publish(context.Background(), ev)
	}
	e.held = nil
	return nil
}

func (r *Registry) lookup(op, id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewSubSystemError("jobs", op, domain.ErrNotFound, fmt.Sprintf("job %q", id))
	}
	return e, nil
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (domain.Job, error) {
	e, err := r.lookup("Registry.Get", id)
	if err != nil {
		return domain.Job{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

func (e *entry) snapshot() domain.Job {
	j := e.job
	j.Argv = slices.Clone(e.job.Argv)
	return j
}

// Output returns the job's multiplexer.
func (r *Registry) Output(id string) (*stream.Multiplexer, error) {
	e, err := r.lookup("Registry.Output", id)
	if err != nil {
		return nil, err
	}
	return e.mux, nil
}

// Transition moves the job to a new state. Illegal edges fail with
// ErrInvalidTransition and leave the job unchanged. Entering a terminal
// state closes the job's output, wakes waiters and frees its slot.
func (r *Registry) Transition(id string, to domain.JobState, exitCode *int, reason string) (domain.Job, error) {
	e, err := r.lookup("Registry.Transition", id)
	if err != nil {
		return domain.Job{}, err
	}
	e.mu.Lock()
	job, err := r.transitionLocked(e, to, exitCode, reason)
	e.mu.Unlock()
	if err != nil {
		return job, err
	}
	r.afterTransition(e, job)
	return job, nil
}

// transitionLocked applies a transition with e.mu held.
func (r *Registry) transitionLocked(e *entry, to domain.JobState, exitCode *int, reason string) (domain.Job, error) {
	from := e.job.State
	if !domain.CanTransition(from, to) {
		return e.snapshot(), domain.NewSubSystemError("jobs", "Registry.Transition", domain.ErrInvalidTransition,
			fmt.Sprintf("job %s: %s -> %s", e.job.ID, from, to))
	}
	now := r.now()
	e.job.State = to
	if to == domain.JobRunning {
		e.job.StartedAt = &now
	}
	if to.Terminal() {
		e.job.EndedAt = &now
		if exitCode != nil {
			code := *exitCode
			e.job.ExitCode = &code
		}
		if reason != "" {
			e.job.Reason = reason
		}
		e.proc = nil
	}
	return e.snapshot(), nil
}

// afterTransition runs the side effects of a successful transition without
// holding the entry lock.
func (r *Registry) afterTransition(e *entry, job domain.Job) {
	if !job.State.Terminal() {
		r.publish(e, domain.EventJobStarted, job)
		return
	}
	e.mux.Close(job.Outcome())
	r.publish(e, domain.EventJobFinished, job)
	r.release(job.ID)
	close(e.done)
}

// Start marks a Queued job Running and binds its process. It fails with
// ErrInvalidTransition when the job left Queued in the meantime, in which
// case the caller owns the process and must stop it.
func (r *Registry) Start(id string, p Process) (domain.Job, error) {
	e, err := r.lookup("Registry.Start", id)
	if err != nil {
		return domain.Job{}, err
	}
	e.mu.Lock()
	job, err := r.transitionLocked(e, domain.JobRunning, nil, "")
	if err == nil {
		e.proc = p
	}
	e.mu.Unlock()
	if err != nil {
		return job, err
	}
	r.afterTransition(e, job)
	return job, nil
}

// RecordOutput adds n bytes to the job's output counter.
func (r *Registry) RecordOutput(id string, n int) {
	e, err := r.lookup("Registry.RecordOutput", id)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.job.OutputBytes += int64(n)
	e.mu.Unlock()
}

// Stop requests that the job end in state as (Cancelled or TimedOut).
// A Queued job ends immediately. For a Running job the intent is recorded
// and its process returned for the caller to terminate; the first intent
// wins. A terminal job is returned unchanged with a nil process.
func (r *Registry) Stop(id string, as domain.JobState, reason string) (domain.Job, Process, error) {
	e, err := r.lookup("Registry.Stop", id)
	if err != nil {
		return domain.Job{}, nil, err
	}
	e.mu.Lock()
	switch e.job.State {
	case domain.JobQueued:
		job, err := r.transitionLocked(e, domain.JobCancelled, nil, reason)
		e.mu.Unlock()
		if err != nil {
			return job, nil, err
		}
		r.afterTransition(e, job)
		return job, nil, nil
	case domain.JobRunning:
		if e.stopAs == "" {
			e.stopAs = as
			e.stopReason = reason
		}
		job, proc := e.snapshot(), e.proc
		e.mu.Unlock()
		return job, proc, nil
	default:
		job := e.snapshot()
		e.mu.Unlock()
		return job, nil, nil
	}
}

// StopIntent reports the recorded cancellation intent, if any.
func (r *Registry) StopIntent(id string) (domain.JobState, string) {
	e, err := r.lookup("Registry.StopIntent", id)
	if err != nil {
		return "", ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopAs, e.stopReason
}

// Wait blocks until the job is terminal or ctx is done.
func (r *Registry) Wait(ctx context.Context, id string) (domain.Job, error) {
	e, err := r.lookup("Registry.Wait", id)
	if err != nil {
		return domain.Job{}, err
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return domain.Job{}, ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

// ListFilter narrows List. Zero fields match everything.
type ListFilter struct {
	Kind  domain.JobKind
	State domain.JobState
	Match func(domain.Job) bool
}

// List returns summaries of matching jobs in creation order.
func (r *Registry) List(f ListFilter) []domain.JobSummary {
	r.mu.RLock()
	all := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	r.mu.RUnlock()

	slices.SortFunc(all, func(a, b *entry) int { return compareOrder(a.order, b.order) })

	out := make([]domain.JobSummary, 0, len(all))
	for _, e := range all {
		e.mu.Lock()
		job := e.snapshot()
		e.mu.Unlock()
		if f.Kind != "" && job.Kind != f.Kind {
			continue
		}
		if f.State != "" && job.State != f.State {
			continue
		}
		if f.Match != nil && !f.Match(job) {
			continue
		}
		out = append(out, job.Summary())
	}
	return out
}

func compareOrder(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Evict removes a terminal job.
func (r *Registry) Evict(id string) error {
	e, err := r.lookup("Registry.Evict", id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	job := e.snapshot()
	e.mu.Unlock()
	if !job.State.Terminal() {
		return domain.NewSubSystemError("jobs", "Registry.Evict", domain.ErrInvalidTransition,
			fmt.Sprintf("job %s is %s", id, job.State))
	}
	r.remove(e, job)
	return nil
}

func (r *Registry) remove(e *entry, job domain.Job) {
	r.mu.Lock()
	delete(r.entries, job.ID)
	r.mu.Unlock()

	r.slotMu.Lock()
	r.unqueueLocked(job.ID)
	r.slotMu.Unlock()

	r.publish(e, domain.EventJobEvicted, job)
	e.pubMu.Lock()
	e.held = nil
	e.pubMu.Unlock()
}

// Counts returns the number of jobs per state.
func (r *Registry) Counts() map[domain.JobState]int {
	r.mu.RLock()
	all := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	r.mu.RUnlock()

	counts := make(map[domain.JobState]int)
	for _, e := range all {
		e.mu.Lock()
		counts[e.job.State]++
		e.mu.Unlock()
	}
	return counts
}

// Sweep evicts terminal jobs that ended more than Retention before now and
// returns how many were removed.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.config.Retention)

	r.mu.RLock()
	all := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	r.mu.RUnlock()

	n := 0
	for _, e := range all {
		e.mu.Lock()
		job := e.snapshot()
		e.mu.Unlock()
		if job.State.Terminal() && job.EndedAt != nil && job.EndedAt.Before(cutoff) {
			r.remove(e, job)
			n++
		}
	}
	return n
}

// Run sweeps expired jobs every SweepInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 {
				r.logger.Debug("evicted expired jobs", "count", n)
			}
		}
	}
}

// Admit grants id a running slot or queues it. It reports whether the slot
// was granted; if so the caller starts the job itself. Otherwise start is
// called on its own goroutine once a slot frees up, unless the job has left
// Queued by then.
func (r *Registry) Admit(id string, start func()) (bool, error) {
	e, err := r.lookup("Registry.Admit", id)
	if err != nil {
		return false, err
	}

	r.slotMu.Lock()
	defer r.slotMu.Unlock()

	// Checked under slotMu so a concurrent terminal transition either sees
	// the slot and releases it, or happens first and is caught here.
	e.mu.Lock()
	state := e.job.State
	e.mu.Unlock()
	if state != domain.JobQueued {
		return false, domain.NewSubSystemError("jobs", "Registry.Admit", domain.ErrInvalidTransition,
			fmt.Sprintf("job %s is %s", id, state))
	}

	if r.config.MaxRunning == 0 || len(r.running) < r.config.MaxRunning {
		r.running[id] = true
		return true, nil
	}
	i, _ := slices.BinarySearchFunc(r.waiting, e.order, func(w *entry, order uint64) int {
		return compareOrder(w.order, order)
	})
	r.waiting = slices.Insert(r.waiting, i, e)
	r.starts[id] = start
	r.logger.Debug("job queued for slot", "job_id", id, "waiting", len(r.waiting))
	return false, nil
}

// release frees id's slot, if it holds one, and hands it to the oldest job
// still Queued. A job that never got a slot leaves the waiting line.
func (r *Registry) release(id string) {
	r.slotMu.Lock()
	if !r.running[id] {
		r.unqueueLocked(id)
		r.slotMu.Unlock()
		return
	}
	delete(r.running, id)

	var next func()
	for len(r.waiting) > 0 && next == nil {
		e := r.waiting[0]
		r.waiting = r.waiting[1:]
		start := r.starts[e.job.ID]
		delete(r.starts, e.job.ID)

		e.mu.Lock()
		queued := e.job.State == domain.JobQueued
		e.mu.Unlock()
		if !queued || start == nil {
			continue
		}
		r.running[e.job.ID] = true
		next = start
	}
	r.slotMu.Unlock()

	if next != nil {
		go next()
	}
}

// unqueueLocked drops id from the waiting line. slotMu must be held.
func (r *Registry) unqueueLocked(id string) {
	if _, ok := r.starts[id]; !ok {
		return
	}
	delete(r.starts, id)
	r.waiting = slices.DeleteFunc(r.waiting, func(w *entry) bool { return w.job.ID == id })
}

// Slots returns the number of held slots and queued jobs.
func (r *Registry) Slots() (running, waiting int) {
	r.slotMu.Lock()
	defer r.slotMu.Unlock()
	return len(r.running), len(r.waiting)
}

func (r *Registry) publish(e *entry, typ domain.EventType, job domain.Job) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(job)
	if err != nil {
		r.logger.Error("marshal job event", "job_id", job.ID, "error", err)
		return
	}
	ev := domain.Event{
		Type:      typ,
		Timestamp: r.now(),
		JobID:     job.ID,
		Payload:   payload,
	}

	// Held under pubMu so an entry's events reach the bus in order.
	e.pubMu.Lock()
	defer e.pubMu.Unlock()
	if e.hidden {
		e.held = append(e.held, ev)
		return
	}
	r.bus.Publish(context.Background(), ev)
}

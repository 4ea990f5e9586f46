// Package stream fans one job's output out to any number of subscribers.
package stream

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"ansible-mcp/internal/domain"
)

// Config bounds a Multiplexer's memory.
type Config struct {
	BacklogChunks   int // chunks retained for late subscribers (default: 1024)
	BacklogBytes    int // bytes retained for late subscribers (default: 4MB)
	SubscriberQueue int // per-subscriber queue length (default: 256)
}

func (c Config) withDefaults() Config {
	if c.BacklogChunks <= 0 {
		c.BacklogChunks = 1024
	}
	if c.BacklogBytes <= 0 {
		c.BacklogBytes = 4 << 20
	}
	if c.SubscriberQueue <= 0 {
		c.SubscriberQueue = 256
	}
	return c
}

// EventKind distinguishes what a subscriber receives.
type EventKind int

const (
	EventChunk EventKind = iota
	EventOverflow
	EventDone
)

// Event is one delivery to a subscriber.
type Event struct {
	Kind    EventKind
	Chunk   domain.OutputChunk // EventChunk
	Dropped int64              // EventOverflow: chunks lost since the last delivery
	Outcome domain.JobOutcome  // EventDone
}

// Multiplexer delivers one producer's chunks to every attached subscriber.
// Publish never blocks: a full subscriber queue loses its oldest entry.
type Multiplexer struct {
	cfg Config

	mu      sync.Mutex
	backlog *backlog
	subs    map[string]*Subscriber
	seq     uint64
	total   int64
	closed  bool
	outcome domain.JobOutcome

	overflows atomic.Int64
	onDrop    func(sub string, dropped int64)
}

// New creates a Multiplexer.
func New(cfg Config) *Multiplexer {
	cfg = cfg.withDefaults()
	return &Multiplexer{
		cfg:     cfg,
		backlog: newBacklog(cfg.BacklogChunks, cfg.BacklogBytes),
		subs:    make(map[string]*Subscriber),
	}
}

// OnDrop registers a callback invoked (under no lock) the first time a
// subscriber starts losing chunks in an overflow run.
func (m *Multiplexer) OnDrop(fn func(sub string, dropped int64)) {
	m.mu.Lock()
	m.onDrop = fn
	m.mu.Unlock()
}

// Publish stamps c with the next sequence number and delivers it.
// Publishing after Close is ignored.
func (m *Multiplexer) Publish(c domain.OutputChunk) domain.OutputChunk {
	var notify []*Subscriber

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return c
	}
	m.seq++
	c.Seq = m.seq
	m.total += int64(len(c.Data))
	m.backlog.push(c)
	for _, s := range m.subs {
		if s.offer(Event{Kind: EventChunk, Chunk: c}) {
			notify = append(notify, s)
		}
	}
	onDrop := m.onDrop
	m.mu.Unlock()

	for _, s := range notify {
		m.overflows.Add(1)
		if onDrop != nil {
			onDrop(s.id, s.pendingLoss())
		}
	}
	return c
}

// Attach registers a subscriber. Buffered chunks with Seq > afterSeq are
// queued first, followed by live chunks, so the subscriber sees a gap-free
// suffix of the output. Attaching after Close yields the backlog and Done.
func (m *Multiplexer) Attach(afterSeq uint64) *Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()

	replay := m.backlog.after(afterSeq)
	size := max(m.cfg.SubscriberQueue, len(replay)+1)
	s := &Subscriber{
		id:    uuid.NewString(),
		queue: make(chan Event, size),
		mux:   m,
	}
	for _, c := range replay {
		s.queue <- Event{Kind: EventChunk, Chunk: c}
	}
	if m.closed {
		s.queue <- Event{Kind: EventDone, Outcome: m.outcome}
		close(s.queue)
		return s
	}
	m.subs[s.id] = s
	return s
}

// Detach unregisters s and returns the number of subscribers still attached.
func (m *Multiplexer) Detach(s *Subscriber) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, s.id)
	return len(m.subs)
}

// Close delivers the terminal marker to every subscriber and closes their
// queues. Subsequent calls are no-ops.
func (m *Multiplexer) Close(outcome domain.JobOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.outcome = outcome
	for id, s := range m.subs {
		s.offer(Event{Kind: EventDone, Outcome: outcome})
		close(s.queue)
		delete(m.subs, id)
	}
}

// Stats is a point-in-time view of a Multiplexer.
type Stats struct {
	Published     uint64 `json:"published"`
	Bytes         int64  `json:"bytes"`
	BacklogChunks int    `json:"backlog_chunks"`
	BacklogBytes  int    `json:"backlog_bytes"`
	Subscribers   int    `json:"subscribers"`
	Overflows     int64  `json:"overflows"`
	Closed        bool   `json:"closed"`
}

// Stats returns counters reported on the job detail endpoint.
func (m *Multiplexer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Published:     m.seq,
		Bytes:         m.total,
		BacklogChunks: m.backlog.len(),
		BacklogBytes:  m.backlog.bytes(),
		Subscribers:   len(m.subs),
		Overflows:     m.overflows.Load(),
		Closed:        m.closed,
	}
}

// Subscriber receives one copy of a Multiplexer's events.
type Subscriber struct {
	id    string
	queue chan Event
	mux   *Multiplexer

	lossMu   sync.Mutex
	lost     int64  // chunks evicted and not yet reported
	lostFrom uint64 // Seq of the oldest unreported lost chunk

	// Owned by the reading goroutine.
	held     *Event // received, delivered after its overflow notice
	finished bool   // Done already returned
}

// ID returns the subscriber's unique id.
func (s *Subscriber) ID() string { return s.id }

// offer enqueues ev without blocking, evicting the oldest queued event when
// full. Called with the Multiplexer lock held, which makes it the only
// sender. It reports whether this offer started a new overflow run.
func (s *Subscriber) offer(ev Event) bool {
	select {
	case s.queue <- ev:
		return false
	default:
	}

	started := false
	select {
	case old := <-s.queue:
		if old.Kind == EventChunk {
			started = s.lose(old.Chunk.Seq)
		}
	default:
		// The reader drained the queue concurrently.
	}
	// Room is guaranteed: the Multiplexer lock makes this the only sender.
	s.queue <- ev
	return started
}

func (s *Subscriber) lose(seq uint64) bool {
	s.lossMu.Lock()
	defer s.lossMu.Unlock()
	s.lost++
	if s.lost == 1 {
		s.lostFrom = seq
		return true
	}
	return false
}

func (s *Subscriber) pendingLoss() int64 {
	s.lossMu.Lock()
	defer s.lossMu.Unlock()
	return s.lost
}

// lostBefore takes the count of unreported lost chunks older than ev.
// Eviction is FIFO and sequences are contiguous in the queue, so those
// chunks are exactly the run lostFrom..ev.Seq-1; anything lost after ev
// was received is newer and stays pending.
func (s *Subscriber) lostBefore(ev Event) int64 {
	s.lossMu.Lock()
	defer s.lossMu.Unlock()
	if s.lost == 0 {
		return 0
	}
	if ev.Kind != EventChunk {
		n := s.lost
		s.lost = 0
		return n
	}
	if s.lostFrom >= ev.Chunk.Seq {
		return 0
	}
	n := min(s.lost, int64(ev.Chunk.Seq-s.lostFrom))
	s.lost -= n
	s.lostFrom = ev.Chunk.Seq + 1
	return n
}

// Next returns the next event. An overflow notice precedes the first chunk
// after a run of lost chunks. After Done has been returned, Next returns
// io.EOF.
func (s *Subscriber) Next(ctx context.Context) (Event, error) {
	if s.finished {
		return Event{}, io.EOF
	}
	if s.held != nil {
		ev := *s.held
		s.held = nil
		return s.deliver(ev), nil
	}
	select {
	case ev, ok := <-s.queue:
		if !ok {
			s.finished = true
			return Event{}, io.EOF
		}
		if n := s.lostBefore(ev); n > 0 {
			s.held = &ev
			return Event{Kind: EventOverflow, Dropped: n}, nil
		}
		return s.deliver(ev), nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (s *Subscriber) deliver(ev Event) Event {
	if ev.Kind == EventDone {
		s.finished = true
	}
	return ev
}

// Detach is shorthand for detaching from the owning Multiplexer.
func (s *Subscriber) Detach() int { return s.mux.Detach(s) }

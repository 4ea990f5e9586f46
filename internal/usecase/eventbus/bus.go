// Package eventbus is an in-process publish/subscribe bus for job lifecycle
// events.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"ansible-mcp/internal/domain"
)

// DefaultQueueSize is the per-subscription buffer used by New.
const DefaultQueueSize = 256

// subscription delivers events to one handler, in publish order, from its
// own goroutine.
type subscription struct {
	id      uint64
	match   domain.EventType // empty matches every event
	handler domain.EventHandler
	queue   chan delivery
	closed  bool // guarded by Bus.mu
}

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// Bus is an in-process, goroutine-safe event bus. Each subscriber sees
// events in the order they were published; a subscriber that falls more
// than its queue size behind loses events rather than slowing publishers.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscription
	nextID    atomic.Uint64
	queueSize int
	dropped   atomic.Int64
	logger    *slog.Logger
	wg        sync.WaitGroup
	closed    atomic.Bool
}

// New creates an event bus with DefaultQueueSize.
func New(logger *slog.Logger) *Bus {
	return NewWithQueue(DefaultQueueSize, logger)
}

// NewWithQueue creates an event bus with the given per-subscription buffer.
func NewWithQueue(size int, logger *slog.Logger) *Bus {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[uint64]*subscription),
		queueSize: size,
		logger:    logger,
	}
}

// Publish queues event for every matching subscriber without blocking.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	// Handlers run after the publisher may have returned.
	ctx = context.WithoutCancel(ctx)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.closed || (sub.match != "" && sub.match != event.Type) {
			continue
		}
		select {
		case sub.queue <- delivery{ctx: ctx, event: event}:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped for slow subscriber",
				"event", string(event.Type),
				"subscriber", sub.id,
			)
		}
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add("", handler)
}

func (b *Bus) add(match domain.EventType, handler domain.EventHandler) func() {
	sub := &subscription{
		id:      b.nextID.Add(1),
		match:   match,
		handler: handler,
		queue:   make(chan delivery, b.queueSize),
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[sub.id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go b.deliver(sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.closeLocked(sub)
		delete(b.subs, sub.id)
	}
}

func (b *Bus) closeLocked(sub *subscription) {
	if !sub.closed {
		sub.closed = true
		close(sub.queue)
	}
}

func (b *Bus) deliver(sub *subscription) {
	defer b.wg.Done()
	for d := range sub.queue {
		b.invoke(sub, d)
	}
}

func (b *Bus) invoke(sub *subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

// Dropped returns the number of events lost to full subscriber queues.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close prevents new publishes and waits for queued events to be handled.
// Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	for _, sub := range b.subs {
		b.closeLocked(sub)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

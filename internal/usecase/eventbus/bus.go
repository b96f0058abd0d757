// Package eventbus delivers workflow pass and step events to in-process
// subscribers.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"agentflow/internal/domain"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 256

type envelope struct {
	ctx   context.Context
	event domain.Event
}

// subscription owns one delivery goroutine, so a subscriber sees events in
// publish order.
type subscription struct {
	id      uint64
	match   func(domain.Event) bool
	handler domain.EventHandler
	queue   chan envelope
}

// Bus is an in-process, goroutine-safe event bus. Publish never blocks: an
// event that does not fit a subscriber's queue is dropped for that
// subscriber and counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  atomic.Uint64
	dropped atomic.Uint64
	buffer  int
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer sets the per-subscriber queue length.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[uint64]*subscription),
		buffer: DefaultBuffer,
		logger: logger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish queues event for every matching subscriber. Handlers run with a
// context detached from ctx's cancellation.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	env := envelope{ctx: context.WithoutCancel(ctx), event: event}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.match(event) {
			continue
		}
		select {
		case sub.queue <- env:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped, subscriber queue full",
				"event", string(event.Type),
				"workflow", event.Workflow,
			)
		}
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(func(e domain.Event) bool { return e.Type == eventType }, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(func(domain.Event) bool { return true }, handler)
}

// SubscribeWorkflow registers a handler for every event of one workflow.
func (b *Bus) SubscribeWorkflow(workflow string, handler domain.EventHandler) func() {
	return b.add(func(e domain.Event) bool { return e.Workflow == workflow }, handler)
}

// Dropped reports how many deliveries were discarded on full queues.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) add(match func(domain.Event) bool, handler domain.EventHandler) func() {
	sub := &subscription{
		id:      b.nextID.Add(1),
		match:   match,
		handler: handler,
		queue:   make(chan envelope, b.buffer),
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

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.queue)
	}
}

func (b *Bus) deliver(sub *subscription) {
	defer b.wg.Done()
	for env := range sub.queue {
		b.invoke(sub, env)
	}
}

func (b *Bus) invoke(sub *subscription, env envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(env.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(env.ctx, env.event)
}

// Close prevents new publishes, lets every subscriber drain its queue and
// waits for the handlers to finish. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.queue)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)

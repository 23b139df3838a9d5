package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"chainharness/internal/domain"
)

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// subscriber owns a queue drained by one goroutine, so a handler sees
// events in publish order and never runs concurrently with itself.
type subscriber struct {
	id       uint64
	typ      domain.EventType // "" receives every event
	handler  domain.EventHandler
	mu       sync.Mutex
	queue    []delivery
	wake     chan struct{}
	stopping bool // finish what is queued, then exit
	dropped  bool // exit without draining
	done     chan struct{}
}

// Bus is an in-process, goroutine-safe event bus with ordered delivery per
// subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID atomic.Uint64
	logger *slog.Logger
	closed atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[uint64]*subscriber),
		logger: logger,
	}
}

// Publish queues event for every matching subscriber and returns without
// waiting for handlers.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.typ == "" || s.typ == event.Type {
			s.enqueue(delivery{ctx: ctx, event: event})
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

func (b *Bus) add(typ domain.EventType, handler domain.EventHandler) func() {
	s := &subscriber{
		id:      b.nextID.Add(1),
		typ:     typ,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()
	go b.run(s)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s.id)
			b.mu.Unlock()
			s.stop(true)
		})
	}
}

// Close stops accepting events and waits until every subscriber has
// handled what was already queued. It is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.stop(false)
	}
	for _, s := range subs {
		<-s.done
	}
}

func (b *Bus) run(s *subscriber) {
	defer close(s.done)
	for {
		s.mu.Lock()
		if s.dropped || (s.stopping && len(s.queue) == 0) {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			<-s.wake
			continue
		}
		d := s.queue[0]
		s.queue[0] = delivery{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		b.call(s, d)
	}
}

func (b *Bus) call(s *subscriber, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	s.handler(d.ctx, d.event)
}

func (s *subscriber) enqueue(d delivery) {
	s.mu.Lock()
	if s.stopping || s.dropped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) stop(drop bool) {
	s.mu.Lock()
	s.stopping = true
	if drop {
		s.dropped = true
		s.queue = nil
	}
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

var _ domain.EventBus = (*Bus)(nil)

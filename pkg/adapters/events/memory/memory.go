package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/aescanero/constellation/pkg/ports"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event bus closed")

// DefaultMaxQueue bounds the number of undelivered events per subscriber.
const DefaultMaxQueue = 4096

// Option configures a Bus.
type Option func(*Bus)

// WithMaxQueue sets the per-subscriber queue bound. Events published to a
// full mailbox are dropped and counted.
func WithMaxQueue(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxQueue = n
		}
	}
}

// WithMetrics records dropped events.
func WithMetrics(m ports.MetricsCollector) Option {
	return func(b *Bus) { b.metrics = m }
}

// Bus is the in-process event bus. Every subscriber owns a mailbox drained
// by its own goroutine, so a slow, failing or panicking observer never
// blocks the publisher or other subscribers. Per subscriber, events are
// delivered in publish order.
type Bus struct {
	logger   *zap.Logger
	metrics  ports.MetricsCollector
	maxQueue int

	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

type delivery struct {
	ctx   context.Context
	event ports.Event
}

type subscription struct {
	id       uint64
	observer ports.Observer
	types    map[ports.EventType]struct{}

	mu     sync.Mutex
	queue  []delivery
	signal chan struct{}
	stop   chan struct{}
	once   sync.Once
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger, opts ...Option) *Bus {
	b := &Bus{
		logger:   logger,
		metrics:  ports.NopMetrics{},
		maxQueue: DefaultMaxQueue,
		subs:     make(map[uint64]*subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers o for the given event types, or all types when none
// are given. Delivery is best effort: once o's mailbox holds the configured
// maximum (WithMaxQueue), newer events for o are dropped, logged and counted
// as dropped events until it catches up.
func (b *Bus) Subscribe(o ports.Observer, types ...ports.EventType) func() {
	sub := &subscription{
		observer: o,
		signal:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	if len(types) > 0 {
		sub.types = make(map[ports.EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(sub)

	return func() {
		b.mu.Lock()
		delete(b.subs, sub.id)
		b.mu.Unlock()
		sub.close()
	}
}

// Publish queues event for every matching subscriber and returns without
// waiting for delivery. Observers see a context detached from ctx's
// cancellation.
func (b *Bus) Publish(ctx context.Context, event ports.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	d := delivery{ctx: context.WithoutCancel(ctx), event: event}
	for _, sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		if !sub.enqueue(d, b.maxQueue) {
			b.metrics.RecordEventDropped(string(event.Type))
			b.logger.Warn("subscriber mailbox full, event dropped",
				zap.Uint64("subscriber", sub.id),
				zap.String("event_id", event.ID),
				zap.String("type", string(event.Type)))
		}
	}
	return nil
}

// Close stops accepting events, delivers everything already queued and
// waits for all subscriber goroutines to exit.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[uint64]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.wg.Wait()
	return nil
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.signal:
			b.drain(sub)
		case <-sub.stop:
			b.drain(sub)
			return
		}
	}
}

func (b *Bus) drain(sub *subscription) {
	for {
		sub.mu.Lock()
		if len(sub.queue) == 0 {
			sub.mu.Unlock()
			return
		}
		d := sub.queue[0]
		sub.queue[0] = delivery{}
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		if err := b.deliver(sub, d); err != nil {
			b.logger.Error("observer failed",
				zap.Uint64("subscriber", sub.id),
				zap.String("event_id", d.event.ID),
				zap.String("type", string(d.event.Type)),
				zap.String("constellation_id", d.event.ConstellationID),
				zap.Error(err))
		}
	}
}

func (b *Bus) deliver(sub *subscription, d delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return sub.observer.OnEvent(d.ctx, d.event)
}

func (s *subscription) wants(t ports.EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

func (s *subscription) enqueue(d delivery, max int) bool {
	s.mu.Lock()
	if len(s.queue) >= max {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, d)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.stop) })
}

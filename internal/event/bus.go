package event

import (
	"context"
	"sync"
	"time"

	"conduit/internal/logging"
	"conduit/internal/metrics"
)

const defaultSubscriberBufferSize = 128

// BusOptions configures a Bus.
//
// Publish waits for each subscriber in turn, so every subscriber sees every
// event in publish order. A subscriber that does not accept an event within
// WriteTimeout is removed and its channel closed. A zero WriteTimeout waits
// until the subscriber reads or cancels.
type BusOptions struct {
	Name                 string
	SubscriberBufferSize int
	WriteTimeout         time.Duration
	Registry             *metrics.Registry
	Logger               *logging.Logger
}

// Bus fans events out to subscribers. Subscriber channels are closed only
// while publishMu is held, so a close never races a send.
type Bus[T any] struct {
	publishMu sync.Mutex

	mu          sync.Mutex
	subscribers map[uint64]*subscription[T]
	cancelled   []*subscription[T]
	nextSubID   uint64
	closed      bool

	closeOnce sync.Once
	done      chan struct{}
	options   BusOptions
	registry  *metrics.Registry
	logger    *logging.Logger
}

type subscription[T any] struct {
	id       uint64
	ch       chan T
	done     chan struct{}
	doneOnce sync.Once
}

func (s *subscription[T]) stop() {
	s.doneOnce.Do(func() { close(s.done) })
}

func NewBus[T any](ctx context.Context, opts BusOptions) *Bus[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = defaultSubscriberBufferSize
	}
	bus := &Bus[T]{
		subscribers: make(map[uint64]*subscription[T]),
		done:        make(chan struct{}),
		options:     opts,
		registry:    opts.Registry,
		logger:      opts.Logger,
	}
	if bus.registry == nil {
		bus.registry = metrics.Default
	}
	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				bus.Close()
			case <-bus.done:
			}
		}()
	}
	return bus
}

// Subscribe returns a receiver for events published from now on and a
// cancel func. After cancel the receiver gets no further events; its
// channel is closed by the next Publish or by Close.
func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	if b == nil {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	sub := &subscription[T]{
		ch:   make(chan T, b.options.SubscriberBufferSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.nextSubID++
	sub.id = b.nextSubID
	b.subscribers[sub.id] = sub
	count := len(b.subscribers)
	b.mu.Unlock()

	b.registry.SetEventSubscribers(b.busName(), count)
	return sub.ch, func() { b.cancel(sub) }
}

func (b *Bus[T]) Publish(event T) {
	if b == nil {
		return
	}
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	cancelled := b.cancelled
	b.cancelled = nil
	subscribers := make([]*subscription[T], 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subscribers = append(subscribers, sub)
	}
	b.mu.Unlock()

	for _, sub := range cancelled {
		close(sub.ch)
	}

	eventType := b.eventType(event)
	b.registry.IncEventPublished(b.busName(), eventType)
	for _, sub := range subscribers {
		b.send(sub, event, eventType)
	}
}

// Close closes every subscriber channel. Later publishes are ignored and
// later subscriptions receive an already closed channel.
func (b *Bus[T]) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subscribers := b.subscribers
		cancelled := b.cancelled
		b.subscribers = make(map[uint64]*subscription[T])
		b.cancelled = nil
		b.mu.Unlock()

		// Unblocks an in-flight Publish before waiting for it.
		close(b.done)

		b.publishMu.Lock()
		for _, sub := range subscribers {
			sub.stop()
			close(sub.ch)
		}
		for _, sub := range cancelled {
			close(sub.ch)
		}
		b.publishMu.Unlock()
		b.registry.SetEventSubscribers(b.busName(), 0)
	})
}

// Done is closed once the bus is closed.
func (b *Bus[T]) Done() <-chan struct{} {
	return b.done
}

func (b *Bus[T]) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Bus[T]) send(sub *subscription[T], event T, eventType string) {
	var timeout <-chan time.Time
	if b.options.WriteTimeout > 0 {
		timer := time.NewTimer(b.options.WriteTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	start := time.Now()
	select {
	case sub.ch <- event:
	case <-sub.done:
	case <-b.done:
	case <-timeout:
		b.registry.IncEventDropped(b.busName(), eventType)
		if b.detach(sub, false) {
			close(sub.ch)
		}
		b.logger.Warn("event bus subscriber removed", map[string]string{
			"bus":     b.busName(),
			"blocked": time.Since(start).String(),
		})
	}
}

// cancel detaches sub and queues its channel for closing by the publisher.
func (b *Bus[T]) cancel(sub *subscription[T]) {
	b.detach(sub, true)
}

// detach removes sub from the subscriber set and wakes a send blocked on
// it. It reports whether sub was still attached; with queue set, an
// attached sub's channel is left for the next Publish or Close to close.
func (b *Bus[T]) detach(sub *subscription[T], queue bool) bool {
	b.mu.Lock()
	_, ok := b.subscribers[sub.id]
	if ok {
		delete(b.subscribers, sub.id)
		if queue {
			b.cancelled = append(b.cancelled, sub)
		}
	}
	count := len(b.subscribers)
	b.mu.Unlock()

	sub.stop()
	if ok {
		b.registry.SetEventSubscribers(b.busName(), count)
	}
	return ok
}

func (b *Bus[T]) busName() string {
	if b.options.Name == "" {
		return "event_bus"
	}
	return b.options.Name
}

func (b *Bus[T]) eventType(event T) string {
	typed, ok := any(event).(Event)
	if !ok {
		return "unknown"
	}
	value := typed.Type()
	if value == "" {
		return "unknown"
	}
	return value
}

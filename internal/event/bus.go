// Package event is an in-process topic bus delivering progress events to
// any number of listeners.
//
// Publish never blocks and never fails. Each subscription owns a buffered
// channel; when a listener falls behind and its buffer is full the event is
// dropped for that listener only and counted in Bus.Dropped. A slow or gone
// listener therefore can't stall a running task. Terminal events are never
// dropped: they replace the oldest buffered event instead.
package event

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/telesearch/telesearch/internal/model"
)

// AllTopics subscribes to every topic.
const AllTopics = "*"

// Event is a published progress record together with its topic.
type Event struct {
	Topic   string         `json:"topic"`
	Payload model.Progress `json:"payload"`
}

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer sets the per subscription channel capacity.
func WithBuffer(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.buffer = size
		}
	}
}

// WithLogger sets the logger used to report dropped events.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

type Bus struct {
	mx      sync.RWMutex
	subs    map[string]*Subscription
	closed  bool
	buffer  int
	dropped atomic.Uint64
	logger  *slog.Logger
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string]*Subscription),
		buffer: 256,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription receives events of one topic, or all of them for AllTopics.
type Subscription struct {
	id    string
	topic string
	ch    chan Event
	bus   *Bus
	once  sync.Once
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) Topic() string {
	return s.topic
}

// C returns the delivery channel. It is closed by Unsubscribe or Bus.Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Unsubscribe stops delivery and closes the channel. Safe to call twice.
func (s *Subscription) Unsubscribe() {
	s.bus.mx.Lock()
	defer s.bus.mx.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.bus.subs, s.id)
		close(s.ch)
	})
}

// Subscribe registers a listener for topic. Subscribing to a closed bus
// returns a subscription whose channel is already closed.
func (b *Bus) Subscribe(topic string) *Subscription {
	s := &Subscription{
		id:    uuid.NewString(),
		topic: topic,
		ch:    make(chan Event, b.buffer),
		bus:   b,
	}

	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s.id] = s
	return s
}

// Publish delivers p to every matching subscription without blocking.
func (b *Bus) Publish(topic string, p model.Progress) {
	b.mx.RLock()
	defer b.mx.RUnlock()
	if b.closed {
		return
	}

	ev := Event{Topic: topic, Payload: p}
	for _, s := range b.subs {
		if s.topic != AllTopics && s.topic != topic {
			continue
		}
		if p.Status.Terminal() {
			b.deliverTerminal(s, ev)
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.drop(s, ev)
		}
	}
}

// deliverTerminal makes room for ev by discarding the oldest buffered events.
func (b *Bus) deliverTerminal(s *Subscription, ev Event) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case old := <-s.ch:
			b.drop(s, old)
		default:
		}
	}
}

func (b *Bus) drop(s *Subscription, ev Event) {
	b.dropped.Add(1)
	b.logger.Debug("event dropped: subscriber buffer full",
		"topic", ev.Topic,
		"subscription", s.id,
		"status", ev.Payload.Status)
}

// Dropped returns how many deliveries were skipped because of full buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close unsubscribes everyone. Publishing afterwards is a no-op.
func (b *Bus) Close() {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		s.closeLocked()
	}
}

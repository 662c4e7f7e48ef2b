// Package eventbus fans execution events out to transient subscribers.
//
// Publishing is non-blocking: the orchestrator never stalls on a slow or
// absent subscriber. Each subscriber holds a bounded queue; when it
// overflows the oldest progress event is dropped. Status and log events
// are audit-critical and are never dropped, so a queue may temporarily
// exceed its bound to hold them.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jfourny/etlrun/internal/domain"
)

// MetricsSink records bus activity. Implementations must not block.
type MetricsSink interface {
	EventPublished(kind string)
	ProgressEventDropped()
	SubscribersUpdate(count int)
}

const DefaultSubscriberBuffer = 64

type Bus struct {
	mu     sync.Mutex
	buffer int
	seqs   map[uuid.UUID]uint64
	subs   map[uuid.UUID][]*subscriber
	nsubs  int

	metrics MetricsSink // optional, nil = disabled
}

type Option func(*Bus)

// WithSubscriberBuffer sets the per-subscriber queue bound.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithMetrics attaches a metrics sink to the bus.
func WithMetrics(m MetricsSink) Option {
	return func(b *Bus) { b.metrics = m }
}

func New(opts ...Option) *Bus {
	b := &Bus{
		buffer: DefaultSubscriberBuffer,
		seqs:   make(map[uuid.UUID]uint64),
		subs:   make(map[uuid.UUID][]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish assigns the event's per-execution sequence number and queues it
// for every subscriber of that execution. Events for one execution are
// observed in publish order. Never blocks.
func (b *Bus) Publish(event domain.Event) {
	b.mu.Lock()

	b.seqs[event.ExecutionID]++
	event.Seq = b.seqs[event.ExecutionID]
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	terminal := event.Kind == domain.EventKindStatus && event.Status.IsTerminal()
	if terminal {
		// No events follow a terminal status; the counter can go.
		delete(b.seqs, event.ExecutionID)
	}

	dropped := 0
	for _, s := range b.subs[event.ExecutionID] {
		s.events = append(s.events, event)
		if len(s.events) > b.buffer {
			if i := firstProgress(s.events); i >= 0 {
				s.events = append(s.events[:i], s.events[i+1:]...)
				dropped++
			}
		}
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.EventPublished(string(event.Kind))
		for i := 0; i < dropped; i++ {
			b.metrics.ProgressEventDropped()
		}
	}
}

// Subscribe returns a stream of events for one execution. The stream is
// closed after a terminal status event is delivered or when the
// subscription is closed.
func (b *Bus) Subscribe(execID uuid.UUID) *Subscription {
	s := &subscriber{
		execID: execID,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		out:    make(chan domain.Event),
	}

	b.mu.Lock()
	b.subs[execID] = append(b.subs[execID], s)
	b.nsubs++
	n := b.nsubs
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SubscribersUpdate(n)
	}

	go b.pump(s)

	return &Subscription{C: s.out, bus: b, sub: s}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nsubs
}

type subscriber struct {
	execID uuid.UUID
	events []domain.Event
	wake   chan struct{}
	quit   chan struct{}
	out    chan domain.Event
}

type Subscription struct {
	// C delivers events in sequence order. Closed on terminal status or
	// Close.
	C <-chan domain.Event

	bus  *Bus
	sub  *subscriber
	once sync.Once
}

// Close detaches the subscriber. Safe to call multiple times and after
// the stream has already ended.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.bus.remove(sub.sub)
		close(sub.sub.quit)
	})
}

// pump delivers queued events to the subscriber channel. Runs until a
// terminal status event is delivered or the subscription is closed. The
// pump is the only closer of out.
func (b *Bus) pump(s *subscriber) {
	defer close(s.out)
	for {
		b.mu.Lock()
		pending := s.events
		s.events = nil
		b.mu.Unlock()

		for _, ev := range pending {
			select {
			case s.out <- ev:
			case <-s.quit:
				return
			}
			if ev.Kind == domain.EventKindStatus && ev.Status.IsTerminal() {
				b.remove(s)
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.quit:
			return
		}
	}
}

func (b *Bus) remove(target *subscriber) {
	b.mu.Lock()
	subs := b.subs[target.execID]
	for i, s := range subs {
		if s == target {
			subs = append(subs[:i], subs[i+1:]...)
			b.nsubs--
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, target.execID)
	} else {
		b.subs[target.execID] = subs
	}
	n := b.nsubs
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SubscribersUpdate(n)
	}
}

func firstProgress(events []domain.Event) int {
	for i, ev := range events {
		if ev.Kind == domain.EventKindProgress {
			return i
		}
	}
	return -1
}

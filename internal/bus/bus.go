// Package bus implements the kernel's in-memory typed pub/sub. Topics are
// hierarchical dotted strings; subscribers match by prefix on segment
// boundaries. Every subscription owns a bounded queue with drop-oldest
// overflow so publishers never block on slow consumers.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/aether/pkg/models"
)

// DefaultBufferSize is the per-subscription queue bound.
const DefaultBufferSize = 256

// Event is one published kernel event. Payloads are treated as immutable
// once published.
type Event struct {
	Topic   string
	Payload any
	Time    time.Time
}

// Bus fans events out to subscriptions. All methods are safe for
// concurrent use. Publish never blocks and never fails.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	logger  *slog.Logger
	dropped atomic.Int64
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string]*Subscription),
		logger: logger,
	}
}

// Publish delivers the event to every subscription whose pattern matches
// the topic. Slow subscribers lose their oldest queued events.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload, Time: time.Now()}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if MatchTopic(s.pattern, topic) {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if n := s.enqueue(ev); n > 0 {
			b.dropped.Add(n)
			b.logger.Warn("subscriber lagging, dropped oldest event",
				"pattern", s.pattern, "topic", topic, "dropped_total", s.Dropped())
		}
	}
}

// Subscribe registers a new subscription for the given topic pattern with
// the default buffer size.
func (b *Bus) Subscribe(pattern string) *Subscription {
	return b.SubscribeBuffered(pattern, DefaultBufferSize)
}

// SubscribeBuffered registers a subscription with an explicit queue bound.
// Bounds below 1 fall back to the default.
func (b *Bus) SubscribeBuffered(pattern string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = DefaultBufferSize
	}
	s := &Subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		limit:   buffer,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		out:     make(chan Event),
	}

	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()

	go s.deliver()
	return s
}

// Unsubscribe detaches the subscription and closes its event channel once
// delivery of already-dequeued events finishes.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.subs[s.id]
	delete(b.subs, s.id)
	b.mu.Unlock()
	if ok {
		s.stop()
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the total number of events dropped across all
// subscriptions since the bus was created.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// MatchTopic reports whether pattern matches topic. A pattern matches its
// own topic exactly, or any topic for which it is a prefix ending on a
// segment boundary. The empty pattern and "*" match everything.
func MatchTopic(pattern, topic string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if pattern == topic {
		return true
	}
	return strings.HasPrefix(topic, pattern+".")
}

// Subscription is one subscriber's bounded event queue. Events arrive on
// C in publish order; when the queue overflows, the oldest events are
// discarded and a single subscriber.lagged event is injected ahead of the
// next delivery.
type Subscription struct {
	id      string
	pattern string
	limit   int

	mu      sync.Mutex
	queue   []Event
	lagged  bool
	dropped int64

	notify chan struct{}
	done   chan struct{}
	out    chan Event
	once   sync.Once
}

// C returns the subscriber's event channel. It is closed after
// Unsubscribe.
func (s *Subscription) C() <-chan Event { return s.out }

// Pattern returns the topic pattern the subscription was created with.
func (s *Subscription) Pattern() string { return s.pattern }

// Dropped returns how many events this subscription has lost to overflow.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// enqueue appends the event, discarding the oldest entry on overflow.
// It returns the number of events dropped by this call.
func (s *Subscription) enqueue(ev Event) int64 {
	s.mu.Lock()
	var droppedNow int64
	if len(s.queue) >= s.limit {
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		s.dropped++
		s.lagged = true
		droppedNow = 1
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return droppedNow
}

// deliver drains the queue to the out channel. One goroutine per
// subscription; it may block on a slow consumer without affecting the
// publisher or other subscriptions.
func (s *Subscription) deliver() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			var lag *Event
			if s.lagged {
				s.lagged = false
				lag = &Event{
					Topic:   models.TopicSubscriberLagged,
					Payload: models.LaggedEvent{Topic: s.pattern, Dropped: s.dropped},
					Time:    time.Now(),
				}
			}
			ev := s.queue[0]
			copy(s.queue, s.queue[1:])
			s.queue = s.queue[:len(s.queue)-1]
			s.mu.Unlock()

			if lag != nil {
				select {
				case s.out <- *lag:
				case <-s.done:
					return
				}
			}
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

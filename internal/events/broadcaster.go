package events

import (
	"log/slog"
	"sync"
)

// DefaultSubscriberBuffer is the per-subscriber outbound queue depth.
const DefaultSubscriberBuffer = 64

// Broadcaster fans lifecycle events out to every connected subscriber in
// publish order. Delivery is best-effort: a subscriber whose buffer is full
// is disconnected rather than allowed to stall the publisher. There is no
// replay; a subscriber connecting after an event misses it permanently.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	logger *slog.Logger
}

// Subscription is one observer's handle on the event stream.
type Subscription struct {
	id uint64
	ch chan Event

	closeOnce sync.Once
	b         *Broadcaster
}

// Events returns the subscriber's receive channel. The channel is closed
// when the subscription is canceled or the subscriber falls too far behind.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close cancels the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.b.remove(s.id)
}

// NewBroadcaster creates a Broadcaster with the given per-subscriber buffer.
// Zero means DefaultSubscriberBuffer.
func NewBroadcaster(buffer int, logger *slog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Broadcaster{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a new observer.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id: b.nextID,
		ch: make(chan Event, b.buffer),
		b:  b,
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish validates the event and delivers it to every current subscriber.
// Publishing is non-blocking: subscribers with full buffers are dropped.
// Holding the mutex across the whole fan-out keeps delivery strictly ordered
// per subscriber.
func (b *Broadcaster) Publish(ev Event) error {
	if err := ev.validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(b.subs, id)
			sub.closeOnce.Do(func() { close(sub.ch) })
			b.logger.Warn("dropping slow event subscriber",
				slog.Uint64("subscriber_id", id),
				slog.String("event_type", string(ev.Type)),
			)
		}
	}
	return nil
}

// SubscriberCount returns the number of connected subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		sub.closeOnce.Do(func() { close(sub.ch) })
	}
}

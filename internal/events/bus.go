package events

import (
	"log/slog"
	"sync"
)

// DefaultBufferSize is the per-subscriber outbound buffer depth.
const DefaultBufferSize = 256

// Subscriber receives serialized events for its chosen channels.
//
// Out delivers events in publication order per channel. When the buffer
// overflows the subscriber is closed with SlowConsumer set and no further
// events are delivered.
type Subscriber struct {
	id       int64
	channels map[Channel]bool

	out  chan []byte
	done chan struct{}

	mu           sync.Mutex
	closed       bool
	slowConsumer bool
}

// Out is the subscriber's event stream. It is closed on Unsubscribe or on
// slow-consumer disconnect.
func (s *Subscriber) Out() <-chan []byte { return s.out }

// Done is closed when the subscriber is detached from the bus.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// SlowConsumer reports whether the subscriber was disconnected because its
// buffer overflowed.
func (s *Subscriber) SlowConsumer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slowConsumer
}

func (s *Subscriber) close(slow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.slowConsumer = slow
	close(s.done)
	close(s.out)
}

// Bus is the in-process publisher. Safe for concurrent use; the publish fast
// path never blocks on a subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int64]*Subscriber
	nextID int64

	bufSize int
	log     *slog.Logger
}

// NewBus creates a Bus with the given per-subscriber buffer size.
// Sizes ≤ 0 use DefaultBufferSize.
func NewBus(bufSize int, log *slog.Logger) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subs:    make(map[int64]*Subscriber),
		bufSize: bufSize,
		log:     log.With(slog.String("component", "events")),
	}
}

// Subscribe registers a subscriber for the given channels. Unknown channel
// names are ignored; subscribing to no valid channel yields a subscriber that
// never receives events (the caller can still Unsubscribe it).
func (b *Bus) Subscribe(channels []Channel) *Subscriber {
	set := make(map[Channel]bool, len(channels))
	for _, ch := range channels {
		for _, known := range KnownChannels {
			if ch == known {
				set[ch] = true
			}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscriber{
		id:       b.nextID,
		channels: set,
		out:      make(chan []byte, b.bufSize),
		done:     make(chan struct{}),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe detaches sub and closes its stream.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	sub.close(false)
}

// Publish serializes e once and offers it to every subscriber of e.Channel.
// A subscriber whose buffer is full is disconnected with slow_consumer —
// it never stalls the publisher or other subscribers.
func (b *Bus) Publish(e Event) {
	payload := e.encode()

	b.mu.RLock()
	var overflowed []*Subscriber
	for _, sub := range b.subs {
		if !sub.channels[e.Channel] {
			continue
		}
		select {
		case sub.out <- payload:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range overflowed {
		b.log.Warn("slow consumer disconnected",
			slog.Int64("subscriber", sub.id),
			slog.String("channel", string(e.Channel)),
		)
		b.mu.Lock()
		delete(b.subs, sub.id)
		b.mu.Unlock()
		sub.close(true)
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[int64]*Subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.close(false)
	}
}

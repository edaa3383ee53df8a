package bus

import (
	"context"
	"errors"
	"sync"
)

// MemoryBus is an in-process Bus. Delivery is synchronous: Publish returns
// after every matching handler has run, which keeps tests deterministic.
type MemoryBus struct {
	mu       sync.Mutex
	subs     map[string][]*memorySub
	rotation map[string]int
	nextID   int
	closed   bool
}

type memorySub struct {
	bus   *MemoryBus
	id    int
	topic string
	queue string
	fn    Handler
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:     make(map[string][]*memorySub),
		rotation: make(map[string]int),
	}
}

// Publish delivers the message to every plain subscriber of the topic and to
// one member of each queue group, rotating through group members.
func (b *MemoryBus) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return context.Canceled
	}

	groups := make(map[string][]*memorySub)
	var targets []*memorySub
	for _, s := range b.subs[topic] {
		if s.queue == "" {
			targets = append(targets, s)
			continue
		}
		groups[s.queue] = append(groups[s.queue], s)
	}
	for queue, members := range groups {
		key := topic + "/" + queue
		targets = append(targets, members[b.rotation[key]%len(members)])
		b.rotation[key]++
	}
	b.mu.Unlock()

	// Handlers run outside the lock so they may publish in turn.
	for _, s := range targets {
		s.fn(ctx, data)
	}
	return nil
}

// Subscribe registers fn for every message on the topic.
func (b *MemoryBus) Subscribe(topic string, fn Handler) (Subscription, error) {
	return b.subscribe(topic, "", fn)
}

// QueueSubscribe registers fn as a member of the named queue group.
func (b *MemoryBus) QueueSubscribe(topic, queue string, fn Handler) (Subscription, error) {
	return b.subscribe(topic, queue, fn)
}

func (b *MemoryBus) subscribe(topic, queue string, fn Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &memorySub{bus: b, id: b.nextID, topic: topic, queue: queue, fn: fn}
	b.subs[topic] = append(b.subs[topic], s)
	return s, nil
}

// HealthCheck reports whether the bus still accepts messages.
func (b *MemoryBus) HealthCheck(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("memory bus is closed")
	}
	return nil
}

// Close drops all subscriptions. Messages published afterwards are rejected.
func (b *MemoryBus) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]*memorySub)
	b.closed = true
	return nil
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subs[s.topic]
	for i, cur := range subs {
		if cur.id == s.id {
			s.bus.subs[s.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

package feed

import (
	"context"
	"sync"
)

// LocalBus dispatches events to subscribers in the same process.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*localSubscriber
	nextID      int64
	bufferSize  int
}

type localSubscriber struct {
	id     int64
	stream chan Event
}

// NewLocalBus constructs an in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subscribers: make(map[string]map[int64]*localSubscriber),
		bufferSize:  defaultBufferSize,
	}
}

func (b *LocalBus) Subscribe(ctx context.Context, topic string) (<-chan Event, func()) {
	if topic == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &localSubscriber{
		id:     b.nextSequence(),
		stream: make(chan Event, b.bufferSize),
	}
	b.registerSubscriber(topic, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.unregisterSubscriber(topic, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (b *LocalBus) Publish(_ context.Context, event Event) error {
	if event.Topic == "" {
		return nil
	}
	b.mu.RLock()
	subscribers := b.subscribers[event.Topic]
	if len(subscribers) == 0 {
		b.mu.RUnlock()
		return nil
	}
	copies := make([]*localSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	b.mu.RUnlock()
	for _, subscriber := range copies {
		offer(subscriber.stream, event)
	}
	return nil
}

// SubscriberCount returns the number of live subscribers on topic.
func (b *LocalBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

func (b *LocalBus) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *LocalBus) registerSubscriber(topic string, subscriber *localSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[int64]*localSubscriber)
	}
	b.subscribers[topic][subscriber.id] = subscriber
}

func (b *LocalBus) unregisterSubscriber(topic string, subscriberID int64) {
	b.mu.Lock()
	subscribers := b.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(b.subscribers, topic)
		}
	}
	b.mu.Unlock()
}

package bus

import (
	"context"
	"log/slog"
	"sync"

	"mtmfeed/internal/models"
)

// MemoryBus is an in-process Bus. A subscriber whose buffer is full loses the
// message; publishers never block on slow consumers.
type MemoryBus struct {
	mu          sync.RWMutex
	subs        map[*memorySubscription]struct{}
	channelSize int
	logger      *slog.Logger
}

// NewMemory creates an in-process bus with the given per-subscriber buffer.
func NewMemory(channelSize int, logger *slog.Logger) *MemoryBus {
	if channelSize <= 0 {
		channelSize = 256
	}
	return &MemoryBus{
		subs:        make(map[*memorySubscription]struct{}),
		channelSize: channelSize,
		logger:      logger.With("component", "memory_bus"),
	}
}

// Publish delivers payload to every current subscriber of topic.
func (b *MemoryBus) Publish(ctx context.Context, topic models.Topic, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	msg := Message{Topic: topic, Payload: payload}
	for sub := range b.subs {
		if _, ok := sub.topics[topic]; !ok {
			continue
		}
		select {
		case sub.out <- msg:
		default:
			b.logger.Warn("subscriber_lagging", "topic", topic)
		}
	}

	return nil
}

// Subscribe registers a new subscriber for topics.
func (b *MemoryBus) Subscribe(ctx context.Context, topics ...models.Topic) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &memorySubscription{
		bus:    b,
		topics: make(map[models.Topic]struct{}, len(topics)),
		out:    make(chan Message, b.channelSize),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub, nil
}

// Subscribers reports the number of live subscriptions.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

type memorySubscription struct {
	bus    *MemoryBus
	topics map[models.Topic]struct{}
	out    chan Message
	once   sync.Once
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		close(s.out)
		s.bus.mu.Unlock()
	})
	return nil
}

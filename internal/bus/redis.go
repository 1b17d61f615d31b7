package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"mtmfeed/internal/models"
)

// RedisBus broadcasts over Redis PUBLISH/SUBSCRIBE. It borrows its
// connection, normally the state store's, and never closes it.
type RedisBus struct {
	client      *redis.Client
	channelSize int
	logger      *slog.Logger
	owned       bool
}

// NewRedis creates a pub/sub bus on an existing Redis connection.
func NewRedis(client *redis.Client, logger *slog.Logger) *RedisBus {
	return &RedisBus{
		client:      client,
		channelSize: 256,
		logger:      logger.With("component", "redis_bus"),
	}
}

// Publish sends payload to every current subscriber of topic.
func (b *RedisBus) Publish(ctx context.Context, topic models.Topic, payload []byte) error {
	receivers, err := b.client.Publish(ctx, string(topic), payload).Result()
	if err != nil {
		return fmt.Errorf("redis PUBLISH %s failed: %w", topic, err)
	}

	b.logger.Debug("message_published",
		"topic", topic,
		"size_bytes", len(payload),
		"receivers", receivers,
	)

	return nil
}

// Subscribe returns once the server has confirmed the subscription.
func (b *RedisBus) Subscribe(ctx context.Context, topics ...models.Topic) (Subscription, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("subscribe: no topics")
	}

	channels := make([]string, len(topics))
	for i, t := range topics {
		channels[i] = string(t)
	}

	ps := b.client.Subscribe(ctx, channels...)

	// Receive blocks until the SUBSCRIBE reply arrives.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis SUBSCRIBE failed: %w", err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan Message, b.channelSize),
		done: make(chan struct{}),
	}
	go sub.pump(ps.Channel(redis.WithChannelSize(b.channelSize)))

	return sub, nil
}

// Close closes the Redis connection if the bus opened it.
func (b *RedisBus) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}

type redisSubscription struct {
	ps        *redis.PubSub
	out       chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) pump(in <-chan *redis.Message) {
	defer close(s.out)
	for msg := range in {
		select {
		case s.out <- Message{Topic: models.Topic(msg.Channel), Payload: []byte(msg.Payload)}:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

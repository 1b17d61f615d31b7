package bus

import (
	"context"

	"mtmfeed/internal/models"
)

// Message is one payload received on a topic.
type Message struct {
	Topic   models.Topic
	Payload []byte
}

// Bus is a best-effort broadcast channel. Every subscriber receives each
// message published after its Subscribe call returned; nothing is replayed.
type Bus interface {
	Publish(ctx context.Context, topic models.Topic, payload []byte) error
	Subscribe(ctx context.Context, topics ...models.Topic) (Subscription, error)
}

// Subscription is one consumer's handle. Close unsubscribes and closes the
// Messages channel.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

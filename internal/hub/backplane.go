package hub

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Backplane is the cross-process broadcast fan-out. It is never consulted
// for document state (only the owning process's Engine is authoritative),
// so Publish/Subscribe failures degrade to single-process behavior rather
// than correctness loss.
type Backplane interface {
	Publish(ctx context.Context, documentID string, payload []byte) error
	// Subscribe returns a channel of payloads for documentID and an
	// unsubscribe function. The channel is closed once unsubscribe runs.
	Subscribe(ctx context.Context, documentID string) (<-chan []byte, func(), error)
}

// noopBackplane is the default, single-process backplane: Publish is a
// no-op and Subscribe returns a channel that is never written to.
type noopBackplane struct{}

// NewNoopBackplane returns the single-process Backplane used when
// REDIS_ADDR is unset.
func NewNoopBackplane() Backplane { return noopBackplane{} }

func (noopBackplane) Publish(ctx context.Context, documentID string, payload []byte) error {
	return nil
}

func (noopBackplane) Subscribe(ctx context.Context, documentID string) (<-chan []byte, func(), error) {
	ch := make(chan []byte)
	return ch, func() { close(ch) }, nil
}

// redisBackplane fans broadcasts out across processes via one Redis
// pub/sub channel per document id. All local sessions of a document share
// one subscription.
type redisBackplane struct {
	client *redis.Client
}

// NewRedisBackplane wraps an already-connected *redis.Client.
func NewRedisBackplane(client *redis.Client) Backplane {
	return &redisBackplane{client: client}
}

func (b *redisBackplane) Publish(ctx context.Context, documentID string, payload []byte) error {
	return b.client.Publish(ctx, channelName(documentID), payload).Err()
}

func (b *redisBackplane) Subscribe(ctx context.Context, documentID string) (<-chan []byte, func(), error) {
	pubsub := b.client.Subscribe(ctx, channelName(documentID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, err
	}

	out := make(chan []byte)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			pubsub.Close()
		})
	}

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- []byte(msg.Payload)
		}
	}()

	return out, cancel, nil
}

func channelName(documentID string) string {
	return "collabedit:doc:" + documentID
}

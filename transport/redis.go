package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis is a Transport backed by a Redis pub/sub channel, one channel per
// collaboration session. Redis delivers published messages back to the
// publisher's own subscription, which matches the broadcast model the bridge
// expects (senders filter by origin). The go-redis client reconnects
// internally, so no disconnect edges are surfaced here.
type Redis struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
	msgs    callbacks[[]byte]
	states  callbacks[bool]

	cancel context.CancelFunc
	pubsub *redis.PubSub

	mu     sync.Mutex
	closed bool
}

// RedisOption configures a Redis transport.
type RedisOption func(*Redis)

// WithRedisLogger sets the transport's logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(r *Redis) { r.logger = l }
}

// NewRedis subscribes to the session's channel on client and returns the
// transport. The caller retains ownership of client.
func NewRedis(ctx context.Context, client *redis.Client, channel string, opts ...RedisOption) (*Redis, error) {
	r := &Redis{
		client:  client,
		channel: channel,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.pubsub = client.Subscribe(ctx, channel)
	// Force the subscription to be established before any Send can race
	// ahead of it.
	if _, err := r.pubsub.Receive(ctx); err != nil {
		r.cancel()
		return nil, err
	}

	go func() {
		for msg := range r.pubsub.Channel() {
			r.msgs.emit([]byte(msg.Payload))
		}
	}()
	return r, nil
}

func (r *Redis) Send(msg []byte) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.mu.Unlock()
	return r.client.Publish(context.Background(), r.channel, msg).Err()
}

func (r *Redis) Subscribe(fn func([]byte)) (unsubscribe func()) {
	return r.msgs.add(fn)
}

func (r *Redis) SubscribeState(fn func(bool)) (unsubscribe func()) {
	return r.states.add(fn)
}

func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	return r.pubsub.Close()
}

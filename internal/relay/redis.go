// Package relay mirrors broadcast events between broker processes over Redis
// pub/sub so connections attached to different nodes see the same channels.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"collab/api/internal/broadcast"
)

const defaultChannel = "collab:events"

// Sink receives envelopes published by other nodes.
type Sink func(ctx context.Context, envelope broadcast.Envelope)

// Redis implements broadcast.Relay on a single Redis pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
	node    string
	logger  *slog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(redisURL, node string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisWithClient(client, node), nil
}

// NewRedisWithClient creates a relay from an existing Redis client.
func NewRedisWithClient(client *redis.Client, node string) *Redis {
	return &Redis{
		client:  client,
		channel: defaultChannel,
		node:    node,
		logger:  slog.Default(),
	}
}

func (r *Redis) WithLogger(logger *slog.Logger) *Redis {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// Forward publishes envelope for the other nodes, stamped with this node id.
func (r *Redis) Forward(ctx context.Context, envelope broadcast.Envelope) error {
	envelope.Node = r.node
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	return nil
}

// Start subscribes to the relay channel and hands foreign envelopes to sink
// until ctx is done or Close is called. It returns once the subscription is
// confirmed.
func (r *Redis) Start(ctx context.Context, sink Sink) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe relay channel: %w", err)
	}

	r.mu.Lock()
	if r.pubsub != nil {
		_ = r.pubsub.Close()
	}
	r.pubsub = pubsub
	r.mu.Unlock()

	go r.consume(ctx, pubsub.Channel(), sink)
	return nil
}

func (r *Redis) consume(ctx context.Context, messages <-chan *redis.Message, sink Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var envelope broadcast.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				r.logger.Warn("discarding malformed relay envelope", "error", err)
				continue
			}
			if envelope.Node == r.node {
				continue
			}
			sink(ctx, envelope)
		}
	}
}

// Ping checks if Redis is reachable
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close stops the subscription and closes the Redis connection.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.pubsub != nil {
		_ = r.pubsub.Close()
		r.pubsub = nil
	}
	r.mu.Unlock()
	return r.client.Close()
}

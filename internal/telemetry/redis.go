package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const publishTimeout = 200 * time.Millisecond

// RedisPublisher publishes samples and events as JSON on a pub/sub channel.
// Nothing is stored.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedisPublisher(addr, password, channel string, db int, logger *zap.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	logger.Info("Redis connected",
		zap.String("addr", addr),
		zap.String("channel", channel))

	return newRedisPublisher(client, channel, logger), nil
}

func newRedisPublisher(client *redis.Client, channel string, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{
		client:  client,
		channel: channel,
		logger:  logger,
	}
}

// envelope is the wire format on the channel.
type envelope struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

func encodeEnvelope(kind string, data any) ([]byte, error) {
	return json.Marshal(envelope{Kind: kind, Data: data})
}

// Publish sends one message and returns the number of subscribers reached.
func (r *RedisPublisher) Publish(ctx context.Context, kind string, data any) (int64, error) {
	payload, err := encodeEnvelope(kind, data)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s: %w", kind, err)
	}

	n, err := r.client.Publish(ctx, r.channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish %s: %w", kind, err)
	}
	return n, nil
}

func (r *RedisPublisher) HandleSample(s Sample) {
	r.publish("telemetry", s)
}

func (r *RedisPublisher) HandleEvent(e Event) {
	r.publish(string(e.Type), e)
}

func (r *RedisPublisher) publish(kind string, data any) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if _, err := r.Publish(ctx, kind, data); err != nil {
		r.logger.Warn("Redis publish failed",
			zap.String("channel", r.channel),
			zap.String("kind", kind),
			zap.Error(err))
	}
}

func (r *RedisPublisher) Close() error {
	return r.client.Close()
}

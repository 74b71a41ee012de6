package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kbdoc/backend/internal/metrics"
	"github.com/kbdoc/backend/pkg/apperr"
	"github.com/kbdoc/backend/pkg/logger"
)

// MessageField is the stream entry field carrying the JSON task payload.
const MessageField = "message"

// Client publishes parse tasks onto a Redis stream. Workers consume the
// stream through their own consumer group.
type Client struct {
	client *redis.Client
	maxLen int64
}

func NewClient(host string, port int, password string, db int, maxLen int64) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis queue client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client, maxLen: maxLen}, nil
}

// NewFromClient wraps an existing go-redis client.
func NewFromClient(client *redis.Client, maxLen int64) *Client {
	return &Client{client: client, maxLen: maxLen}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Publish appends payload to stream and returns the entry id. It does not
// wait for any consumer.
func (c *Client) Publish(ctx context.Context, stream string, payload []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{MessageField: payload},
	}
	if c.maxLen > 0 {
		args.MaxLen = c.maxLen
		args.Approx = true
	}

	id, err := c.client.XAdd(ctx, args).Result()
	if err != nil {
		metrics.StoreErrors.WithLabelValues("queue").Inc()
		return "", apperr.Storage("queue", "publish", err)
	}

	logger.Debug("Task published", zap.String("stream", stream), zap.String("entry_id", id))
	return id, nil
}

// Len reports the stream length.
func (c *Client) Len(ctx context.Context, stream string) (int64, error) {
	n, err := c.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, apperr.Storage("queue", "len", err)
	}
	return n, nil
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/refwiki/backend/internal/concurrency"
	"github.com/refwiki/backend/pkg/logger"
)

var (
	_ concurrency.WindowLimiter = (*Client)(nil)
	_ concurrency.CooldownStore = (*Client)(nil)
)

// slidingWindow trims events older than the window, then admits the new event if the
// window still has room. Returns {allowed, remaining, retry_after_ms}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local retry = tonumber(oldest[2]) + window - now
	if retry < 1 then retry = 1 end
	return {0, 0, retry}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, limit - count - 1, 0}
`)

type Client struct {
	client *redis.Client
	now    func() time.Time
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Ping(ctx).Result()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return NewFromClient(client), nil
}

func NewFromClient(client *redis.Client) *Client {
	return &Client{client: client, now: time.Now}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Allow(ctx context.Context, key string, limit int, window time.Duration) (concurrency.Decision, error) {
	now := c.now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())

	res, err := slidingWindow.Run(ctx, c.client, []string{"ratelimit:" + key},
		now, window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return concurrency.Decision{}, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	if len(res) != 3 {
		return concurrency.Decision{}, fmt.Errorf("unexpected rate limit reply: %v", res)
	}

	return concurrency.Decision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

func (c *Client) Start(ctx context.Context, key string, d time.Duration) error {
	if err := c.client.Set(ctx, key, c.now().UnixMilli(), d).Err(); err != nil {
		return fmt.Errorf("failed to set cooldown: %w", err)
	}
	return nil
}

func (c *Client) Remaining(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read cooldown: %w", err)
	}
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

// GetContent returns a cached external fetch result.
func (c *Client) GetContent(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, "fetch:"+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get fetch cache: %w", err)
	}

	logger.Debug("Fetch cache hit", zap.String("key", key))
	return val, true, nil
}

func (c *Client) SetContent(ctx context.Context, key, content string, ttl time.Duration) error {
	if err := c.client.Set(ctx, "fetch:"+key, content, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set fetch cache: %w", err)
	}
	return nil
}

func (c *Client) SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	err = c.client.Set(ctx, fmt.Sprintf("embedding:%s", textHash), data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}

	logger.Debug("Embedding cached", zap.String("text_hash", textHash))
	return nil
}

func (c *Client) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, fmt.Sprintf("embedding:%s", textHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	var embedding []float32
	err = json.Unmarshal(data, &embedding)
	if err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}

	logger.Debug("Embedding cache hit", zap.String("text_hash", textHash))
	return embedding, true, nil
}

// ClearFetchCache drops every cached external fetch.
func (c *Client) ClearFetchCache(ctx context.Context) (int, error) {
	deleted := 0
	iter := c.client.Scan(ctx, 0, "fetch:*", 0).Iterator()
	for iter.Next(ctx) {
		err := c.client.Del(ctx, iter.Val()).Err()
		if err != nil {
			logger.Warn("Failed to delete cache key", zap.Error(err))
			continue
		}
		deleted++
	}

	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Fetch cache cleared", zap.Int("deleted", deleted))
	return deleted, nil
}

func (c *Client) IncrementMetric(ctx context.Context, metricName string) error {
	return c.client.Incr(ctx, fmt.Sprintf("metric:%s", metricName)).Err()
}

func (c *Client) GetMetric(ctx context.Context, metricName string) (int64, error) {
	val, err := c.client.Get(ctx, fmt.Sprintf("metric:%s", metricName)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

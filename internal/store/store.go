package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"mtmfeed/internal/models"
)

// Field is one hash entry in the order the store returned it.
type Field struct {
	Name  string
	Value string
}

// Value is one HMGET slot. Found distinguishes absent fields from empty ones.
type Value struct {
	Data  string
	Found bool
}

// Client gives typed, read-only access to the shared Redis state.
//
// A missing key or field is never an error: callers get ("", false) or an
// empty slice. Errors mean the store itself could not be read.
type Client struct {
	client *redis.Client
	logger *slog.Logger
}

// New creates a store client from a Redis URL and verifies the connection.
func New(redisURL string, redisPassword string, logger *slog.Logger) (*Client, error) {
	// Parse Redis URL
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if redisPassword != "" {
		opt.Password = redisPassword
	}

	// RESP2 replies HGETALL as a flat array, which keeps the field order.
	opt.Protocol = 2

	client := redis.NewClient(opt)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		client: client,
		logger: logger.With("component", "state_store"),
	}, nil
}

// Redis exposes the underlying connection so the pub/sub bus can share it.
// The store keeps ownership: Close on the store closes it.
func (c *Client) Redis() *redis.Client {
	return c.client
}

// GetScalar reads a string key.
func (c *Client) GetScalar(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis GET %s failed: %w", key, err)
	}
	return value, true, nil
}

// HashAll reads every field of a hash, preserving the order of the reply.
func (c *Client) HashAll(ctx context.Context, key string) ([]Field, error) {
	flat, err := c.client.Do(ctx, "HGETALL", key).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis HGETALL %s failed: %w", key, err)
	}

	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("redis HGETALL %s: odd reply length %d", key, len(flat))
	}

	fields := make([]Field, 0, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		fields = append(fields, Field{Name: flat[i], Value: flat[i+1]})
	}

	c.logger.Debug("hash_read", "key", key, "fields", len(fields))

	return fields, nil
}

// HashField reads a single hash field.
func (c *Client) HashField(ctx context.Context, key, field string) (string, bool, error) {
	value, err := c.client.HGet(ctx, key, field).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis HGET %s %s failed: %w", key, field, err)
	}
	return value, true, nil
}

// HashFields reads several fields of one hash; the result is aligned to fields.
func (c *Client) HashFields(ctx context.Context, key string, fields ...string) ([]Value, error) {
	values := make([]Value, len(fields))
	if len(fields) == 0 {
		return values, nil
	}

	raw, err := c.client.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HMGET %s failed: %w", key, err)
	}

	for i, v := range raw {
		if i >= len(values) {
			break
		}
		if s, ok := v.(string); ok {
			values[i] = Value{Data: s, Found: true}
		}
	}

	return values, nil
}

// HashKeys lists the field names of a hash.
func (c *Client) HashKeys(ctx context.Context, key string) ([]string, error) {
	keys, err := c.client.HKeys(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis HKEYS %s failed: %w", key, err)
	}
	return keys, nil
}

// LiveWeights reads the live_weights hash. A category whose value is not a
// JSON object is logged and left out; the others are still returned.
func (c *Client) LiveWeights(ctx context.Context) (models.LiveWeights, error) {
	fields, err := c.HashAll(ctx, KeyLiveWeights)
	if err != nil {
		return nil, err
	}

	weights := make(models.LiveWeights, 0, len(fields))
	for _, f := range fields {
		category, err := models.ParseCategory(f.Name, f.Value)
		if err != nil {
			c.logger.Warn("live_weights_category_invalid", "category", f.Name, "error", err)
			continue
		}
		weights = append(weights, category)
	}

	return weights, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

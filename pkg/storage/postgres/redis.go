package postgres

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/tether/pkg/storage"
)

const (
	groupKeyPrefix = "tether:group:"
	blobKeyPrefix  = "tether:schema:"
)

// RedisClient caches group properties and schema bytes
type RedisClient struct {
	client *redis.Client
	config storage.Config
}

// NewRedisClient creates a new Redis client
func NewRedisClient(config storage.Config) (*RedisClient, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	// Override with config values if provided
	if config.RedisPassword != "" {
		opts.Password = config.RedisPassword
	}
	if config.RedisDB >= 0 {
		opts.DB = config.RedisDB
	}
	if config.RedisMaxRetries > 0 {
		opts.MaxRetries = config.RedisMaxRetries
	}
	if config.RedisPoolSize > 0 {
		opts.PoolSize = config.RedisPoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClient{
		client: client,
		config: config,
	}, nil
}

// GetGroup retrieves a group from cache. A miss returns nil, nil.
func (c *RedisClient) GetGroup(ctx context.Context, name string) (*storage.Group, error) {
	key := groupKeyPrefix + name

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var group storage.Group
	if err := json.Unmarshal(data, &group); err != nil {
		// drop corrupt entries so the next read repopulates them
		c.client.Del(ctx, key)
		return nil, fmt.Errorf("failed to unmarshal group: %w", err)
	}
	return &group, nil
}

// SetGroup stores a group in cache
func (c *RedisClient) SetGroup(ctx context.Context, group *storage.Group) error {
	data, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("failed to marshal group: %w", err)
	}
	return c.client.Set(ctx, groupKeyPrefix+group.Name, data, c.config.CacheTTL["group"]).Err()
}

// InvalidateGroup removes a group from cache
func (c *RedisClient) InvalidateGroup(ctx context.Context, name string) error {
	return c.client.Del(ctx, groupKeyPrefix+name).Err()
}

// GetSchemaBlob retrieves schema bytes by fingerprint. A miss returns nil, nil.
func (c *RedisClient) GetSchemaBlob(ctx context.Context, fingerprint string) ([]byte, error) {
	data, err := c.client.Get(ctx, blobKeyPrefix+fingerprint).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return data, nil
}

// SetSchemaBlob caches schema bytes. Content is immutable per fingerprint.
func (c *RedisClient) SetSchemaBlob(ctx context.Context, fingerprint string, data []byte) error {
	return c.client.Set(ctx, blobKeyPrefix+fingerprint, data, c.config.CacheTTL["schema"]).Err()
}

// InvalidatePatterns removes keys matching patterns
func (c *RedisClient) InvalidatePatterns(ctx context.Context, patterns ...string) error {
	for _, pattern := range patterns {
		iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("failed to delete key %s: %w", iter.Val(), err)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("scan failed for pattern %s: %w", pattern, err)
		}
	}
	return nil
}

// Ping checks Redis connectivity
func (c *RedisClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// GetPoolStats returns connection pool statistics
func (c *RedisClient) GetPoolStats() *redis.PoolStats {
	return c.client.PoolStats()
}

// Close closes the Redis connection
func (c *RedisClient) Close() error {
	return c.client.Close()
}

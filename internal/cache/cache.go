package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/config"
	"github.com/therealutkarshpriyadarshi/ocrbatch/internal/metrics"
)

// Result is a cached extraction result keyed by image checksum
type Result struct {
	ImageFile   string    `json:"image_file"`
	Text        string    `json:"text"`
	KeyAlias    string    `json:"api_key_alias"`
	Model       string    `json:"model"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Cache provides extraction result caching using Redis
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache creates a new cache instance
func NewCache(cfg config.CacheConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client, ttl: cfg.TTL}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// GetResult retrieves a cached extraction result by image checksum.
// A nil result with nil error is a cache miss.
func (c *Cache) GetResult(ctx context.Context, checksum string) (*Result, error) {
	key := fmt.Sprintf("ocr:result:%s", checksum)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get result from cache: %w", err)
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}

	metrics.CacheHitsTotal.Inc()
	return &result, nil
}

// SetResult caches an extraction result by image checksum
func (c *Cache) SetResult(ctx context.Context, checksum string, result *Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	key := fmt.Sprintf("ocr:result:%s", checksum)
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

// DeleteResult removes a cached result
func (c *Cache) DeleteResult(ctx context.Context, checksum string) error {
	key := fmt.Sprintf("ocr:result:%s", checksum)
	return c.client.Del(ctx, key).Err()
}

// Health check
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

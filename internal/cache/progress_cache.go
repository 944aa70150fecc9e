package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pricing-sync-service/internal/models"
)

// ProgressCache mirrors job progress in Redis so polling survives a restart
// and works from any replica. A nil client disables it.
type ProgressCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewProgressCache connects to Redis. When Redis is unreachable the cache is
// returned without a client and every call is a no-op.
func NewProgressCache(redisURL string, ttl time.Duration) (*ProgressCache, error) {
	if redisURL == "" {
		return &ProgressCache{ttl: ttl}, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return &ProgressCache{ttl: ttl}, nil
	}

	return &ProgressCache{client: client, ttl: ttl}, nil
}

// NewProgressCacheFromClient wraps an existing client
func NewProgressCacheFromClient(client *redis.Client, ttl time.Duration) *ProgressCache {
	return &ProgressCache{client: client, ttl: ttl}
}

// Enabled reports whether a Redis client is attached
func (c *ProgressCache) Enabled() bool {
	return c != nil && c.client != nil
}

func progressKey(jobID uint) string {
	return fmt.Sprintf("pricing:progress:%d", jobID)
}

// Get returns the mirrored progress of a job, or nil on a miss
func (c *ProgressCache) Get(ctx context.Context, jobID uint) (*models.JobProgress, error) {
	if !c.Enabled() {
		return nil, nil
	}

	data, err := c.client.Get(ctx, progressKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var progress models.JobProgress
	if err := json.Unmarshal(data, &progress); err != nil {
		return nil, err
	}
	return &progress, nil
}

// Set stores the progress of a job
func (c *ProgressCache) Set(ctx context.Context, progress *models.JobProgress) error {
	if !c.Enabled() {
		return nil
	}

	data, err := json.Marshal(progress)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, progressKey(progress.JobID), data, c.ttl).Err()
}

// Ping checks the Redis connection
func (c *ProgressCache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (c *ProgressCache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}

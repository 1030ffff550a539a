package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/run-bigpig/llm-guard/pkg/detection"
	"github.com/run-bigpig/llm-guard/pkg/fingerprint"
)

// RedisConfig contains configuration for Redis
type RedisConfig struct {
	// Addr is the Redis address (e.g., "localhost:6379")
	Addr string

	// Password is the Redis password
	Password string

	// DB is the Redis database number
	DB int
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, config RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}
	return client, nil
}

// RedisStore is the remote exact tier: JSON verdicts keyed by fingerprint
// and shared by every replica pointing at the same Redis.
type RedisStore struct {
	client    *redis.Client
	ttl       time.Duration
	keyPrefix string
}

// RedisOption represents an option for configuring the Redis store
type RedisOption func(*RedisStore)

// WithTTL sets the TTL for cached verdicts
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *RedisStore) {
		r.ttl = ttl
	}
}

// WithKeyPrefix sets a custom prefix for Redis keys
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisStore) {
		r.keyPrefix = prefix
	}
}

// NewRedisStore creates a new Redis-backed verdict store
func NewRedisStore(client *redis.Client, options ...RedisOption) *RedisStore {
	store := &RedisStore{
		client:    client,
		ttl:       time.Hour,
		keyPrefix: "llmguard:verdict:",
	}

	for _, option := range options {
		option(store)
	}

	return store
}

func (r *RedisStore) key(fp fingerprint.Fingerprint) string {
	return r.keyPrefix + string(fp)
}

// Get loads the verdict stored for fp. A missing key is a miss, not an error.
func (r *RedisStore) Get(ctx context.Context, fp fingerprint.Fingerprint) (detection.Verdict, bool, error) {
	data, err := r.client.Get(ctx, r.key(fp)).Bytes()
	if errors.Is(err, redis.Nil) {
		return detection.Verdict{}, false, nil
	}
	if err != nil {
		return detection.Verdict{}, false, fmt.Errorf("failed to get verdict from redis: %w", err)
	}

	var verdict detection.Verdict
	if err := json.Unmarshal(data, &verdict); err != nil {
		return detection.Verdict{}, false, fmt.Errorf("failed to unmarshal verdict: %w", err)
	}
	return verdict, true, nil
}

// Put stores verdict under fp with the configured TTL
func (r *RedisStore) Put(ctx context.Context, fp fingerprint.Fingerprint, verdict detection.Verdict) error {
	data, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("failed to marshal verdict: %w", err)
	}
	if err := r.client.Set(ctx, r.key(fp), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store verdict in redis: %w", err)
	}
	return nil
}

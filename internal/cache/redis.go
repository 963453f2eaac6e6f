package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentoven/scriptrun/pkg/models"
)

// RedisConfig describes the redis connection of the persistent tier.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration // 0 = no expiry
}

// RedisStore keeps entries as JSON strings under Prefix+fingerprint.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis cache: address is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "scriptrun:cache:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis cache: connect %s: %w", cfg.Address, err)
	}
	return &RedisStore{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

func (s *RedisStore) Get(ctx context.Context, fingerprint string) (*models.CacheEntry, error) {
	raw, err := s.client.Get(ctx, s.prefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis cache: get: %w", err)
	}
	var e models.CacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("redis cache: decode %s: %w", fingerprint, err)
	}
	return &e, nil
}

// Put uses SETNX so an existing entry is never replaced.
func (s *RedisStore) Put(ctx context.Context, entry *models.CacheEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis cache: encode: %w", err)
	}
	if err := s.client.SetNX(ctx, s.prefix+entry.Fingerprint, b, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis cache: put: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

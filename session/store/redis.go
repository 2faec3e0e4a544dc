// Package store provides session.Store implementations backed by Redis,
// PostgreSQL and MongoDB.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sweetpotato0/agentstep/reply"
	"github.com/sweetpotato0/agentstep/session"
)

// RedisStore implements session storage using Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ session.Store = (*RedisStore)(nil)

// RedisConfig holds Redis configuration for sessions.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// DefaultRedisConfig returns the configuration used when none is supplied.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:   "localhost:6379",
		Prefix: "agentstep:session:",
		TTL:    24 * time.Hour,
	}
}

// NewRedisStore creates a new Redis-based session store.
func NewRedisStore(config *RedisConfig) *RedisStore {
	if config == nil {
		config = DefaultRedisConfig()
	}
	if config.Prefix == "" {
		config.Prefix = DefaultRedisConfig().Prefix
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	return &RedisStore{
		client: client,
		prefix: config.Prefix,
		ttl:    config.TTL,
	}
}

// Save persists a session record to Redis.
func (s *RedisStore) Save(ctx context.Context, record reply.Record) error {
	if err := session.CheckRecord(record); err != nil {
		return err
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(record.ID), raw, s.ttl)
	pipe.SAdd(ctx, s.setKey(), record.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Load loads a session record from Redis.
func (s *RedisStore) Load(ctx context.Context, id string) (reply.Record, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return reply.Record{}, session.NotFound(id)
		}
		return reply.Record{}, fmt.Errorf("failed to load session: %w", err)
	}

	var record reply.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return reply.Record{}, fmt.Errorf("failed to decode session record: %w", err)
	}
	return record, nil
}

// Delete removes a session record from Redis.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if err := s.client.SRem(ctx, s.setKey(), id).Err(); err != nil {
		return fmt.Errorf("failed to update session index: %w", err)
	}
	return nil
}

// List returns all session IDs. IDs whose records expired are pruned from
// the index.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	live := ids[:0]
	for _, id := range ids {
		ok, err := s.Exists(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.client.SRem(ctx, s.setKey(), id)
			continue
		}
		live = append(live, id)
	}
	return live, nil
}

// Count returns the number of stored sessions.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	count, err := s.client.SCard(ctx, s.setKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return int(count), nil
}

// Exists checks if a session exists.
func (s *RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	exists, err := s.client.Exists(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}
	return exists > 0, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) sessionKey(id string) string {
	return s.prefix + id
}

func (s *RedisStore) setKey() string {
	return s.prefix + "set"
}

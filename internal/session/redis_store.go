// Package session keeps short-lived per-conversation session state in Redis.
package session

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"orbit/api/internal/store"
)

// RedisStore holds typing indicators as one hash per conversation, mapping
// user id to expiry in unix milliseconds.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed typing store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "typing:",
	}
}

func (s *RedisStore) key(conversationID string) string {
	return s.prefix + conversationID
}

// SetTyping creates or refreshes the caller's indicator. The hash expires
// with its newest entry so abandoned conversations do not accumulate keys.
func (s *RedisStore) SetTyping(ctx context.Context, conversationID, userID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return s.ClearTyping(ctx, conversationID, userID)
	}

	key := s.key(conversationID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, userID, expiresAt.UnixMilli())
		pipe.PExpire(ctx, key, ttl+time.Second)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

func (s *RedisStore) ClearTyping(ctx context.Context, conversationID, userID string) error {
	if err := s.client.HDel(ctx, s.key(conversationID), userID).Err(); err != nil {
		return fmt.Errorf("clear typing: %w", err)
	}
	return nil
}

// ListTyping returns live indicators and drops the expired fields it sees.
func (s *RedisStore) ListTyping(ctx context.Context, conversationID string, now time.Time) ([]store.TypingIndicator, error) {
	key := s.key(conversationID)
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("list typing: %w", err)
	}

	items := make([]store.TypingIndicator, 0, len(fields))
	var stale []string
	for userID, raw := range fields {
		expiresMs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || expiresMs <= now.UnixMilli() {
			stale = append(stale, userID)
			continue
		}
		items = append(items, store.TypingIndicator{
			ConversationID: conversationID,
			UserID:         userID,
			ExpiresAt:      time.UnixMilli(expiresMs).UTC(),
		})
	}
	if len(stale) > 0 {
		_ = s.client.HDel(ctx, key, stale...).Err()
	}

	sort.Slice(items, func(i, j int) bool { return items[i].UserID < items[j].UserID })
	return items, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

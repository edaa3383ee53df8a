package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProcessedStore remembers which result messages have already been applied so
// bus redeliveries are discarded before they reach the engine. The engine's
// own assignment state catches duplicates too; this store just keeps the
// check cheap and makes it survive restarts when backed by Redis.
type ProcessedStore interface {
	// MarkProcessed records the key with the given retention and reports
	// whether this call was the first to record it.
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// FormatProcessedKey builds the standard dedup key for a result message.
func FormatProcessedKey(messageID string) string {
	return fmt.Sprintf("processed:%s", messageID)
}

// --- MemoryProcessedStore ---

// MemoryProcessedStore is an in-memory ProcessedStore with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryProcessedStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// purgeAbove bounds the map size before a bulk purge of expired entries.
// Message ids are marked once and never looked up again, so expiry has to be
// swept rather than handled on re-access.
const purgeAbove = 4096

// NewMemoryProcessedStore creates a new in-memory processed store.
func NewMemoryProcessedStore() *MemoryProcessedStore {
	return &MemoryProcessedStore{
		entries: make(map[string]time.Time),
	}
}

// MarkProcessed records the key, returning true on first sight.
func (s *MemoryProcessedStore) MarkProcessed(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if expiresAt, exists := s.entries[key]; exists {
		if now.Before(expiresAt) {
			return false, nil
		}
		delete(s.entries, key)
	}

	if len(s.entries) >= purgeAbove {
		for k, expiresAt := range s.entries {
			if now.After(expiresAt) {
				delete(s.entries, k)
			}
		}
	}

	s.entries[key] = now.Add(ttl)
	return true, nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryProcessedStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- RedisProcessedStore ---

// RedisProcessedStore is a Redis-backed ProcessedStore. SETNX makes the
// first-sight check atomic across engine replicas.
type RedisProcessedStore struct {
	client redis.Cmdable
}

// NewRedisProcessedStore creates a new Redis-backed processed store.
func NewRedisProcessedStore(client redis.Cmdable) *RedisProcessedStore {
	return &RedisProcessedStore{client: client}
}

// MarkProcessed records the key in Redis, returning true on first sight.
func (s *RedisProcessedStore) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	first, err := s.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return first, nil
}

// HealthCheck pings Redis.
func (s *RedisProcessedStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

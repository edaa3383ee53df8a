package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// --- MemoryProcessedStore ---

func TestMemoryProcessedStore_FirstSight(t *testing.T) {
	store := NewMemoryProcessedStore()

	first, err := store.MarkProcessed(context.Background(), "processed:msg-1", time.Minute)
	if err != nil {
		t.Fatalf("MarkProcessed error: %v", err)
	}
	if !first {
		t.Error("first = false, want true on first sight")
	}
}

func TestMemoryProcessedStore_Duplicate(t *testing.T) {
	store := NewMemoryProcessedStore()
	ctx := context.Background()

	_, _ = store.MarkProcessed(ctx, "processed:msg-1", time.Minute)

	first, err := store.MarkProcessed(ctx, "processed:msg-1", time.Minute)
	if err != nil {
		t.Fatalf("MarkProcessed error: %v", err)
	}
	if first {
		t.Error("first = true, want false on repeat")
	}
}

func TestMemoryProcessedStore_DistinctKeys(t *testing.T) {
	store := NewMemoryProcessedStore()
	ctx := context.Background()

	_, _ = store.MarkProcessed(ctx, "processed:msg-1", time.Minute)

	first, err := store.MarkProcessed(ctx, "processed:msg-2", time.Minute)
	if err != nil {
		t.Fatalf("MarkProcessed error: %v", err)
	}
	if !first {
		t.Error("first = false, want true for a different key")
	}
	if store.Len() != 2 {
		t.Errorf("Len() = %d, want 2", store.Len())
	}
}

func TestMemoryProcessedStore_TTLExpiry(t *testing.T) {
	store := NewMemoryProcessedStore()
	ctx := context.Background()

	_, _ = store.MarkProcessed(ctx, "processed:msg-1", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	// After expiry the key counts as unseen again.
	first, err := store.MarkProcessed(ctx, "processed:msg-1", time.Minute)
	if err != nil {
		t.Fatalf("MarkProcessed error: %v", err)
	}
	if !first {
		t.Error("first = false, want true after expiry")
	}
}

// --- RedisProcessedStore ---

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	return mr, client
}

func TestRedisProcessedStore_FirstSight(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisProcessedStore(client)

	first, err := store.MarkProcessed(context.Background(), "processed:msg-1", time.Minute)
	if err != nil {
		t.Fatalf("MarkProcessed error: %v", err)
	}
	if !first {
		t.Error("first = false, want true on first sight")
	}
}

func TestRedisProcessedStore_Duplicate(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisProcessedStore(client)
	ctx := context.Background()

	_, _ = store.MarkProcessed(ctx, "processed:msg-1", time.Minute)

	first, err := store.MarkProcessed(ctx, "processed:msg-1", time.Minute)
	if err != nil {
		t.Fatalf("MarkProcessed error: %v", err)
	}
	if first {
		t.Error("first = true, want false on repeat")
	}
}

func TestRedisProcessedStore_TTLExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisProcessedStore(client)
	ctx := context.Background()

	_, _ = store.MarkProcessed(ctx, "processed:msg-1", time.Second)

	// Fast-forward miniredis time past TTL.
	mr.FastForward(2 * time.Second)

	first, err := store.MarkProcessed(ctx, "processed:msg-1", time.Minute)
	if err != nil {
		t.Fatalf("MarkProcessed error: %v", err)
	}
	if !first {
		t.Error("first = false, want true after expiry")
	}
}

// --- FormatProcessedKey ---

func TestFormatProcessedKey(t *testing.T) {
	key := FormatProcessedKey("d0ks3kld8a1b2c3d4e5f")
	want := "processed:d0ks3kld8a1b2c3d4e5f"
	if key != want {
		t.Errorf("key = %q, want %q", key, want)
	}
}

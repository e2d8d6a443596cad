package store

import (
	"context"
	"testing"
	"time"

	domain "github.com/example/realtime-chat/domain/chat"
	"github.com/redis/go-redis/v9"
)

const testRedisAddr = "localhost:6379"

func setupTestCache(t *testing.T) *Cache {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: testRedisAddr,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available at %s: %v", testRedisAddr, err)
	}

	prefix := "test:" + t.Name() + ":"
	cleanupKeys(ctx, client, prefix+"*")
	t.Cleanup(func() {
		cleanupKeys(context.Background(), client, prefix+"*")
		_ = client.Close()
	})

	return NewCache(client, prefix, time.Minute)
}

func cleanupKeys(ctx context.Context, client *redis.Client, pattern string) {
	iter := client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		client.Del(ctx, iter.Val())
	}
}

func TestCache_GetSetDelete(t *testing.T) {
	cache := setupTestCache(t)
	ctx := context.Background()

	var user domain.User
	found, err := cache.Get(ctx, "user:alice", &user)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if found {
		t.Fatal("expected miss on empty cache")
	}

	if err := cache.Set(ctx, "user:alice", &domain.User{ID: "alice", Username: "alice"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	found, err = cache.Get(ctx, "user:alice", &user)
	if err != nil || !found {
		t.Fatalf("expected hit, found=%v err=%v", found, err)
	}
	if user.Username != "alice" {
		t.Errorf("expected username alice, got %q", user.Username)
	}

	if err := cache.Delete(ctx, "user:alice"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	found, _ = cache.Get(ctx, "user:alice", &user)
	if found {
		t.Error("expected miss after delete")
	}

	stats := cache.GetStats()
	if stats.Hits != 1 || stats.Misses != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestStore_GetUser_CacheAside(t *testing.T) {
	cache := setupTestCache(t)
	db := setupTestDB(t)
	s := New(NewRepository(db), cache, DefaultConfig())
	ctx := context.Background()

	if err := s.UpsertUser(ctx, &domain.User{ID: "alice", Username: "alice"}); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}

	if _, err := s.GetUser(ctx, "alice"); err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if _, err := s.GetUser(ctx, "alice"); err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if hits := cache.GetStats().Hits; hits != 1 {
		t.Errorf("expected 1 cache hit, got %d", hits)
	}

	if err := s.UpdateUserStatus(ctx, "alice", domain.StatusOnline, time.Now()); err != nil {
		t.Fatalf("UpdateUserStatus() error = %v", err)
	}
	user, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if user.Status != domain.StatusOnline {
		t.Errorf("expected fresh status after invalidation, got %q", user.Status)
	}
}

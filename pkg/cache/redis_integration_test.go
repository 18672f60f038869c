package cache

import (
	"context"
	"os"
	"testing"
	"time"
)

func getRedisAddr() string {
	if addr := os.Getenv("KOS_REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func setupRedis(t *testing.T) *Client {
	t.Helper()

	cfg := &Config{
		Addr:         getRedisAddr(),
		Password:     "",
		DB:           15, // Use DB 15 for tests to avoid conflicts
		PoolSize:     5,
		MinIdleConns: 1,
		MaxRetries:   3,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := Connect(ctx, cfg)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clean up test database
	client.Client.FlushDB(ctx)

	t.Cleanup(func() {
		client.Client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestClient_Get_NotFound_Integration(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	val, err := client.Get(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want empty string for nonexistent key", val)
	}
}

func TestClient_Incr_Integration(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	// Incr on nonexistent key starts at 1
	val, err := client.Incr(ctx, "counter")
	if err != nil {
		t.Fatalf("Incr() error = %v", err)
	}
	if val != 1 {
		t.Errorf("Incr() = %d, want 1", val)
	}

	// Incr again
	val, err = client.Incr(ctx, "counter")
	if err != nil {
		t.Fatalf("Incr() error = %v", err)
	}
	if val != 2 {
		t.Errorf("Incr() = %d, want 2", val)
	}
}

func TestClient_Expire_Integration(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	if _, err := client.Incr(ctx, "expire-test"); err != nil {
		t.Fatalf("Incr() error = %v", err)
	}

	// Set a short expiration (minimum 1 second for Redis)
	if err := client.Expire(ctx, "expire-test", 1*time.Second); err != nil {
		t.Fatalf("Expire() error = %v", err)
	}

	// Wait for expiration
	time.Sleep(1500 * time.Millisecond)

	val, _ := client.Get(ctx, "expire-test")
	if val != "" {
		t.Errorf("key should have expired, got %q", val)
	}
}

func TestRateLimiter_Integration(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	limiter := NewRateLimiter(client, "test-limit", 3, 60)

	// First 3 requests should be allowed
	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "203.0.113.7")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
	}

	// 4th request should be denied
	allowed, err := limiter.Allow(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if allowed {
		t.Error("4th request should be denied")
	}

	// A different caller has its own window
	allowed, err = limiter.Allow(ctx, "203.0.113.8")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !allowed {
		t.Error("different caller should be allowed")
	}
}

func TestRateLimiter_Remaining_Integration(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	limiter := NewRateLimiter(client, "remaining-test", 5, 60)

	// Initially all remaining
	remaining, err := limiter.Remaining(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("Remaining() error = %v", err)
	}
	if remaining != 5 {
		t.Errorf("Remaining() = %d, want 5", remaining)
	}

	// Use 2 requests
	_, _ = limiter.Allow(ctx, "203.0.113.7")
	_, _ = limiter.Allow(ctx, "203.0.113.7")

	remaining, err = limiter.Remaining(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("Remaining() error = %v", err)
	}
	if remaining != 3 {
		t.Errorf("Remaining() = %d, want 3", remaining)
	}

	// Past the limit it clamps to zero
	for i := 0; i < 5; i++ {
		_, _ = limiter.Allow(ctx, "203.0.113.7")
	}
	remaining, err = limiter.Remaining(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("Remaining() error = %v", err)
	}
	if remaining != 0 {
		t.Errorf("Remaining() = %d, want 0 past the limit", remaining)
	}
}

func TestRateLimiter_WindowExpires_Integration(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	limiter := NewRateLimiter(client, "window-test", 2, 1)

	_, _ = limiter.Allow(ctx, "203.0.113.7")
	_, _ = limiter.Allow(ctx, "203.0.113.7")

	allowed, err := limiter.Allow(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if allowed {
		t.Error("3rd request in window should be denied")
	}

	// Wait out the window
	time.Sleep(1500 * time.Millisecond)

	allowed, err = limiter.Allow(ctx, "203.0.113.7")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !allowed {
		t.Error("request after window expiry should be allowed")
	}
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestClientLimiterCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewClientLimiter(client, 2, 1, time.Minute)

	allowed, _, err := limiter.Allow(ctx, "client-1")
	if err != nil || !allowed {
		t.Fatalf("expected first enqueue allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = limiter.Allow(ctx, "client-1")
	if !allowed {
		t.Fatalf("expected second enqueue allowed")
	}
	allowed, _, _ = limiter.Allow(ctx, "client-1")
	if allowed {
		t.Fatalf("expected third enqueue rejected at capacity")
	}

	// Buckets are per client; a different client still has tokens.
	allowed, _, _ = limiter.Allow(ctx, "client-2")
	if !allowed {
		t.Fatalf("expected separate bucket for another client")
	}

	// Note: refill cannot be tested with miniredis.FastForward() because the
	// Lua script takes its clock from Go's time.Now(), not Redis.
}

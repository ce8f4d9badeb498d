package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"erp-bridge/internal/models"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 2, 1, time.Minute)

	allowed, _, err := bucket.AllowOperation(ctx, "mario", models.OpPlaceOrder)
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.AllowOperation(ctx, "mario", models.OpPlaceOrder)
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.AllowOperation(ctx, "mario", models.OpPlaceOrder)
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}

	// Buckets are per user: a different user is unaffected.
	allowed, _, _ = bucket.AllowOperation(ctx, "luigi", models.OpPlaceOrder)
	if !allowed {
		t.Fatalf("expected independent bucket for second user")
	}
}

// A dataset refresh costs more than a business operation, so a user cannot
// stack refreshes the way they can stack orders.
func TestRefreshCostsMore(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewTokenBucket(client, 4, 0.1, time.Minute)

	allowed, remaining, err := bucket.AllowOperation(ctx, "mario", models.OpSyncOrders)
	if err != nil || !allowed {
		t.Fatalf("expected first refresh allowed got allowed=%v err=%v", allowed, err)
	}
	if remaining != 1 {
		t.Fatalf("remaining = %v, want 1", remaining)
	}
	allowed, _, _ = bucket.AllowOperation(ctx, "mario", models.OpSyncOrders)
	if allowed {
		t.Fatalf("expected second refresh rejected")
	}

	// The leftover token still covers a cheap business operation.
	allowed, _, _ = bucket.AllowOperation(ctx, "mario", models.OpPlaceOrder)
	if !allowed {
		t.Fatalf("expected business operation to fit in the remainder")
	}
}

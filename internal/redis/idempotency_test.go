package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestIdempotencyService_NewRequest(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())

	result, err := svc.CheckOrReserve(context.Background(), "client-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}
}

func TestIdempotencyService_DuplicateRequest(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "client-1", "key-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, "client-1", "key-1"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotencyService_CachedResult(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	stored := &IdempotencyResult{
		NotificationID: "notif-123",
		StatusCode:     202,
		Deferred:       true,
		Reason:         "quiet_hours",
	}
	if err := svc.Store(ctx, "client-1", "key-1", stored, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	result, err := svc.CheckOrReserve(ctx, "client-1", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected cached result")
	}
	if result.NotificationID != "notif-123" || !result.Deferred || result.Reason != "quiet_hours" {
		t.Errorf("unexpected cached result: %+v", result)
	}
	if result.CreatedAt == 0 {
		t.Error("expected CreatedAt to be stamped")
	}
}

func TestIdempotencyService_ClientIsolation(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "client-A", "same-key"); err != nil {
		t.Fatalf("client A failed: %v", err)
	}

	result, err := svc.CheckOrReserve(ctx, "client-B", "same-key")
	if err != nil {
		t.Fatalf("client B should succeed: %v", err)
	}
	if result != nil {
		t.Fatal("client B should get nil (new request)")
	}
}

func TestIdempotencyService_ReleaseAllowsRetry(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "client-1", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := svc.Release(ctx, "client-1", "key-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	result, err := svc.CheckOrReserve(ctx, "client-1", "key-1")
	if err != nil || result != nil {
		t.Fatalf("expected a fresh reservation, got %+v, %v", result, err)
	}
}

func TestIdempotencyService_ReleaseKeepsStoredResult(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if err := svc.Store(ctx, "client-1", "key-1", &IdempotencyResult{NotificationID: "n-1", StatusCode: 201}, IdempotencyTTLExact); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if err := svc.Release(ctx, "client-1", "key-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	cached, err := svc.Check(ctx, "client-1", "key-1")
	if err != nil || cached == nil || cached.NotificationID != "n-1" {
		t.Fatalf("stored result should survive release, got %+v, %v", cached, err)
	}
}

func TestIdempotencyService_ReservationExpires(t *testing.T) {
	client, mr := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "client-1", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	mr.FastForward(processingTTL + time.Second)

	if result, err := svc.CheckOrReserve(ctx, "client-1", "key-1"); err != nil || result != nil {
		t.Fatalf("expected expired reservation to be reusable, got %+v, %v", result, err)
	}
}

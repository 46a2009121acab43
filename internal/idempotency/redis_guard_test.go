package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/suriyaw/concert-gate/pkg/redis"
)

func getTestClient(t *testing.T) *redis.Client {
	t.Helper()

	if os.Getenv("INTEGRATION_TEST") != "true" {
		t.Skip("Skipping integration test. Set INTEGRATION_TEST=true to run")
	}

	cfg := redis.DefaultConfig()
	if host := os.Getenv("TEST_REDIS_HOST"); host != "" {
		cfg.Host = host
	}

	client, err := redis.NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to connect to redis: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return client
}

func TestRedisGuard_TryBegin_Integration(t *testing.T) {
	client := getTestClient(t)
	ctx := context.Background()

	g := NewRedisGuard(client, time.Minute)
	key := "test-claim-" + time.Now().Format("20060102150405.000")
	defer client.Del(ctx, recordKey(key))

	won, err := g.TryBegin(ctx, key)
	if err != nil {
		t.Fatalf("TryBegin failed: %v", err)
	}
	if !won {
		t.Fatal("Expected first TryBegin to win")
	}

	// Second claim must lose
	won2, err := g.TryBegin(ctx, key)
	if err != nil {
		t.Fatalf("Second TryBegin failed: %v", err)
	}
	if won2 {
		t.Error("Expected second TryBegin to lose")
	}

	rec, err := g.Fetch(ctx, key)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if rec == nil {
		t.Fatal("Expected record after claim")
	}
	if rec.Status != StatusProcessing {
		t.Errorf("Expected status PROCESSING, got %s", rec.Status)
	}
}

func TestRedisGuard_CompleteAndReplay_Integration(t *testing.T) {
	client := getTestClient(t)
	ctx := context.Background()

	g := NewRedisGuard(client, time.Minute)
	key := "test-complete-" + time.Now().Format("20060102150405.000")
	defer client.Del(ctx, recordKey(key))

	if _, err := g.TryBegin(ctx, key); err != nil {
		t.Fatalf("TryBegin failed: %v", err)
	}

	payload := []byte(`{"hold_id":"abc"}`)
	if err := g.Complete(ctx, key, payload); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	rec, err := g.Fetch(ctx, key)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if rec.Status != StatusSuccess {
		t.Errorf("Expected status SUCCESS, got %s", rec.Status)
	}
	if string(rec.Payload) != string(payload) {
		t.Errorf("Expected payload %s, got %s", payload, rec.Payload)
	}
	if rec.CompletedAt == nil {
		t.Error("Expected completed_at to be set")
	}

	// Terminal records never transition again
	if err := g.Fail(ctx, key, "too late"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	rec, _ = g.Fetch(ctx, key)
	if rec.Status != StatusSuccess {
		t.Errorf("Expected SUCCESS to be sticky, got %s", rec.Status)
	}
}

func TestRedisGuard_Fail_Integration(t *testing.T) {
	client := getTestClient(t)
	ctx := context.Background()

	g := NewRedisGuard(client, time.Minute)
	key := "test-fail-" + time.Now().Format("20060102150405.000")
	defer client.Del(ctx, recordKey(key))

	if _, err := g.TryBegin(ctx, key); err != nil {
		t.Fatalf("TryBegin failed: %v", err)
	}

	if err := g.Fail(ctx, key, "seats taken"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	rec, err := g.Fetch(ctx, key)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if rec.Status != StatusFailed {
		t.Errorf("Expected status FAILED, got %s", rec.Status)
	}
	if rec.Reason != "seats taken" {
		t.Errorf("Expected reason 'seats taken', got '%s'", rec.Reason)
	}
}

func TestRedisGuard_IsInProgress_Integration(t *testing.T) {
	client := getTestClient(t)
	ctx := context.Background()

	g := NewRedisGuard(client, time.Minute)
	key := "test-inprogress-" + time.Now().Format("20060102150405.000")
	defer client.Del(ctx, recordKey(key))

	inProgress, err := g.IsInProgress(ctx, key)
	if err != nil {
		t.Fatalf("IsInProgress failed: %v", err)
	}
	if inProgress {
		t.Error("Expected unknown key to not be in progress")
	}

	if _, err := g.TryBegin(ctx, key); err != nil {
		t.Fatalf("TryBegin failed: %v", err)
	}
	inProgress, err = g.IsInProgress(ctx, key)
	if err != nil {
		t.Fatalf("IsInProgress failed: %v", err)
	}
	if !inProgress {
		t.Error("Expected claimed key to be in progress")
	}

	if err := g.Complete(ctx, key, []byte(`{}`)); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	inProgress, err = g.IsInProgress(ctx, key)
	if err != nil {
		t.Fatalf("IsInProgress failed: %v", err)
	}
	if inProgress {
		t.Error("Expected terminal key to not be in progress")
	}
}

func TestRedisGuard_Fetch_Unknown_Integration(t *testing.T) {
	client := getTestClient(t)
	ctx := context.Background()

	g := NewRedisGuard(client, time.Minute)

	rec, err := g.Fetch(ctx, "test-missing-"+time.Now().Format("20060102150405.000"))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if rec != nil {
		t.Error("Expected nil record for unknown key")
	}
}

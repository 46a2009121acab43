package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/suriyaw/concert-gate/internal/domain"
	pkgredis "github.com/suriyaw/concert-gate/pkg/redis"
)

func getTestRedis(t *testing.T) *pkgredis.Client {
	t.Helper()

	if os.Getenv("INTEGRATION_TEST") != "true" {
		t.Skip("Skipping integration test. Set INTEGRATION_TEST=true to run")
	}

	cfg := pkgredis.DefaultConfig()
	if host := os.Getenv("TEST_REDIS_HOST"); host != "" {
		cfg.Host = host
	}

	client, err := pkgredis.NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to connect to redis: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return client
}

func cleanupSchedule(t *testing.T, client *pkgredis.Client, scheduleID int64) {
	t.Helper()
	ctx := context.Background()
	client.Del(ctx,
		domain.WaitingQueueKey(scheduleID),
		domain.PermitsUsedKey(scheduleID),
	)
	client.SRem(ctx, domain.ActiveWaitingSetKey, scheduleID)
}

func TestRedisWaitingRepository_EnqueueAndRank_Integration(t *testing.T) {
	client := getTestRedis(t)
	ctx := context.Background()

	repo := NewRedisWaitingRepository(client)
	scheduleID := time.Now().UnixNano()
	defer cleanupSchedule(t, client, scheduleID)

	// Two users, second arrives later
	if err := repo.Enqueue(ctx, scheduleID, "user-1:aaa", 1000); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := repo.Enqueue(ctx, scheduleID, "user-2:bbb", 2000); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Re-enqueue must not move the user back
	if err := repo.Enqueue(ctx, scheduleID, "user-1:aaa", 9000); err != nil {
		t.Fatalf("Re-enqueue failed: %v", err)
	}

	rank, err := repo.Rank(ctx, scheduleID, "user-1:aaa")
	if err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	if !rank.IsWaiting {
		t.Fatal("Expected user-1 to be waiting")
	}
	if rank.Rank != 0 {
		t.Errorf("Expected rank 0 for earliest arrival, got %d", rank.Rank)
	}
	if rank.TotalWaiting != 2 {
		t.Errorf("Expected 2 waiting, got %d", rank.TotalWaiting)
	}

	// Unknown user is not waiting but still sees the queue size
	rank, err = repo.Rank(ctx, scheduleID, "user-3:ccc")
	if err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	if rank.IsWaiting {
		t.Error("Expected unknown user to not be waiting")
	}
	if rank.TotalWaiting != 2 {
		t.Errorf("Expected 2 waiting, got %d", rank.TotalWaiting)
	}

	// Schedule must be in the active set
	active, err := repo.ActiveSchedules(ctx)
	if err != nil {
		t.Fatalf("ActiveSchedules failed: %v", err)
	}
	found := false
	for _, id := range active {
		if id == scheduleID {
			found = true
		}
	}
	if !found {
		t.Error("Expected schedule in active set after enqueue")
	}
}

func TestRedisWaitingRepository_PopLowestAndRequeue_Integration(t *testing.T) {
	client := getTestRedis(t)
	ctx := context.Background()

	repo := NewRedisWaitingRepository(client)
	scheduleID := time.Now().UnixNano()
	defer cleanupSchedule(t, client, scheduleID)

	repo.Enqueue(ctx, scheduleID, "user-1:aaa", 1000)
	repo.Enqueue(ctx, scheduleID, "user-2:bbb", 2000)
	repo.Enqueue(ctx, scheduleID, "user-3:ccc", 3000)

	entries, err := repo.PopLowest(ctx, scheduleID, 2)
	if err != nil {
		t.Fatalf("PopLowest failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].UserKey != "user-1:aaa" || entries[1].UserKey != "user-2:bbb" {
		t.Errorf("Expected earliest arrivals first, got %v", entries)
	}

	// Requeue the first at its original score and it must be first again
	if err := repo.Requeue(ctx, scheduleID, entries[0]); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}

	rank, err := repo.Rank(ctx, scheduleID, "user-1:aaa")
	if err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	if rank.Rank != 0 {
		t.Errorf("Expected requeued user at rank 0, got %d", rank.Rank)
	}
}

func TestRedisWaitingRepository_Permits_Integration(t *testing.T) {
	client := getTestRedis(t)
	ctx := context.Background()

	repo := NewRedisWaitingRepository(client)
	scheduleID := time.Now().UnixNano()
	defer cleanupSchedule(t, client, scheduleID)

	// Take 3 of 5
	taken, err := repo.AcquirePermits(ctx, scheduleID, 3, 5)
	if err != nil {
		t.Fatalf("AcquirePermits failed: %v", err)
	}
	if taken != 3 {
		t.Errorf("Expected 3 permits taken, got %d", taken)
	}

	// Asking for 10 more is clamped to the remaining 2
	taken, err = repo.AcquirePermits(ctx, scheduleID, 10, 5)
	if err != nil {
		t.Fatalf("AcquirePermits failed: %v", err)
	}
	if taken != 2 {
		t.Errorf("Expected clamp to 2 remaining permits, got %d", taken)
	}

	// Full: nothing more to take
	taken, err = repo.AcquirePermits(ctx, scheduleID, 1, 5)
	if err != nil {
		t.Fatalf("AcquirePermits failed: %v", err)
	}
	if taken != 0 {
		t.Errorf("Expected 0 permits when full, got %d", taken)
	}

	used, err := repo.UsedPermits(ctx, scheduleID)
	if err != nil {
		t.Fatalf("UsedPermits failed: %v", err)
	}
	if used != 5 {
		t.Errorf("Expected 5 used, got %d", used)
	}

	// Release is clamped at zero
	released, err := repo.ReleasePermits(ctx, scheduleID, 100)
	if err != nil {
		t.Fatalf("ReleasePermits failed: %v", err)
	}
	if released != 5 {
		t.Errorf("Expected 5 released, got %d", released)
	}

	used, _ = repo.UsedPermits(ctx, scheduleID)
	if used != 0 {
		t.Errorf("Expected 0 used after release, got %d", used)
	}

	released, err = repo.ReleasePermits(ctx, scheduleID, 1)
	if err != nil {
		t.Fatalf("ReleasePermits failed: %v", err)
	}
	if released != 0 {
		t.Errorf("Expected 0 released on empty counter, got %d", released)
	}
}

func TestRedisHoldRepository_Lifecycle_Integration(t *testing.T) {
	client := getTestRedis(t)
	ctx := context.Background()

	repo := NewRedisHoldRepository(client)
	scheduleID := time.Now().UnixNano()
	seatIDs := []int64{10, 11, 12}
	defer func() {
		for _, seatID := range seatIDs {
			client.Del(ctx, domain.SeatHoldKey(scheduleID, seatID))
		}
	}()

	err := repo.CreateHolds(ctx, CreateHoldsParams{
		ScheduleID: scheduleID,
		SeatIDs:    seatIDs,
		HolderID:   "holder-a",
		TTL:        time.Minute,
	})
	if err != nil {
		t.Fatalf("CreateHolds failed: %v", err)
	}

	holders, err := repo.HoldersOf(ctx, scheduleID, []int64{10, 11, 12, 13})
	if err != nil {
		t.Fatalf("HoldersOf failed: %v", err)
	}
	if len(holders) != 3 {
		t.Errorf("Expected 3 held seats, got %d", len(holders))
	}
	if holders[10] != "holder-a" {
		t.Errorf("Expected holder-a for seat 10, got %s", holders[10])
	}
	if _, ok := holders[13]; ok {
		t.Error("Expected seat 13 to be unheld")
	}

	ttl, err := repo.HoldTTL(ctx, scheduleID, 10, "holder-a")
	if err != nil {
		t.Fatalf("HoldTTL failed: %v", err)
	}
	if ttl <= 0 || ttl > 60 {
		t.Errorf("Expected TTL in (0, 60], got %d", ttl)
	}

	// Ownership check on TTL
	ttl, err = repo.HoldTTL(ctx, scheduleID, 10, "holder-b")
	if err != nil {
		t.Fatalf("HoldTTL failed: %v", err)
	}
	if ttl != domain.TTLNotHeld {
		t.Errorf("Expected TTLNotHeld for foreign holder, got %d", ttl)
	}

	// Foreign holder cannot release
	released, err := repo.ReleaseHolds(ctx, scheduleID, seatIDs, "holder-b")
	if err != nil {
		t.Fatalf("ReleaseHolds failed: %v", err)
	}
	if released != 0 {
		t.Errorf("Expected 0 released for foreign holder, got %d", released)
	}

	released, err = repo.ReleaseHolds(ctx, scheduleID, seatIDs, "holder-a")
	if err != nil {
		t.Fatalf("ReleaseHolds failed: %v", err)
	}
	if released != 3 {
		t.Errorf("Expected 3 released, got %d", released)
	}

	holders, _ = repo.HoldersOf(ctx, scheduleID, seatIDs)
	if len(holders) != 0 {
		t.Errorf("Expected no holds after release, got %d", len(holders))
	}
}

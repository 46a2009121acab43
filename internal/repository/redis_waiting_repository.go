package repository

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/suriyaw/concert-gate/internal/domain"
	pkgredis "github.com/suriyaw/concert-gate/pkg/redis"
	"github.com/suriyaw/concert-gate/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

//go:embed scripts/acquire_permits.lua
var acquirePermitsScript string

//go:embed scripts/release_permits.lua
var releasePermitsScript string

// Script names for caching
const (
	scriptAcquirePermits = "acquire_permits"
	scriptReleasePermits = "release_permits"
)

// RedisWaitingRepository implements WaitingRepository using Redis
type RedisWaitingRepository struct {
	client *pkgredis.Client
}

// NewRedisWaitingRepository creates a new RedisWaitingRepository
func NewRedisWaitingRepository(client *pkgredis.Client) *RedisWaitingRepository {
	return &RedisWaitingRepository{client: client}
}

// LoadScripts loads all waiting room Lua scripts into Redis
func (r *RedisWaitingRepository) LoadScripts(ctx context.Context) error {
	scripts := map[string]string{
		scriptAcquirePermits: acquirePermitsScript,
		scriptReleasePermits: releasePermitsScript,
	}

	for name, script := range scripts {
		if _, err := r.client.LoadScript(ctx, name, script); err != nil {
			return fmt.Errorf("failed to load script %s: %w", name, err)
		}
	}

	return nil
}

// Enqueue adds a user to the schedule's queue and marks the schedule active
func (r *RedisWaitingRepository) Enqueue(ctx context.Context, scheduleID int64, userKey string, score float64) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.waiting.enqueue")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("schedule_id", scheduleID),
		attribute.String("user_key", userKey),
	)

	pipe := r.client.Pipeline()
	// NX keeps the original arrival score when the same user retries
	pipe.ZAddNX(ctx, domain.WaitingQueueKey(scheduleID), goredis.Z{Score: score, Member: userKey})
	pipe.SAdd(ctx, domain.ActiveWaitingSetKey, scheduleID)

	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to enqueue waiting user: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Rank returns the user's zero-based position and the queue size
func (r *RedisWaitingRepository) Rank(ctx context.Context, scheduleID int64, userKey string) (*RankResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.waiting.rank")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("schedule_id", scheduleID),
		attribute.String("user_key", userKey),
	)

	queueKey := domain.WaitingQueueKey(scheduleID)

	pipe := r.client.Pipeline()
	rankCmd := pipe.ZRank(ctx, queueKey, userKey)
	cardCmd := pipe.ZCard(ctx, queueKey)

	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get waiting rank: %w", err)
	}

	total, err := cardCmd.Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get queue size: %w", err)
	}

	rank, err := rankCmd.Result()
	if err == goredis.Nil {
		span.SetStatus(codes.Ok, "not waiting")
		return &RankResult{TotalWaiting: total, IsWaiting: false}, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get waiting rank: %w", err)
	}

	span.SetAttributes(
		attribute.Int64("rank", rank),
		attribute.Int64("total_waiting", total),
	)
	span.SetStatus(codes.Ok, "")
	return &RankResult{Rank: rank, TotalWaiting: total, IsWaiting: true}, nil
}

// Remove drops a user from the queue
func (r *RedisWaitingRepository) Remove(ctx context.Context, scheduleID int64, userKey string) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.waiting.remove")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("schedule_id", scheduleID),
		attribute.String("user_key", userKey),
	)

	if _, err := r.client.ZRem(ctx, domain.WaitingQueueKey(scheduleID), userKey).Result(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to remove waiting user: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// PopLowest removes and returns up to count earliest-arrival entries
func (r *RedisWaitingRepository) PopLowest(ctx context.Context, scheduleID int64, count int64) ([]domain.WaitingEntry, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.waiting.pop_lowest")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("schedule_id", scheduleID),
		attribute.Int64("count", count),
	)

	popped, err := r.client.ZPopMin(ctx, domain.WaitingQueueKey(scheduleID), count).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to pop waiting users: %w", err)
	}

	entries := make([]domain.WaitingEntry, 0, len(popped))
	for _, z := range popped {
		userKey, ok := z.Member.(string)
		if !ok {
			continue
		}
		entries = append(entries, domain.WaitingEntry{UserKey: userKey, Score: z.Score})
	}

	span.SetAttributes(attribute.Int("popped", len(entries)))
	span.SetStatus(codes.Ok, "")
	return entries, nil
}

// Requeue puts a popped entry back at its original score
func (r *RedisWaitingRepository) Requeue(ctx context.Context, scheduleID int64, entry domain.WaitingEntry) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.waiting.requeue")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("schedule_id", scheduleID),
		attribute.String("user_key", entry.UserKey),
	)

	err := r.client.ZAdd(ctx, domain.WaitingQueueKey(scheduleID), goredis.Z{
		Score:  entry.Score,
		Member: entry.UserKey,
	}).Err()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to requeue waiting user: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// QueueSize returns the number of waiting users
func (r *RedisWaitingRepository) QueueSize(ctx context.Context, scheduleID int64) (int64, error) {
	count, err := r.client.ZCard(ctx, domain.WaitingQueueKey(scheduleID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue size: %w", err)
	}
	return count, nil
}

// QueueUserKeys returns all waiting user keys in queue order
func (r *RedisWaitingRepository) QueueUserKeys(ctx context.Context, scheduleID int64) ([]string, error) {
	keys, err := r.client.ZRange(ctx, domain.WaitingQueueKey(scheduleID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get queue members: %w", err)
	}
	return keys, nil
}

// ActiveSchedules lists schedules that currently have waiting activity
func (r *RedisWaitingRepository) ActiveSchedules(ctx context.Context) ([]int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.waiting.active_schedules")
	defer span.End()

	members, err := r.client.SMembers(ctx, domain.ActiveWaitingSetKey).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get active schedules: %w", err)
	}

	scheduleIDs := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		scheduleIDs = append(scheduleIDs, id)
	}

	span.SetAttributes(attribute.Int("count", len(scheduleIDs)))
	span.SetStatus(codes.Ok, "")
	return scheduleIDs, nil
}

// DeactivateSchedule removes a schedule from the active set
func (r *RedisWaitingRepository) DeactivateSchedule(ctx context.Context, scheduleID int64) error {
	if err := r.client.SRem(ctx, domain.ActiveWaitingSetKey, scheduleID).Err(); err != nil {
		return fmt.Errorf("failed to deactivate schedule: %w", err)
	}
	return nil
}

// AcquirePermits takes up to n permits, clamped to remaining capacity
func (r *RedisWaitingRepository) AcquirePermits(ctx context.Context, scheduleID int64, n, capacity int64) (int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.waiting.acquire_permits")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("schedule_id", scheduleID),
		attribute.Int64("requested", n),
		attribute.Int64("capacity", capacity),
	)

	keys := []string{domain.PermitsUsedKey(scheduleID)}
	taken, err := r.client.EvalWithFallback(ctx, scriptAcquirePermits, acquirePermitsScript, keys, n, capacity).Int64()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to execute acquire_permits script: %w", err)
	}

	span.SetAttributes(attribute.Int64("taken", taken))
	span.SetStatus(codes.Ok, "")
	return taken, nil
}

// ReleasePermits returns up to n permits, clamped at zero
func (r *RedisWaitingRepository) ReleasePermits(ctx context.Context, scheduleID int64, n int64) (int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.waiting.release_permits")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("schedule_id", scheduleID),
		attribute.Int64("requested", n),
	)

	keys := []string{domain.PermitsUsedKey(scheduleID)}
	released, err := r.client.EvalWithFallback(ctx, scriptReleasePermits, releasePermitsScript, keys, n).Int64()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to execute release_permits script: %w", err)
	}

	span.SetAttributes(attribute.Int64("released", released))
	span.SetStatus(codes.Ok, "")
	return released, nil
}

// UsedPermits returns the current permit counter value
func (r *RedisWaitingRepository) UsedPermits(ctx context.Context, scheduleID int64) (int64, error) {
	val, err := r.client.Get(ctx, domain.PermitsUsedKey(scheduleID)).Int64()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get used permits: %w", err)
	}
	return val, nil
}

// StoreAdmittedToken stores an admitted user's token under a TTL
func (r *RedisWaitingRepository) StoreAdmittedToken(ctx context.Context, scheduleID int64, userKey, token string, ttl time.Duration) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.waiting.store_admitted_token")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("schedule_id", scheduleID),
		attribute.String("user_key", userKey),
	)

	key := domain.AdmittedTokenKey(scheduleID, userKey)
	if err := r.client.Set(ctx, key, token, ttl).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to store admitted token: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// GetAdmittedToken returns the stored token, or "" when absent
func (r *RedisWaitingRepository) GetAdmittedToken(ctx context.Context, scheduleID int64, userKey string) (string, error) {
	token, err := r.client.Get(ctx, domain.AdmittedTokenKey(scheduleID, userKey)).Result()
	if err == goredis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get admitted token: %w", err)
	}
	return token, nil
}

// Ensure RedisWaitingRepository implements WaitingRepository
var _ WaitingRepository = (*RedisWaitingRepository)(nil)

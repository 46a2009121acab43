package repository

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/suriyaw/concert-gate/internal/domain"
	pkgredis "github.com/suriyaw/concert-gate/pkg/redis"
	"github.com/suriyaw/concert-gate/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

//go:embed scripts/release_hold.lua
var releaseHoldScript string

//go:embed scripts/hold_ttl.lua
var holdTTLScript string

// Script names for caching
const (
	scriptReleaseHold = "release_hold"
	scriptHoldTTL     = "hold_ttl"
)

// RedisHoldRepository implements HoldRepository using Redis
type RedisHoldRepository struct {
	client *pkgredis.Client
}

// NewRedisHoldRepository creates a new RedisHoldRepository
func NewRedisHoldRepository(client *pkgredis.Client) *RedisHoldRepository {
	return &RedisHoldRepository{client: client}
}

// LoadScripts loads all hold Lua scripts into Redis
func (r *RedisHoldRepository) LoadScripts(ctx context.Context) error {
	scripts := map[string]string{
		scriptReleaseHold: releaseHoldScript,
		scriptHoldTTL:     holdTTLScript,
	}

	for name, script := range scripts {
		if _, err := r.client.LoadScript(ctx, name, script); err != nil {
			return fmt.Errorf("failed to load script %s: %w", name, err)
		}
	}

	return nil
}

// HoldersOf returns the current holder per seat
func (r *RedisHoldRepository) HoldersOf(ctx context.Context, scheduleID int64, seatIDs []int64) (map[int64]string, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.hold.holders_of")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("schedule_id", scheduleID),
		attribute.Int("seat_count", len(seatIDs)),
	)

	if len(seatIDs) == 0 {
		span.SetStatus(codes.Ok, "")
		return map[int64]string{}, nil
	}

	keys := make([]string, len(seatIDs))
	for i, seatID := range seatIDs {
		keys[i] = domain.SeatHoldKey(scheduleID, seatID)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get seat holders: %w", err)
	}

	holders := make(map[int64]string, len(seatIDs))
	for i, v := range values {
		if v == nil {
			continue
		}
		if holder, ok := v.(string); ok && holder != "" {
			holders[seatIDs[i]] = holder
		}
	}

	span.SetAttributes(attribute.Int("held_count", len(holders)))
	span.SetStatus(codes.Ok, "")
	return holders, nil
}

// CreateHolds writes one hold key per seat with the given TTL
func (r *RedisHoldRepository) CreateHolds(ctx context.Context, params CreateHoldsParams) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.hold.create")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("schedule_id", params.ScheduleID),
		attribute.Int("seat_count", len(params.SeatIDs)),
		attribute.String("holder_id", params.HolderID),
	)

	pipe := r.client.Pipeline()
	for _, seatID := range params.SeatIDs {
		pipe.Set(ctx, domain.SeatHoldKey(params.ScheduleID, seatID), params.HolderID, params.TTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create seat holds: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// ReleaseHolds deletes holds owned by holderID, skipping foreign holds
func (r *RedisHoldRepository) ReleaseHolds(ctx context.Context, scheduleID int64, seatIDs []int64, holderID string) (int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.hold.release")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("schedule_id", scheduleID),
		attribute.Int("seat_count", len(seatIDs)),
		attribute.String("holder_id", holderID),
	)

	if len(seatIDs) == 0 {
		span.SetStatus(codes.Ok, "")
		return 0, nil
	}

	keys := make([]string, len(seatIDs))
	for i, seatID := range seatIDs {
		keys[i] = domain.SeatHoldKey(scheduleID, seatID)
	}

	released, err := r.client.EvalWithFallback(ctx, scriptReleaseHold, releaseHoldScript, keys, holderID).Int64()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to execute release_hold script: %w", err)
	}

	span.SetAttributes(attribute.Int64("released", released))
	span.SetStatus(codes.Ok, "")
	return released, nil
}

// HoldTTL returns remaining hold TTL in seconds with ownership checked
func (r *RedisHoldRepository) HoldTTL(ctx context.Context, scheduleID, seatID int64, holderID string) (int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.hold.ttl")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("schedule_id", scheduleID),
		attribute.Int64("seat_id", seatID),
	)

	key := domain.SeatHoldKey(scheduleID, seatID)
	ttl, err := r.client.EvalWithFallback(ctx, scriptHoldTTL, holdTTLScript, []string{key}, holderID).Int64()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.TTLNotHeld, fmt.Errorf("failed to execute hold_ttl script: %w", err)
	}

	span.SetAttributes(attribute.Int64("ttl_seconds", ttl))
	span.SetStatus(codes.Ok, "")
	return ttl, nil
}

// Ensure RedisHoldRepository implements HoldRepository
var _ HoldRepository = (*RedisHoldRepository)(nil)

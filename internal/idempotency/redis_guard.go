package idempotency

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/suriyaw/concert-gate/internal/domain"
	"github.com/suriyaw/concert-gate/pkg/redis"
	"github.com/suriyaw/concert-gate/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

//go:embed scripts/finish.lua
var finishScript string

const scriptFinish = "idempotency_finish"

const keyPrefix = "idem:"

// RedisGuard stores idempotency records as JSON values under a TTL.
// The claim itself is a single SETNX; terminal transitions go through a
// Lua compare-and-swap so a record can never leave a terminal state.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisGuard creates a Redis-backed idempotency guard
func NewRedisGuard(client *redis.Client, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisGuard{client: client, ttl: ttl}
}

// LoadScripts loads the finish Lua script into Redis
func (g *RedisGuard) LoadScripts(ctx context.Context) error {
	_, err := g.client.LoadScript(ctx, scriptFinish, finishScript)
	return err
}

func recordKey(key string) string {
	return keyPrefix + key
}

// TryBegin claims the key with a PROCESSING record
func (g *RedisGuard) TryBegin(ctx context.Context, key string) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "idempotency.try_begin")
	defer span.End()
	span.SetAttributes(attribute.String("idempotency_key", key))

	rec := Record{
		Key:       key,
		Status:    StatusProcessing,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("failed to marshal record: %w", err)
	}

	won, err := g.client.SetNX(ctx, recordKey(key), data, g.ttl).Result()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}

	span.SetAttributes(attribute.Bool("claimed", won))
	span.SetStatus(codes.Ok, "")
	return won, nil
}

// Complete marks the record SUCCESS with the payload to replay on duplicates
func (g *RedisGuard) Complete(ctx context.Context, key string, payload []byte) error {
	return g.finish(ctx, key, StatusSuccess, payload, "")
}

// Fail marks the record FAILED with a reason
func (g *RedisGuard) Fail(ctx context.Context, key string, reason string) error {
	return g.finish(ctx, key, StatusFailed, nil, reason)
}

func (g *RedisGuard) finish(ctx context.Context, key string, status Status, payload []byte, reason string) error {
	ctx, span := telemetry.StartSpan(ctx, "idempotency.finish")
	defer span.End()
	span.SetAttributes(
		attribute.String("idempotency_key", key),
		attribute.String("status", string(status)),
	)

	cur, err := g.Fetch(ctx, key)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if cur == nil {
		// Claim expired before the operation finished. Nothing to finish.
		span.SetStatus(codes.Ok, "")
		return nil
	}

	now := time.Now().UTC()
	rec := Record{
		Key:         key,
		Status:      status,
		Payload:     payload,
		Reason:      reason,
		CreatedAt:   cur.CreatedAt,
		CompletedAt: &now,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	_, err = g.client.EvalWithFallback(ctx, scriptFinish, finishScript, []string{recordKey(key)}, string(data)).Result()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to finish idempotency record: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// IsInProgress reports whether the key is claimed but not yet terminal
func (g *RedisGuard) IsInProgress(ctx context.Context, key string) (bool, error) {
	rec, err := g.Fetch(ctx, key)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.Status == StatusProcessing, nil
}

// Fetch returns the current record, or nil if the key is unknown
func (g *RedisGuard) Fetch(ctx context.Context, key string) (*Record, error) {
	ctx, span := telemetry.StartSpan(ctx, "idempotency.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("idempotency_key", key))

	data, err := g.client.Get(ctx, recordKey(key)).Bytes()
	if err == goredis.Nil {
		span.SetStatus(codes.Ok, "")
		return nil, nil
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return &rec, nil
}

var _ Guard = (*RedisGuard)(nil)

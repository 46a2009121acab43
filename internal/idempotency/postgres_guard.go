package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/suriyaw/concert-gate/internal/domain"
	"github.com/suriyaw/concert-gate/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const uniqueViolationCode = "23505"

// PostgresGuard implements Guard on a unique-keyed table. The race arbiter
// is the primary key constraint: the loser of a concurrent INSERT gets a
// unique violation, never a second claim.
type PostgresGuard struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// NewPostgresGuard creates a Postgres-backed idempotency guard
func NewPostgresGuard(pool *pgxpool.Pool, ttl time.Duration) *PostgresGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PostgresGuard{pool: pool, ttl: ttl}
}

// TryBegin claims the key with a PROCESSING row
func (g *PostgresGuard) TryBegin(ctx context.Context, key string) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "idempotency.postgres.try_begin")
	defer span.End()
	span.SetAttributes(attribute.String("idempotency_key", key))

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx)

	// Expired rows no longer shield their key. Clearing them in the same
	// transaction keeps the insert below as the single arbiter.
	cleanup := `DELETE FROM idempotency_records WHERE key = $1 AND expires_at < $2`
	if _, err := tx.Exec(ctx, cleanup, key, time.Now()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("failed to clear expired record: %w", err)
	}

	query := `
		INSERT INTO idempotency_records (key, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
	`

	now := time.Now()
	if _, err := tx.Exec(ctx, query, key, string(StatusProcessing), now, now.Add(g.ttl)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			span.SetAttributes(attribute.Bool("claimed", false))
			span.SetStatus(codes.Ok, "")
			return false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	span.SetAttributes(attribute.Bool("claimed", true))
	span.SetStatus(codes.Ok, "")
	return true, nil
}

// Complete marks the record SUCCESS with the payload to replay on duplicates
func (g *PostgresGuard) Complete(ctx context.Context, key string, payload []byte) error {
	return g.finish(ctx, key, StatusSuccess, payload, "")
}

// Fail marks the record FAILED with a reason
func (g *PostgresGuard) Fail(ctx context.Context, key string, reason string) error {
	return g.finish(ctx, key, StatusFailed, nil, reason)
}

func (g *PostgresGuard) finish(ctx context.Context, key string, status Status, payload []byte, reason string) error {
	ctx, span := telemetry.StartSpan(ctx, "idempotency.postgres.finish")
	defer span.End()
	span.SetAttributes(
		attribute.String("idempotency_key", key),
		attribute.String("status", string(status)),
	)

	query := `
		UPDATE idempotency_records SET
			status = $2,
			payload = $3,
			reason = $4,
			completed_at = $5
		WHERE key = $1 AND status = $6
	`

	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}

	_, err := g.pool.Exec(ctx, query, key, string(status), payload, reasonPtr, time.Now(), string(StatusProcessing))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to finish idempotency record: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Fetch returns the current record, or nil if the key is unknown or expired
func (g *PostgresGuard) Fetch(ctx context.Context, key string) (*Record, error) {
	ctx, span := telemetry.StartSpan(ctx, "idempotency.postgres.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("idempotency_key", key))

	query := `
		SELECT key, status, payload, reason, created_at, completed_at
		FROM idempotency_records
		WHERE key = $1 AND expires_at >= $2
	`

	rec := &Record{}
	var (
		status string
		reason *string
	)

	err := g.pool.QueryRow(ctx, query, key, time.Now()).Scan(
		&rec.Key,
		&status,
		&rec.Payload,
		&reason,
		&rec.CreatedAt,
		&rec.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Ok, "not found")
			return nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	rec.Status = Status(status)
	if reason != nil {
		rec.Reason = *reason
	}

	span.SetStatus(codes.Ok, "")
	return rec, nil
}

// IsInProgress reports whether the key is claimed but not yet terminal.
func (g *PostgresGuard) IsInProgress(ctx context.Context, key string) (bool, error) {
	rec, err := g.Fetch(ctx, key)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.Status == StatusProcessing, nil
}

var _ Guard = (*PostgresGuard)(nil)

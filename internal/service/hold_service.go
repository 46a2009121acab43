package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/suriyaw/concert-gate/internal/domain"
	"github.com/suriyaw/concert-gate/internal/dto"
	"github.com/suriyaw/concert-gate/internal/idempotency"
	"github.com/suriyaw/concert-gate/internal/lock"
	"github.com/suriyaw/concert-gate/internal/metrics"
	"github.com/suriyaw/concert-gate/internal/repository"
	"github.com/suriyaw/concert-gate/pkg/logger"
	"github.com/suriyaw/concert-gate/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// HoldService defines the interface for seat hold business logic
type HoldService interface {
	// CreateHold places a TTL hold on a set of seats for one holder
	CreateHold(ctx context.Context, holderID string, req *dto.CreateHoldRequest) (*dto.CreateHoldResponse, error)

	// ReleaseHold releases the holder's holds on the given seats
	ReleaseHold(ctx context.Context, holderID string, req *dto.ReleaseHoldRequest) (*dto.ReleaseHoldResponse, error)

	// HoldStatus reports the hold state of the given seats
	HoldStatus(ctx context.Context, holderID string, scheduleID int64, seatIDs []int64) (*dto.HoldStatusResponse, error)

	// ValidateHolds reports whether the holder owns leases on every listed seat
	ValidateHolds(ctx context.Context, holderID string, scheduleID int64, seatIDs []int64) (bool, error)

	// RemainingLifetime returns the smallest remaining lease TTL in seconds
	// across the listed seats. Sentinels: -2 when any seat is not held by the
	// caller, -1 when held with no expiry.
	RemainingLifetime(ctx context.Context, holderID string, scheduleID int64, seatIDs []int64) (int64, error)
}

// holdService implements HoldService
type holdService struct {
	locker    lock.Locker
	holdRepo  repository.HoldRepository
	guard     idempotency.Guard
	publisher EventPublisher
	holdTTL   time.Duration
	lockWait  time.Duration
	lockLease time.Duration
}

// HoldServiceConfig contains configuration for the hold service
type HoldServiceConfig struct {
	HoldTTL   time.Duration
	LockWait  time.Duration
	LockLease time.Duration
}

// NewHoldService creates a new hold service
func NewHoldService(
	locker lock.Locker,
	holdRepo repository.HoldRepository,
	guard idempotency.Guard,
	publisher EventPublisher,
	cfg *HoldServiceConfig,
) HoldService {
	holdTTL := domain.DefaultHoldTTL
	lockWait := domain.DefaultLockWait
	lockLease := domain.DefaultLockLease

	if cfg != nil {
		if cfg.HoldTTL > 0 {
			holdTTL = cfg.HoldTTL
		}
		if cfg.LockWait > 0 {
			lockWait = cfg.LockWait
		}
		if cfg.LockLease > 0 {
			lockLease = cfg.LockLease
		}
	}

	return &holdService{
		locker:    locker,
		holdRepo:  holdRepo,
		guard:     guard,
		publisher: publisher,
		holdTTL:   holdTTL,
		lockWait:  lockWait,
		lockLease: lockLease,
	}
}

// CreateHold places a TTL hold on a set of seats for one holder
func (s *holdService) CreateHold(ctx context.Context, holderID string, req *dto.CreateHoldRequest) (*dto.CreateHoldResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.hold.create")
	defer span.End()

	if req == nil || req.ScheduleID <= 0 {
		span.SetStatus(codes.Error, "invalid schedule_id")
		return nil, domain.ErrInvalidScheduleID
	}
	if len(req.SeatIDs) == 0 {
		span.SetStatus(codes.Error, "invalid seat_ids")
		return nil, domain.ErrInvalidSeatIDs
	}
	if holderID == "" {
		span.SetStatus(codes.Error, "invalid holder_id")
		return nil, domain.ErrInvalidHolderID
	}

	seatIDs := domain.DedupSeatIDs(req.SeatIDs)

	span.SetAttributes(
		attribute.Int64("schedule_id", req.ScheduleID),
		attribute.Int("seat_count", len(seatIDs)),
		attribute.String("holder_id", holderID),
	)

	// The idempotency guard runs before any locking so retried requests
	// never contend for seats they already processed.
	guarded := req.IdempotencyKey != ""
	if guarded {
		won, err := s.guard.TryBegin(ctx, req.IdempotencyKey)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if !won {
			resp, err := s.replay(ctx, req.IdempotencyKey)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			span.SetAttributes(attribute.Bool("replayed", true))
			span.SetStatus(codes.Ok, "")
			return resp, nil
		}
	}

	resp, err := s.createUnderLocks(ctx, req.ScheduleID, seatIDs, holderID)
	if err != nil {
		if guarded && errors.Is(err, domain.ErrSeatUnavailable) {
			if failErr := s.guard.Fail(ctx, req.IdempotencyKey, err.Error()); failErr != nil {
				logger.Get().Warn(fmt.Sprintf("Failed to record idempotency failure: %v", failErr))
			}
		}
		metrics.RecordHoldRejected(ctx, req.ScheduleID, rejectionReason(err))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if guarded {
		payload, marshalErr := json.Marshal(resp)
		if marshalErr == nil {
			if err := s.guard.Complete(ctx, req.IdempotencyKey, payload); err != nil {
				logger.Get().Warn(fmt.Sprintf("Failed to record idempotency success: %v", err))
			}
		}
	}

	if err := s.publisher.PublishHoldCreated(ctx, &domain.HoldSummary{
		ScheduleID: resp.ScheduleID,
		SeatIDs:    resp.SeatIDs,
		HolderID:   resp.HolderID,
		TTLSeconds: resp.TTLSeconds,
	}); err != nil {
		// Publishing is best effort; the hold already exists
		logger.Get().Warn(fmt.Sprintf("Failed to publish hold created event: %v", err))
	}

	metrics.RecordHoldCreated(ctx, resp.ScheduleID, len(resp.SeatIDs))
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

// replay resolves a lost idempotency claim against the stored record
func (s *holdService) replay(ctx context.Context, key string) (*dto.CreateHoldResponse, error) {
	metrics.RecordDuplicateRequest(ctx, "create_hold")

	rec, err := s.guard.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		// Claim vanished between TryBegin and Fetch: treat as in flight
		return nil, domain.ErrDuplicateRequest
	}

	switch rec.Status {
	case idempotency.StatusProcessing:
		return nil, domain.ErrDuplicateRequest
	case idempotency.StatusSuccess:
		// The stored response is returned untouched so duplicates see the
		// exact same body; the replayed span attribute marks the replay.
		var resp dto.CreateHoldResponse
		if err := json.Unmarshal(rec.Payload, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode stored response: %w", err)
		}
		return &resp, nil
	case idempotency.StatusFailed:
		return nil, domain.ErrSeatUnavailable
	default:
		return nil, domain.ErrDuplicateRequest
	}
}

// createUnderLocks does the availability check and hold creation with all
// seat locks held.
func (s *holdService) createUnderLocks(ctx context.Context, scheduleID int64, seatIDs []int64, holderID string) (*dto.CreateHoldResponse, error) {
	lockKeys := make([]string, len(seatIDs))
	for i, seatID := range seatIDs {
		lockKeys[i] = domain.SeatLockKey(scheduleID, seatID)
	}

	var resp *dto.CreateHoldResponse

	lockStart := time.Now()
	err := s.locker.WithLocks(ctx, lockKeys, s.lockWait, s.lockLease, func(ctx context.Context) error {
		metrics.RecordLockWait(ctx, time.Since(lockStart).Seconds(), true)

		holders, err := s.holdRepo.HoldersOf(ctx, scheduleID, seatIDs)
		if err != nil {
			return err
		}

		// Retry of a request whose holds already exist: report the
		// remaining window instead of failing on our own holds.
		if ownsAll(holders, seatIDs, holderID) {
			ttl, err := s.remainingTTL(ctx, scheduleID, seatIDs, holderID)
			if err != nil {
				return err
			}
			resp = &dto.CreateHoldResponse{
				ScheduleID: scheduleID,
				SeatIDs:    seatIDs,
				HolderID:   holderID,
				TTLSeconds: ttl,
				Message:    "Seats already held",
			}
			return nil
		}

		if len(holders) > 0 {
			return domain.ErrSeatUnavailable
		}

		if err := s.holdRepo.CreateHolds(ctx, repository.CreateHoldsParams{
			ScheduleID: scheduleID,
			SeatIDs:    seatIDs,
			HolderID:   holderID,
			TTL:        s.holdTTL,
		}); err != nil {
			return err
		}

		resp = &dto.CreateHoldResponse{
			ScheduleID: scheduleID,
			SeatIDs:    seatIDs,
			HolderID:   holderID,
			TTLSeconds: int64(s.holdTTL.Seconds()),
			Message:    "Seats held",
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			metrics.RecordLockWait(ctx, time.Since(lockStart).Seconds(), false)
			return nil, domain.ErrSeatUnavailable
		}
		return nil, err
	}

	return resp, nil
}

// remainingTTL returns the smallest remaining TTL across the holder's seats
func (s *holdService) remainingTTL(ctx context.Context, scheduleID int64, seatIDs []int64, holderID string) (int64, error) {
	min := int64(-1)
	for _, seatID := range seatIDs {
		ttl, err := s.holdRepo.HoldTTL(ctx, scheduleID, seatID, holderID)
		if err != nil {
			return 0, err
		}
		if ttl == domain.TTLNotHeld {
			// Hold expired between the ownership check and here
			return 0, domain.ErrSeatUnavailable
		}
		if ttl == domain.TTLNoExpiry {
			continue
		}
		if min < 0 || ttl < min {
			min = ttl
		}
	}
	if min < 0 {
		min = int64(s.holdTTL.Seconds())
	}
	return min, nil
}

// ownsAll reports whether holderID holds every seat in the set
func ownsAll(holders map[int64]string, seatIDs []int64, holderID string) bool {
	if len(holders) != len(seatIDs) {
		return false
	}
	for _, seatID := range seatIDs {
		if holders[seatID] != holderID {
			return false
		}
	}
	return true
}

// rejectionReason maps an error to a metric label
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrSeatUnavailable):
		return "seat_unavailable"
	case errors.Is(err, domain.ErrDuplicateRequest):
		return "duplicate"
	default:
		return "error"
	}
}

// ReleaseHold releases the holder's holds on the given seats
func (s *holdService) ReleaseHold(ctx context.Context, holderID string, req *dto.ReleaseHoldRequest) (*dto.ReleaseHoldResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.hold.release")
	defer span.End()

	if req == nil || req.ScheduleID <= 0 {
		span.SetStatus(codes.Error, "invalid schedule_id")
		return nil, domain.ErrInvalidScheduleID
	}
	if len(req.SeatIDs) == 0 {
		span.SetStatus(codes.Error, "invalid seat_ids")
		return nil, domain.ErrInvalidSeatIDs
	}
	if holderID == "" {
		span.SetStatus(codes.Error, "invalid holder_id")
		return nil, domain.ErrInvalidHolderID
	}

	seatIDs := domain.DedupSeatIDs(req.SeatIDs)

	span.SetAttributes(
		attribute.Int64("schedule_id", req.ScheduleID),
		attribute.Int("seat_count", len(seatIDs)),
		attribute.String("holder_id", holderID),
	)

	released, err := s.holdRepo.ReleaseHolds(ctx, req.ScheduleID, seatIDs, holderID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if released > 0 {
		if err := s.publisher.PublishHoldReleased(ctx, &domain.HoldSummary{
			ScheduleID: req.ScheduleID,
			SeatIDs:    seatIDs,
			HolderID:   holderID,
		}); err != nil {
			logger.Get().Warn(fmt.Sprintf("Failed to publish hold released event: %v", err))
		}
		metrics.RecordHoldReleased(ctx, req.ScheduleID, released)
	}

	span.SetAttributes(attribute.Int64("released", released))
	span.SetStatus(codes.Ok, "")
	return &dto.ReleaseHoldResponse{
		Released: released,
		Message:  fmt.Sprintf("Released %d hold(s)", released),
	}, nil
}

// HoldStatus reports the hold state of the given seats
func (s *holdService) HoldStatus(ctx context.Context, holderID string, scheduleID int64, seatIDs []int64) (*dto.HoldStatusResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.hold.status")
	defer span.End()

	if scheduleID <= 0 {
		span.SetStatus(codes.Error, "invalid schedule_id")
		return nil, domain.ErrInvalidScheduleID
	}
	if len(seatIDs) == 0 {
		span.SetStatus(codes.Error, "invalid seat_ids")
		return nil, domain.ErrInvalidSeatIDs
	}

	seatIDs = domain.DedupSeatIDs(seatIDs)

	span.SetAttributes(
		attribute.Int64("schedule_id", scheduleID),
		attribute.Int("seat_count", len(seatIDs)),
	)

	holders, err := s.holdRepo.HoldersOf(ctx, scheduleID, seatIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resp := &dto.HoldStatusResponse{
		ScheduleID: scheduleID,
		Holds:      make([]dto.SeatHoldStatus, 0, len(seatIDs)),
	}

	for _, seatID := range seatIDs {
		status := dto.SeatHoldStatus{SeatID: seatID}
		if holder, ok := holders[seatID]; ok {
			status.Held = true
			status.HolderID = holder
			if holder == holderID {
				status.HeldByYou = true
				if ttl, err := s.holdRepo.HoldTTL(ctx, scheduleID, seatID, holderID); err == nil && ttl > 0 {
					status.TTLSeconds = ttl
				}
			}
		}
		resp.Holds = append(resp.Holds, status)
	}

	span.SetStatus(codes.Ok, "")
	return resp, nil
}

// ValidateHolds reports whether the holder owns leases on every listed seat
func (s *holdService) ValidateHolds(ctx context.Context, holderID string, scheduleID int64, seatIDs []int64) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.hold.validate")
	defer span.End()

	if scheduleID <= 0 {
		span.SetStatus(codes.Error, "invalid schedule_id")
		return false, domain.ErrInvalidScheduleID
	}
	if len(seatIDs) == 0 {
		span.SetStatus(codes.Error, "invalid seat_ids")
		return false, domain.ErrInvalidSeatIDs
	}
	if holderID == "" {
		span.SetStatus(codes.Error, "invalid holder_id")
		return false, domain.ErrInvalidHolderID
	}

	seatIDs = domain.DedupSeatIDs(seatIDs)

	span.SetAttributes(
		attribute.Int64("schedule_id", scheduleID),
		attribute.Int("seat_count", len(seatIDs)),
		attribute.String("holder_id", holderID),
	)

	holders, err := s.holdRepo.HoldersOf(ctx, scheduleID, seatIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	valid := ownsAll(holders, seatIDs, holderID)
	span.SetAttributes(attribute.Bool("valid", valid))
	span.SetStatus(codes.Ok, "")
	return valid, nil
}

// RemainingLifetime returns the smallest remaining lease TTL in seconds
// across the listed seats. Payment flows poll this to decide whether the
// hold window is still open.
func (s *holdService) RemainingLifetime(ctx context.Context, holderID string, scheduleID int64, seatIDs []int64) (int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.hold.remaining_lifetime")
	defer span.End()

	if scheduleID <= 0 {
		span.SetStatus(codes.Error, "invalid schedule_id")
		return domain.TTLNotHeld, domain.ErrInvalidScheduleID
	}
	if len(seatIDs) == 0 {
		span.SetStatus(codes.Error, "invalid seat_ids")
		return domain.TTLNotHeld, domain.ErrInvalidSeatIDs
	}
	if holderID == "" {
		span.SetStatus(codes.Error, "invalid holder_id")
		return domain.TTLNotHeld, domain.ErrInvalidHolderID
	}

	seatIDs = domain.DedupSeatIDs(seatIDs)

	span.SetAttributes(
		attribute.Int64("schedule_id", scheduleID),
		attribute.Int("seat_count", len(seatIDs)),
		attribute.String("holder_id", holderID),
	)

	min := domain.TTLNoExpiry
	for _, seatID := range seatIDs {
		ttl, err := s.holdRepo.HoldTTL(ctx, scheduleID, seatID, holderID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return domain.TTLNotHeld, err
		}
		if ttl == domain.TTLNotHeld {
			// Not held at all, or held by a different holder
			span.SetAttributes(attribute.Int64("ttl_seconds", domain.TTLNotHeld))
			span.SetStatus(codes.Ok, "")
			return domain.TTLNotHeld, nil
		}
		if ttl == domain.TTLNoExpiry {
			continue
		}
		if min < 0 || ttl < min {
			min = ttl
		}
	}

	span.SetAttributes(attribute.Int64("ttl_seconds", min))
	span.SetStatus(codes.Ok, "")
	return min, nil
}

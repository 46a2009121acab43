package service

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/suriyaw/concert-gate/internal/domain"
	"github.com/suriyaw/concert-gate/internal/dto"
	"github.com/suriyaw/concert-gate/internal/lock"
	"github.com/suriyaw/concert-gate/internal/metrics"
	"github.com/suriyaw/concert-gate/internal/notifier"
	"github.com/suriyaw/concert-gate/internal/repository"
	"github.com/suriyaw/concert-gate/pkg/logger"
	"github.com/suriyaw/concert-gate/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// WaitingService defines the interface for waiting room business logic
type WaitingService interface {
	// EnterOrWait admits the user immediately when a permit is free,
	// otherwise places them in the schedule's queue.
	EnterOrWait(ctx context.Context, userID string, req *dto.EnterWaitingRequest) (*dto.EnterWaitingResponse, error)

	// Subscribe opens a rank event stream for a waiting user. The returned
	// cancel func must be called when the stream closes.
	Subscribe(ctx context.Context, scheduleID int64, userKey, userID string) (<-chan domain.RankEvent, func(), error)

	// Leave removes a user from the queue, abandoning their spot.
	Leave(ctx context.Context, scheduleID int64, userKey, userID string) error

	// AdmitFromQueues promotes waiting users into free permits across all
	// active schedules. Run periodically by the admission worker.
	AdmitFromQueues(ctx context.Context) error

	// PublishStatusSignal triggers a rank push on every instance.
	PublishStatusSignal(ctx context.Context) error

	// Status reports the aggregate state of one schedule's waiting room.
	Status(ctx context.Context, scheduleID int64) (*dto.WaitingStatusResponse, error)

	// ValidateAdmittedToken checks an admitted token's signature and claims.
	ValidateAdmittedToken(ctx context.Context, scheduleID int64, userKey, token string) error
}

// AdmissionBroadcaster publishes cross-instance waiting room signals.
// *notifier.RankNotifier is the production implementation.
type AdmissionBroadcaster interface {
	BroadcastAdmission(ctx context.Context, scheduleID int64, userKey, token string) error
	PublishStatusSignal(ctx context.Context) error
}

// waitingService implements WaitingService
type waitingService struct {
	waitingRepo      repository.WaitingRepository
	locker           lock.Locker
	registry         *notifier.Registry
	broadcaster      AdmissionBroadcaster
	publisher        EventPublisher
	permitCapacity   int64
	admittedTokenTTL time.Duration
	admitLockLease   time.Duration
	jwtSecret        string
	issuer           string
}

// WaitingServiceConfig contains configuration for the waiting service
type WaitingServiceConfig struct {
	PermitCapacity   int64
	AdmittedTokenTTL time.Duration
	AdmitLockLease   time.Duration
	JWTSecret        string
	Issuer           string
}

// NewWaitingService creates a new waiting service
func NewWaitingService(
	waitingRepo repository.WaitingRepository,
	locker lock.Locker,
	registry *notifier.Registry,
	broadcaster AdmissionBroadcaster,
	publisher EventPublisher,
	cfg *WaitingServiceConfig,
) WaitingService {
	capacity := int64(domain.DefaultPermitCapacity)
	tokenTTL := domain.DefaultAdmittedTokenTTL
	lockLease := domain.DefaultLockLease
	issuer := "concert-gate"
	jwtSecret := ""

	if cfg != nil {
		if cfg.PermitCapacity > 0 {
			capacity = cfg.PermitCapacity
		}
		if cfg.AdmittedTokenTTL > 0 {
			tokenTTL = cfg.AdmittedTokenTTL
		}
		if cfg.AdmitLockLease > 0 {
			lockLease = cfg.AdmitLockLease
		}
		if cfg.Issuer != "" {
			issuer = cfg.Issuer
		}
		jwtSecret = cfg.JWTSecret
	}

	if jwtSecret == "" {
		panic("WaitingServiceConfig.JWTSecret is required")
	}

	return &waitingService{
		waitingRepo:      waitingRepo,
		locker:           locker,
		registry:         registry,
		broadcaster:      broadcaster,
		publisher:        publisher,
		permitCapacity:   capacity,
		admittedTokenTTL: tokenTTL,
		admitLockLease:   lockLease,
		jwtSecret:        jwtSecret,
		issuer:           issuer,
	}
}

// EnterOrWait admits the user immediately when a permit is free, otherwise
// places them in the schedule's queue
func (s *waitingService) EnterOrWait(ctx context.Context, userID string, req *dto.EnterWaitingRequest) (*dto.EnterWaitingResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.waiting.enter_or_wait")
	defer span.End()

	if req == nil || req.ScheduleID <= 0 {
		span.SetStatus(codes.Error, "invalid schedule_id")
		return nil, domain.ErrInvalidScheduleID
	}
	if userID == "" {
		span.SetStatus(codes.Error, "invalid user_id")
		return nil, domain.ErrInvalidUserID
	}

	userKey := domain.NewUserKey(userID)

	span.SetAttributes(
		attribute.Int64("schedule_id", req.ScheduleID),
		attribute.String("user_key", userKey),
	)

	// A non-empty queue means earlier arrivals are still waiting. Newcomers
	// must queue behind them even when a permit has freed up; only the
	// promotion sweep hands freed permits out, in arrival order.
	queued, err := s.waitingRepo.QueueSize(ctx, req.ScheduleID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if queued == 0 {
		taken, err := s.waitingRepo.AcquirePermits(ctx, req.ScheduleID, 1, s.permitCapacity)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		if taken == 1 {
			token, err := s.admit(ctx, req.ScheduleID, userKey)
			if err != nil {
				// Give the permit back rather than strand it
				if _, relErr := s.waitingRepo.ReleasePermits(ctx, req.ScheduleID, 1); relErr != nil {
					logger.Get().Warn(fmt.Sprintf("Failed to release permit after admit failure: %v", relErr))
				}
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}

			span.SetAttributes(attribute.Bool("admitted", true))
			span.SetStatus(codes.Ok, "")
			return &dto.EnterWaitingResponse{
				Admitted: true,
				Token:    token,
				UserKey:  userKey,
				Message:  "Admitted",
			}, nil
		}
	}

	// Full or already contended: join the queue at arrival time
	score := float64(time.Now().UnixMilli())
	if err := s.waitingRepo.Enqueue(ctx, req.ScheduleID, userKey, score); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	rank, err := s.waitingRepo.Rank(ctx, req.ScheduleID, userKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	metrics.RecordEnqueue(ctx, req.ScheduleID)
	span.SetAttributes(
		attribute.Bool("admitted", false),
		attribute.Int64("rank", rank.Rank),
	)
	span.SetStatus(codes.Ok, "")
	return &dto.EnterWaitingResponse{
		Admitted:     false,
		UserKey:      userKey,
		Rank:         rank.Rank + 1,
		TotalWaiting: rank.TotalWaiting,
		Message:      "Waiting for admission",
	}, nil
}

// admit issues a token, stores it under the token TTL, and publishes the
// admission event
func (s *waitingService) admit(ctx context.Context, scheduleID int64, userKey string) (string, error) {
	token, err := s.generateAdmittedToken(scheduleID, userKey)
	if err != nil {
		return "", err
	}

	if err := s.waitingRepo.StoreAdmittedToken(ctx, scheduleID, userKey, token, s.admittedTokenTTL); err != nil {
		return "", err
	}

	if err := s.publisher.PublishUserAdmitted(ctx, scheduleID, userKey); err != nil {
		logger.Get().Warn(fmt.Sprintf("Failed to publish user admitted event: %v", err))
	}

	return token, nil
}

// Subscribe opens a rank event stream for a waiting user
func (s *waitingService) Subscribe(ctx context.Context, scheduleID int64, userKey, userID string) (<-chan domain.RankEvent, func(), error) {
	ctx, span := telemetry.StartSpan(ctx, "service.waiting.subscribe")
	defer span.End()

	if scheduleID <= 0 {
		span.SetStatus(codes.Error, "invalid schedule_id")
		return nil, nil, domain.ErrInvalidScheduleID
	}
	if err := domain.ValidateUserKey(userKey, userID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}

	span.SetAttributes(
		attribute.Int64("schedule_id", scheduleID),
		attribute.String("user_key", userKey),
	)

	ch, cancel := s.registry.Register(scheduleID, userKey)
	metrics.StreamOpened(ctx)

	unregister := func() {
		cancel()
		metrics.StreamClosed(context.Background())
	}

	// Admission may have happened while the client was reconnecting; the
	// stored token covers that gap.
	if token, err := s.waitingRepo.GetAdmittedToken(ctx, scheduleID, userKey); err == nil && token != "" {
		s.registry.Deliver(scheduleID, userKey, domain.RankEvent{
			Type:  domain.RankEventAdmitted,
			Token: token,
		})
		span.SetStatus(codes.Ok, "")
		return ch, unregister, nil
	}

	// Seed the stream with the current rank so the client is not blind
	// until the next status tick.
	if rank, err := s.waitingRepo.Rank(ctx, scheduleID, userKey); err == nil && rank.IsWaiting {
		s.registry.Deliver(scheduleID, userKey, domain.RankEvent{
			Type:         domain.RankEventStatus,
			Rank:         rank.Rank + 1,
			TotalWaiting: rank.TotalWaiting,
		})
	}

	span.SetStatus(codes.Ok, "")
	return ch, unregister, nil
}

// Leave removes a user from the queue, abandoning their spot
func (s *waitingService) Leave(ctx context.Context, scheduleID int64, userKey, userID string) error {
	ctx, span := telemetry.StartSpan(ctx, "service.waiting.leave")
	defer span.End()

	if scheduleID <= 0 {
		span.SetStatus(codes.Error, "invalid schedule_id")
		return domain.ErrInvalidScheduleID
	}
	if err := domain.ValidateUserKey(userKey, userID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetAttributes(
		attribute.Int64("schedule_id", scheduleID),
		attribute.String("user_key", userKey),
	)

	if err := s.waitingRepo.Remove(ctx, scheduleID, userKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// AdmitFromQueues promotes waiting users into free permits across all
// active schedules
func (s *waitingService) AdmitFromQueues(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, "service.waiting.admit_from_queues")
	defer span.End()

	scheduleIDs, err := s.waitingRepo.ActiveSchedules(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	for _, scheduleID := range scheduleIDs {
		if err := s.admitSchedule(ctx, scheduleID); err != nil {
			logger.Get().Warn(fmt.Sprintf("Admission pass failed for schedule %d: %v", scheduleID, err))
		}
	}

	span.SetAttributes(attribute.Int("schedules", len(scheduleIDs)))
	span.SetStatus(codes.Ok, "")
	return nil
}

// admitSchedule runs one promotion pass for one schedule. The admit lock
// keeps concurrent instances from double-admitting; a busy lock means
// another instance is already on it, so skip without waiting.
func (s *waitingService) admitSchedule(ctx context.Context, scheduleID int64) error {
	ctx, span := telemetry.StartSpan(ctx, "service.waiting.admit_schedule")
	defer span.End()

	span.SetAttributes(attribute.Int64("schedule_id", scheduleID))

	release, ok, err := s.locker.TryLock(ctx, domain.AdmitLockKey(scheduleID), s.admitLockLease)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !ok {
		span.SetStatus(codes.Ok, "lock busy")
		return nil
	}
	defer release(ctx)

	size, err := s.waitingRepo.QueueSize(ctx, scheduleID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if size == 0 {
		if err := s.waitingRepo.DeactivateSchedule(ctx, scheduleID); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.SetStatus(codes.Ok, "queue drained")
		return nil
	}

	acquired, err := s.waitingRepo.AcquirePermits(ctx, scheduleID, size, s.permitCapacity)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if acquired == 0 {
		span.SetStatus(codes.Ok, "no free permits")
		return nil
	}

	entries, err := s.waitingRepo.PopLowest(ctx, scheduleID, acquired)
	if err != nil {
		// Popping failed outright; the permits are unused, give them back
		if _, relErr := s.waitingRepo.ReleasePermits(ctx, scheduleID, acquired); relErr != nil {
			logger.Get().Warn(fmt.Sprintf("Failed to release permits after pop failure: %v", relErr))
		}
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	// The queue may have shrunk between sizing and popping
	if int64(len(entries)) < acquired {
		diff := acquired - int64(len(entries))
		if _, err := s.waitingRepo.ReleasePermits(ctx, scheduleID, diff); err != nil {
			logger.Get().Warn(fmt.Sprintf("Failed to release %d surplus permits: %v", diff, err))
		}
	}

	admitted := int64(0)
	for _, entry := range entries {
		token, err := s.admit(ctx, scheduleID, entry.UserKey)
		if err != nil {
			// Put the user back at their original spot and return the permit
			if reqErr := s.waitingRepo.Requeue(ctx, scheduleID, entry); reqErr != nil {
				logger.Get().Error(fmt.Sprintf("Failed to requeue %s: %v", entry.UserKey, reqErr))
			}
			if _, relErr := s.waitingRepo.ReleasePermits(ctx, scheduleID, 1); relErr != nil {
				logger.Get().Warn(fmt.Sprintf("Failed to release permit after admit failure: %v", relErr))
			}
			continue
		}

		if err := s.broadcaster.BroadcastAdmission(ctx, scheduleID, entry.UserKey, token); err != nil {
			logger.Get().Warn(fmt.Sprintf("Failed to broadcast admission for %s: %v", entry.UserKey, err))
		}
		admitted++
	}

	metrics.RecordAdmissions(ctx, scheduleID, admitted)
	span.SetAttributes(attribute.Int64("admitted", admitted))
	span.SetStatus(codes.Ok, "")
	return nil
}

// PublishStatusSignal triggers a rank push on every instance
func (s *waitingService) PublishStatusSignal(ctx context.Context) error {
	return s.broadcaster.PublishStatusSignal(ctx)
}

// Status reports the aggregate state of one schedule's waiting room
func (s *waitingService) Status(ctx context.Context, scheduleID int64) (*dto.WaitingStatusResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.waiting.status")
	defer span.End()

	if scheduleID <= 0 {
		span.SetStatus(codes.Error, "invalid schedule_id")
		return nil, domain.ErrInvalidScheduleID
	}

	span.SetAttributes(attribute.Int64("schedule_id", scheduleID))

	size, err := s.waitingRepo.QueueSize(ctx, scheduleID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	used, err := s.waitingRepo.UsedPermits(ctx, scheduleID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return &dto.WaitingStatusResponse{
		ScheduleID:   scheduleID,
		TotalWaiting: size,
		UsedPermits:  used,
		Capacity:     s.permitCapacity,
	}, nil
}

// AdmittedClaims represents the claims of an admitted token
type AdmittedClaims struct {
	UserKey    string `json:"user_key"`
	ScheduleID int64  `json:"schedule_id"`
	Purpose    string `json:"purpose"`
	jwt.RegisteredClaims
}

// generateAdmittedToken signs an admitted token for one user and schedule
func (s *waitingService) generateAdmittedToken(scheduleID int64, userKey string) (string, error) {
	now := time.Now()

	claims := AdmittedClaims{
		UserKey:    userKey,
		ScheduleID: scheduleID,
		Purpose:    domain.TokenPurposeAdmitted,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.admittedTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   userKey,
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign admitted token: %w", err)
	}

	return signed, nil
}

// ValidateAdmittedToken checks an admitted token's signature and claims
func (s *waitingService) ValidateAdmittedToken(ctx context.Context, scheduleID int64, userKey, token string) error {
	_, span := telemetry.StartSpan(ctx, "service.waiting.validate_token")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("schedule_id", scheduleID),
		attribute.String("user_key", userKey),
	)

	parsed, err := jwt.ParseWithClaims(token, &AdmittedClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		span.SetStatus(codes.Error, "invalid token")
		return domain.ErrInvalidAdmittedToken
	}

	claims, ok := parsed.Claims.(*AdmittedClaims)
	if !ok || !parsed.Valid {
		span.SetStatus(codes.Error, "invalid token claims")
		return domain.ErrInvalidAdmittedToken
	}

	if claims.UserKey != userKey || claims.ScheduleID != scheduleID || claims.Purpose != domain.TokenPurposeAdmitted {
		span.SetStatus(codes.Error, "token claims mismatch")
		return domain.ErrInvalidAdmittedToken
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

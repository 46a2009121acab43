package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/suriyaw/concert-gate/internal/domain"
	"github.com/suriyaw/concert-gate/internal/repository"
	"github.com/suriyaw/concert-gate/pkg/logger"
	pkgredis "github.com/suriyaw/concert-gate/pkg/redis"
	"github.com/suriyaw/concert-gate/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RankNotifier pushes queue positions to local stream subscribers and
// publishes cross-instance signals so every instance does the same for its
// own subscribers.
type RankNotifier struct {
	registry    *Registry
	waitingRepo repository.WaitingRepository
	client      *pkgredis.Client
}

// NewRankNotifier creates a new RankNotifier
func NewRankNotifier(registry *Registry, waitingRepo repository.WaitingRepository, client *pkgredis.Client) *RankNotifier {
	return &RankNotifier{
		registry:    registry,
		waitingRepo: waitingRepo,
		client:      client,
	}
}

// NotifyStatus pushes the current rank to every local subscriber of every
// active schedule. Schedules whose queue has drained are deactivated.
func (n *RankNotifier) NotifyStatus(ctx context.Context) {
	ctx, span := telemetry.StartSpan(ctx, "notifier.notify_status")
	defer span.End()

	appLog := logger.Get()

	scheduleIDs, err := n.waitingRepo.ActiveSchedules(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		appLog.Warn(fmt.Sprintf("Failed to list active schedules: %v", err))
		return
	}

	notified := 0
	for _, scheduleID := range scheduleIDs {
		size, err := n.waitingRepo.QueueSize(ctx, scheduleID)
		if err != nil {
			appLog.Warn(fmt.Sprintf("Failed to get queue size for schedule %d: %v", scheduleID, err))
			continue
		}
		if size == 0 {
			if err := n.waitingRepo.DeactivateSchedule(ctx, scheduleID); err != nil {
				appLog.Warn(fmt.Sprintf("Failed to deactivate schedule %d: %v", scheduleID, err))
			}
			continue
		}

		// Only users streaming from this instance get local delivery. Other
		// instances handle their own subscribers off the same signal.
		for _, userKey := range n.registry.LocalUserKeys(scheduleID) {
			rank, err := n.waitingRepo.Rank(ctx, scheduleID, userKey)
			if err != nil || !rank.IsWaiting {
				continue
			}
			n.registry.Deliver(scheduleID, userKey, domain.RankEvent{
				Type:         domain.RankEventStatus,
				Rank:         rank.Rank + 1,
				TotalWaiting: rank.TotalWaiting,
			})
			notified++
		}
	}

	span.SetAttributes(
		attribute.Int("schedules", len(scheduleIDs)),
		attribute.Int("notified", notified),
	)
	span.SetStatus(codes.Ok, "")
}

// BroadcastAdmission publishes an admission so whichever instance holds the
// user's stream delivers the token.
func (n *RankNotifier) BroadcastAdmission(ctx context.Context, scheduleID int64, userKey, token string) error {
	ctx, span := telemetry.StartSpan(ctx, "notifier.broadcast_admission")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("schedule_id", scheduleID),
		attribute.String("user_key", userKey),
	)

	msg := domain.AdmitMessage{
		ScheduleID: scheduleID,
		UserKey:    userKey,
		Token:      token,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to marshal admit message: %w", err)
	}

	if err := n.client.Publish(ctx, domain.AdmitChannel, data).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to publish admission: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// PublishStatusSignal tells every instance to run a status push for its
// local subscribers.
func (n *RankNotifier) PublishStatusSignal(ctx context.Context) error {
	if err := n.client.Publish(ctx, domain.StatusSignalChannel, "tick").Err(); err != nil {
		return fmt.Errorf("failed to publish status signal: %w", err)
	}
	return nil
}

// DeliverAdmission pushes an admitted event to a local subscriber. Returns
// false when the user streams from another instance.
func (n *RankNotifier) DeliverAdmission(scheduleID int64, userKey, token string) bool {
	return n.registry.Deliver(scheduleID, userKey, domain.RankEvent{
		Type:  domain.RankEventAdmitted,
		Token: token,
	})
}

package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"github.com/suriyaw/concert-gate/internal/domain"
	"github.com/suriyaw/concert-gate/internal/metrics"
	"github.com/suriyaw/concert-gate/internal/repository"
	"github.com/suriyaw/concert-gate/pkg/logger"
	pkgredis "github.com/suriyaw/concert-gate/pkg/redis"
)

// SubscriberConfig controls which signals a subscriber consumes
type SubscriberConfig struct {
	// ReclaimExpired subscribes to key expiry events and returns a permit
	// each time an admitted token lapses. Exactly one process should run
	// with this enabled or permits are returned more than once.
	ReclaimExpired bool
}

// Subscriber consumes cross-instance signals and feeds them into the local
// notifier.
type Subscriber struct {
	notifier    *RankNotifier
	waitingRepo repository.WaitingRepository
	client      *pkgredis.Client
	config      SubscriberConfig
}

// NewSubscriber creates a new Subscriber
func NewSubscriber(n *RankNotifier, waitingRepo repository.WaitingRepository, client *pkgredis.Client, config SubscriberConfig) *Subscriber {
	return &Subscriber{
		notifier:    n,
		waitingRepo: waitingRepo,
		client:      client,
		config:      config,
	}
}

// expiredEventChannel is the keyspace notification channel for key expiry
func (s *Subscriber) expiredEventChannel() string {
	return fmt.Sprintf("__keyevent@%d__:expired", s.client.DB())
}

// Run consumes signals until the context is cancelled
func (s *Subscriber) Run(ctx context.Context) error {
	appLog := logger.Get()

	channels := []string{domain.StatusSignalChannel, domain.AdmitChannel}
	if s.config.ReclaimExpired {
		// Expiry events are off by default in Redis
		if err := s.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
			appLog.Warn(fmt.Sprintf("Failed to enable keyspace notifications: %v", err))
		}
		channels = append(channels, s.expiredEventChannel())
	}

	sub := s.client.Subscribe(ctx, channels...)
	defer sub.Close()

	appLog.Info(fmt.Sprintf("Notifier subscriber started on channels: %s", strings.Join(channels, ", ")))

	msgCh := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			appLog.Info("Notifier subscriber stopped")
			return ctx.Err()
		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, msg *goredis.Message) {
	appLog := logger.Get()

	switch msg.Channel {
	case domain.StatusSignalChannel:
		s.notifier.NotifyStatus(ctx)

	case domain.AdmitChannel:
		var admit domain.AdmitMessage
		if err := json.Unmarshal([]byte(msg.Payload), &admit); err != nil {
			appLog.Warn(fmt.Sprintf("Failed to decode admit message: %v", err))
			return
		}
		s.notifier.DeliverAdmission(admit.ScheduleID, admit.UserKey, admit.Token)

	case s.expiredEventChannel():
		scheduleID, userKey, ok := domain.ParseAdmittedTokenKey(msg.Payload)
		if !ok {
			return
		}
		if _, err := s.waitingRepo.ReleasePermits(ctx, scheduleID, 1); err != nil {
			appLog.Warn(fmt.Sprintf("Failed to reclaim permit for schedule %d: %v", scheduleID, err))
			return
		}
		metrics.RecordPermitReclaimed(ctx, scheduleID)
		appLog.Debug(fmt.Sprintf("Reclaimed permit for schedule %d after token expiry of %s", scheduleID, userKey))
	}
}

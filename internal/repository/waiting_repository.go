package repository

import (
	"context"
	"time"

	"github.com/suriyaw/concert-gate/internal/domain"
)

// RankResult contains a waiting user's queue position
type RankResult struct {
	Rank         int64
	TotalWaiting int64
	IsWaiting    bool
}

// WaitingRepository manages per-schedule waiting queues, the active-schedule
// set, admission permits, and admitted token storage in Redis.
type WaitingRepository interface {
	// Enqueue adds a user to the schedule's queue at the given arrival score
	// and marks the schedule active. Re-enqueueing an existing member keeps
	// its original score.
	Enqueue(ctx context.Context, scheduleID int64, userKey string, score float64) error

	// Rank returns the user's zero-based position and the queue size.
	Rank(ctx context.Context, scheduleID int64, userKey string) (*RankResult, error)

	// Remove drops a user from the queue.
	Remove(ctx context.Context, scheduleID int64, userKey string) error

	// PopLowest removes and returns up to count entries with the lowest
	// scores, earliest arrivals first.
	PopLowest(ctx context.Context, scheduleID int64, count int64) ([]domain.WaitingEntry, error)

	// Requeue puts a popped entry back at its original score.
	Requeue(ctx context.Context, scheduleID int64, entry domain.WaitingEntry) error

	// QueueSize returns the number of waiting users.
	QueueSize(ctx context.Context, scheduleID int64) (int64, error)

	// QueueUserKeys returns all waiting user keys in queue order.
	QueueUserKeys(ctx context.Context, scheduleID int64) ([]string, error)

	// ActiveSchedules lists schedules that currently have waiting activity.
	ActiveSchedules(ctx context.Context) ([]int64, error)

	// DeactivateSchedule removes a schedule from the active set.
	DeactivateSchedule(ctx context.Context, scheduleID int64) error

	// AcquirePermits takes up to n permits, clamped to remaining capacity,
	// and returns how many were taken.
	AcquirePermits(ctx context.Context, scheduleID int64, n, capacity int64) (int64, error)

	// ReleasePermits returns up to n permits, clamped at zero.
	ReleasePermits(ctx context.Context, scheduleID int64, n int64) (int64, error)

	// UsedPermits returns the current permit counter value.
	UsedPermits(ctx context.Context, scheduleID int64) (int64, error)

	// StoreAdmittedToken stores an admitted user's token under a TTL. Token
	// expiry is what returns the permit.
	StoreAdmittedToken(ctx context.Context, scheduleID int64, userKey, token string, ttl time.Duration) error

	// GetAdmittedToken returns the stored token, or "" when absent.
	GetAdmittedToken(ctx context.Context, scheduleID int64, userKey string) (string, error)
}

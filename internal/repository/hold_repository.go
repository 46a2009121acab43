package repository

import (
	"context"
	"time"
)

// CreateHoldsParams contains parameters for creating seat holds
type CreateHoldsParams struct {
	ScheduleID int64
	SeatIDs    []int64
	HolderID   string
	TTL        time.Duration
}

// HoldRepository manages seat hold state in Redis.
// A hold is a plain key whose value is the holder and whose TTL is the
// remaining hold window. Expiry is the release path for abandoned holds.
type HoldRepository interface {
	// HoldersOf returns the current holder per seat. Seats with no hold are
	// absent from the result.
	HoldersOf(ctx context.Context, scheduleID int64, seatIDs []int64) (map[int64]string, error)

	// CreateHolds writes one hold key per seat with the given TTL.
	CreateHolds(ctx context.Context, params CreateHoldsParams) error

	// ReleaseHolds deletes holds owned by holderID and returns how many were
	// released. Seats held by someone else are left untouched.
	ReleaseHolds(ctx context.Context, scheduleID int64, seatIDs []int64, holderID string) (int64, error)

	// HoldTTL returns the remaining TTL in seconds for one seat's hold.
	// Returns TTLNotHeld when the seat is unheld or held by someone else,
	// TTLNoExpiry when the hold has no expiry.
	HoldTTL(ctx context.Context, scheduleID, seatID int64, holderID string) (int64, error)
}

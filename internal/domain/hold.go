package domain

import (
	"fmt"
	"sort"
	"time"
)

// Hold timing defaults
const (
	// DefaultHoldTTL is how long a seat lease lives without explicit release
	DefaultHoldTTL = 15 * time.Minute
	// DefaultLockWait is the bounded wait for a per-seat lock
	DefaultLockWait = 3 * time.Second
	// DefaultLockLease is the lease on a per-seat lock while held
	DefaultLockLease = 10 * time.Second
)

// Remaining-lifetime sentinels
const (
	// TTLNotHeld means the seat is not held, or not held by the caller
	TTLNotHeld int64 = -2
	// TTLNoExpiry means the seat is held with no expiry set
	TTLNoExpiry int64 = -1
)

// SeatHold represents a time-bounded exclusive claim on one seat.
// Identity is (ScheduleID, SeatID); absence of the lease entry means
// the seat is available.
type SeatHold struct {
	ScheduleID       int64  `json:"schedule_id"`
	SeatID           int64  `json:"seat_id"`
	HolderID         string `json:"holder_id"`
	RemainingSeconds int64  `json:"remaining_seconds"`
}

// HoldSummary is the outcome of a successful multi-seat hold
type HoldSummary struct {
	ScheduleID int64   `json:"schedule_id"`
	SeatIDs    []int64 `json:"seat_ids"`
	HolderID   string  `json:"holder_id"`
	TTLSeconds int64   `json:"ttl_seconds"`
}

// SeatLockKey builds the distributed lock key for one seat
func SeatLockKey(scheduleID, seatID int64) string {
	return fmt.Sprintf("lock:seat:%d:%d", scheduleID, seatID)
}

// SeatHoldKey builds the lease key for one seat
func SeatHoldKey(scheduleID, seatID int64) string {
	return fmt.Sprintf("hold:%d:%d", scheduleID, seatID)
}

// DedupSeatIDs de-duplicates and sorts a seat id list.
// Sorting gives every request the same global acquisition order,
// which is the deadlock-freedom mechanism for overlapping holds.
func DedupSeatIDs(seatIDs []int64) []int64 {
	seen := make(map[int64]struct{}, len(seatIDs))
	out := make([]int64, 0, len(seatIDs))
	for _, id := range seatIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

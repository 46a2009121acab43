package dto

// CreateHoldRequest represents a request to hold seats
type CreateHoldRequest struct {
	ScheduleID     int64   `json:"schedule_id" binding:"required"`
	SeatIDs        []int64 `json:"seat_ids" binding:"required"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

// CreateHoldResponse represents the outcome of holding seats
type CreateHoldResponse struct {
	ScheduleID int64   `json:"schedule_id"`
	SeatIDs    []int64 `json:"seat_ids"`
	HolderID   string  `json:"holder_id"`
	TTLSeconds int64   `json:"ttl_seconds"`
	Message    string  `json:"message,omitempty"`
}

// ReleaseHoldRequest represents a request to release held seats
type ReleaseHoldRequest struct {
	ScheduleID int64   `json:"schedule_id" binding:"required"`
	SeatIDs    []int64 `json:"seat_ids" binding:"required"`
}

// ReleaseHoldResponse represents the outcome of releasing seats
type ReleaseHoldResponse struct {
	Released int64  `json:"released"`
	Message  string `json:"message,omitempty"`
}

// HoldStatusResponse represents the hold state of requested seats
type HoldStatusResponse struct {
	ScheduleID int64            `json:"schedule_id"`
	Holds      []SeatHoldStatus `json:"holds"`
}

// ValidateHoldsResponse reports whether all requested seats are held by the caller
type ValidateHoldsResponse struct {
	ScheduleID int64   `json:"schedule_id"`
	SeatIDs    []int64 `json:"seat_ids"`
	Valid      bool    `json:"valid"`
}

// HoldTTLResponse carries the smallest remaining hold lifetime across seats.
// TTLSeconds is -2 when any seat is not held by the caller and -1 when held
// with no expiry.
type HoldTTLResponse struct {
	ScheduleID int64   `json:"schedule_id"`
	SeatIDs    []int64 `json:"seat_ids"`
	TTLSeconds int64   `json:"ttl_seconds"`
}

// SeatHoldStatus is one seat's hold state
type SeatHoldStatus struct {
	SeatID     int64  `json:"seat_id"`
	Held       bool   `json:"held"`
	HeldByYou  bool   `json:"held_by_you"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
	HolderID   string `json:"holder_id,omitempty"`
}

package dto

// EnterWaitingRequest represents a request to enter the waiting room
type EnterWaitingRequest struct {
	ScheduleID int64 `json:"schedule_id" binding:"required"`
}

// EnterWaitingResponse represents the outcome of entering the waiting room.
// Admitted users get a token immediately; everyone else gets a user key to
// open a rank stream with.
type EnterWaitingResponse struct {
	Admitted     bool   `json:"admitted"`
	Token        string `json:"token,omitempty"`
	UserKey      string `json:"user_key,omitempty"`
	Rank         int64  `json:"rank,omitempty"`
	TotalWaiting int64  `json:"total_waiting,omitempty"`
	Message      string `json:"message,omitempty"`
}

// WaitingStatusResponse represents the aggregate state of one schedule's
// waiting room
type WaitingStatusResponse struct {
	ScheduleID   int64 `json:"schedule_id"`
	TotalWaiting int64 `json:"total_waiting"`
	UsedPermits  int64 `json:"used_permits"`
	Capacity     int64 `json:"capacity"`
}

// RankEventPayload is the SSE frame body sent to waiting clients
type RankEventPayload struct {
	Type         string `json:"type"`
	Rank         int64  `json:"rank,omitempty"`
	TotalWaiting int64  `json:"total_waiting,omitempty"`
	Token        string `json:"token,omitempty"`
}

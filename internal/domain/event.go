package domain

import (
	"fmt"
	"time"
)

// GateEventType identifies a lifecycle event published to Kafka
type GateEventType string

const (
	EventHoldCreated  GateEventType = "hold.created"
	EventHoldReleased GateEventType = "hold.released"
	EventUserAdmitted GateEventType = "user.admitted"
)

// GateEvent is the envelope for all published lifecycle events
type GateEvent struct {
	EventID    string        `json:"event_id"`
	EventType  GateEventType `json:"event_type"`
	ScheduleID int64         `json:"schedule_id"`
	OccurredAt time.Time     `json:"occurred_at"`

	// Hold events
	SeatIDs  []int64 `json:"seat_ids,omitempty"`
	HolderID string  `json:"holder_id,omitempty"`

	// Admission events
	UserKey string `json:"user_key,omitempty"`
}

// NewHoldEvent builds a hold lifecycle event
func NewHoldEvent(eventType GateEventType, summary *HoldSummary, eventID string) *GateEvent {
	return &GateEvent{
		EventID:    eventID,
		EventType:  eventType,
		ScheduleID: summary.ScheduleID,
		SeatIDs:    summary.SeatIDs,
		HolderID:   summary.HolderID,
		OccurredAt: time.Now(),
	}
}

// NewAdmissionEvent builds an admission lifecycle event
func NewAdmissionEvent(scheduleID int64, userKey, eventID string) *GateEvent {
	return &GateEvent{
		EventID:    eventID,
		EventType:  EventUserAdmitted,
		ScheduleID: scheduleID,
		UserKey:    userKey,
		OccurredAt: time.Now(),
	}
}

// Key returns the Kafka partition key: all events for one schedule stay ordered
func (e *GateEvent) Key() string {
	return fmt.Sprintf("%d", e.ScheduleID)
}

package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Waiting room timing defaults
const (
	// DefaultAdmittedTokenTTL is the lifetime of an admission credential
	DefaultAdmittedTokenTTL = 10 * time.Minute
	// DefaultPermitCapacity bounds concurrently admitted sessions per schedule
	DefaultPermitCapacity int64 = 100
	// DefaultStreamTimeout is the server-side lifetime of a rank stream
	DefaultStreamTimeout = 10 * time.Minute
)

// TokenPurposeAdmitted is the purpose claim on an admission credential
const TokenPurposeAdmitted = "ADMITTED"

// AdmissionOutcome is the result of an entry attempt: either admitted with a
// credential, or waiting with a 1-indexed rank.
type AdmissionOutcome struct {
	Admitted     bool
	Token        string
	Rank         int64
	TotalWaiting int64
	UserKey      string
}

// WaitingEntry is one queue member with its enqueue score (arrival millis).
// The score is kept so a failed promotion can re-insert the entry at its
// original position.
type WaitingEntry struct {
	UserKey string
	Score   float64
}

// Rank event types pushed over a subscription stream
const (
	RankEventStatus   = "status"
	RankEventAdmitted = "admitted"
)

// RankEvent is a server-push update for one waiting user
type RankEvent struct {
	Type         string `json:"type"`
	Rank         int64  `json:"rank,omitempty"`
	TotalWaiting int64  `json:"total_waiting"`
	Token        string `json:"token,omitempty"`
}

// NewUserKey builds a user key from a user id plus a fresh nonce. The nonce
// makes repeated entry attempts by the same user distinct queue entries.
func NewUserKey(userID string) string {
	return fmt.Sprintf("%s:%s", userID, uuid.New().String())
}

// ParseUserKey validates a user key and returns its embedded user id.
// A well-formed key has exactly two non-empty colon-delimited parts.
func ParseUserKey(userKey string) (string, error) {
	parts := strings.Split(userKey, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", ErrInvalidUserKey
	}
	return parts[0], nil
}

// ValidateUserKey checks that userKey is well-formed and belongs to userID
func ValidateUserKey(userKey, userID string) error {
	owner, err := ParseUserKey(userKey)
	if err != nil {
		return err
	}
	if owner != userID {
		return ErrUserKeyMismatch
	}
	return nil
}

// Waiting room key builders

// WaitingQueueKey is the sorted set holding one schedule's queue
func WaitingQueueKey(scheduleID int64) string {
	return fmt.Sprintf("waiting:reservation:%d", scheduleID)
}

// ActiveWaitingSetKey is the set of schedule ids with a live queue
const ActiveWaitingSetKey = "active:waiting:reservations"

// Pub/sub channels for cross-instance rank fan-out
const (
	// StatusSignalChannel carries the periodic signal that makes every
	// instance push rank updates to its local subscribers.
	StatusSignalChannel = "waiting:signal:status"

	// AdmitChannel carries admission messages so the instance holding the
	// user's stream can deliver the token.
	AdmitChannel = "waiting:signal:admitted"
)

// AdmitMessage is the payload published on AdmitChannel
type AdmitMessage struct {
	ScheduleID int64  `json:"schedule_id"`
	UserKey    string `json:"user_key"`
	Token      string `json:"token"`
}

// PermitsUsedKey is the per-schedule used-permit counter
func PermitsUsedKey(scheduleID int64) string {
	return fmt.Sprintf("permits:used:reservation:%d", scheduleID)
}

// AdmitLockKey is the per-schedule promotion mutex
func AdmitLockKey(scheduleID int64) string {
	return fmt.Sprintf("lock:admit:reservation:%d", scheduleID)
}

// AdmittedTokenKey stores the issued credential so a reconnecting client can
// recover it
func AdmittedTokenKey(scheduleID int64, userKey string) string {
	return fmt.Sprintf("admitted:reservation:%d:%s", scheduleID, userKey)
}

// AdmittedTokenKeyPrefix prefixes every stored credential key
const AdmittedTokenKeyPrefix = "admitted:reservation:"

// ParseAdmittedTokenKey extracts (scheduleID, userKey) from a stored
// credential key; used when reclaiming permits on key expiry.
func ParseAdmittedTokenKey(key string) (int64, string, bool) {
	rest, ok := strings.CutPrefix(key, AdmittedTokenKeyPrefix)
	if !ok {
		return 0, "", false
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	scheduleID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return scheduleID, parts[1], true
}

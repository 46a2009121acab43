package idempotency

import (
	"context"
	"time"
)

// Status of an idempotency record
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

// DefaultTTL bounds how long a record shields its key from reprocessing
const DefaultTTL = time.Hour

// Record is the stored outcome for one idempotency key
type Record struct {
	Key         string     `json:"key"`
	Status      Status     `json:"status"`
	Payload     []byte     `json:"payload,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Guard claims idempotency keys and records their terminal outcome.
// TryBegin is the race arbiter: exactly one caller per key wins.
type Guard interface {
	// TryBegin attempts to claim the key. Returns true if this caller won
	// and should proceed; false if the key is already claimed.
	TryBegin(ctx context.Context, key string) (bool, error)

	// Complete transitions the record from PROCESSING to SUCCESS with the
	// response payload to replay on duplicates.
	Complete(ctx context.Context, key string, payload []byte) error

	// Fail transitions the record from PROCESSING to FAILED with a reason.
	Fail(ctx context.Context, key string, reason string) error

	// IsInProgress reports whether the key is claimed but not yet terminal.
	IsInProgress(ctx context.Context, key string) (bool, error)

	// Fetch returns the current record, or nil if the key is unknown.
	Fetch(ctx context.Context, key string) (*Record, error)
}

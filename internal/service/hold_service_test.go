package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/suriyaw/concert-gate/internal/domain"
	"github.com/suriyaw/concert-gate/internal/dto"
	"github.com/suriyaw/concert-gate/internal/idempotency"
	"github.com/suriyaw/concert-gate/internal/lock"
	"github.com/suriyaw/concert-gate/internal/repository"
)

// MockLocker is a mock implementation of lock.Locker
type MockLocker struct {
	mock.Mock
}

func (m *MockLocker) WithLocks(ctx context.Context, keys []string, wait, lease time.Duration, fn func(ctx context.Context) error) error {
	args := m.Called(ctx, keys, wait, lease)
	if err := args.Error(0); err != nil {
		return err
	}
	return fn(ctx)
}

func (m *MockLocker) TryLock(ctx context.Context, key string, lease time.Duration) (func(context.Context), bool, error) {
	args := m.Called(ctx, key, lease)
	return func(context.Context) {}, args.Bool(0), args.Error(1)
}

// MockHoldRepository is a mock implementation of HoldRepository
type MockHoldRepository struct {
	mock.Mock
}

func (m *MockHoldRepository) HoldersOf(ctx context.Context, scheduleID int64, seatIDs []int64) (map[int64]string, error) {
	args := m.Called(ctx, scheduleID, seatIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[int64]string), args.Error(1)
}

func (m *MockHoldRepository) CreateHolds(ctx context.Context, params repository.CreateHoldsParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}

func (m *MockHoldRepository) ReleaseHolds(ctx context.Context, scheduleID int64, seatIDs []int64, holderID string) (int64, error) {
	args := m.Called(ctx, scheduleID, seatIDs, holderID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockHoldRepository) HoldTTL(ctx context.Context, scheduleID, seatID int64, holderID string) (int64, error) {
	args := m.Called(ctx, scheduleID, seatID, holderID)
	return args.Get(0).(int64), args.Error(1)
}

// MockGuard is a mock implementation of idempotency.Guard
type MockGuard struct {
	mock.Mock
}

func (m *MockGuard) TryBegin(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockGuard) Complete(ctx context.Context, key string, payload []byte) error {
	args := m.Called(ctx, key, payload)
	return args.Error(0)
}

func (m *MockGuard) Fail(ctx context.Context, key string, reason string) error {
	args := m.Called(ctx, key, reason)
	return args.Error(0)
}

func (m *MockGuard) Fetch(ctx context.Context, key string) (*idempotency.Record, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*idempotency.Record), args.Error(1)
}

func (m *MockGuard) IsInProgress(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func newHoldService(locker *MockLocker, holdRepo *MockHoldRepository, guard *MockGuard) HoldService {
	return NewHoldService(locker, holdRepo, guard, NewNoOpEventPublisher(), &HoldServiceConfig{
		HoldTTL:   15 * time.Minute,
		LockWait:  3 * time.Second,
		LockLease: 10 * time.Second,
	})
}

func TestHoldService_CreateHold_Success(t *testing.T) {
	locker := new(MockLocker)
	holdRepo := new(MockHoldRepository)
	guard := new(MockGuard)
	svc := newHoldService(locker, holdRepo, guard)

	locker.On("WithLocks", mock.Anything, mock.Anything, 3*time.Second, 10*time.Second).Return(nil)
	holdRepo.On("HoldersOf", mock.Anything, int64(7), []int64{1, 2, 3}).Return(map[int64]string{}, nil)
	holdRepo.On("CreateHolds", mock.Anything, repository.CreateHoldsParams{
		ScheduleID: 7,
		SeatIDs:    []int64{1, 2, 3},
		HolderID:   "user-1",
		TTL:        15 * time.Minute,
	}).Return(nil)

	resp, err := svc.CreateHold(context.Background(), "user-1", &dto.CreateHoldRequest{
		ScheduleID: 7,
		SeatIDs:    []int64{3, 1, 2, 1},
	})

	assert.NoError(t, err)
	assert.Equal(t, int64(7), resp.ScheduleID)
	assert.Equal(t, []int64{1, 2, 3}, resp.SeatIDs)
	assert.Equal(t, "user-1", resp.HolderID)
	assert.Equal(t, int64(900), resp.TTLSeconds)
	locker.AssertExpectations(t)
	holdRepo.AssertExpectations(t)
}

func TestHoldService_CreateHold_SeatHeldByAnother(t *testing.T) {
	locker := new(MockLocker)
	holdRepo := new(MockHoldRepository)
	guard := new(MockGuard)
	svc := newHoldService(locker, holdRepo, guard)

	locker.On("WithLocks", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	holdRepo.On("HoldersOf", mock.Anything, int64(7), []int64{1, 2}).
		Return(map[int64]string{2: "someone-else"}, nil)

	_, err := svc.CreateHold(context.Background(), "user-1", &dto.CreateHoldRequest{
		ScheduleID: 7,
		SeatIDs:    []int64{1, 2},
	})

	assert.ErrorIs(t, err, domain.ErrSeatUnavailable)
	holdRepo.AssertNotCalled(t, "CreateHolds", mock.Anything, mock.Anything)
}

func TestHoldService_CreateHold_AlreadyOwnsExactSet(t *testing.T) {
	locker := new(MockLocker)
	holdRepo := new(MockHoldRepository)
	guard := new(MockGuard)
	svc := newHoldService(locker, holdRepo, guard)

	locker.On("WithLocks", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	holdRepo.On("HoldersOf", mock.Anything, int64(7), []int64{1, 2}).
		Return(map[int64]string{1: "user-1", 2: "user-1"}, nil)
	holdRepo.On("HoldTTL", mock.Anything, int64(7), int64(1), "user-1").Return(int64(500), nil)
	holdRepo.On("HoldTTL", mock.Anything, int64(7), int64(2), "user-1").Return(int64(420), nil)

	resp, err := svc.CreateHold(context.Background(), "user-1", &dto.CreateHoldRequest{
		ScheduleID: 7,
		SeatIDs:    []int64{1, 2},
	})

	assert.NoError(t, err)
	// Smallest remaining window across the set
	assert.Equal(t, int64(420), resp.TTLSeconds)
	holdRepo.AssertNotCalled(t, "CreateHolds", mock.Anything, mock.Anything)
}

func TestHoldService_CreateHold_LockTimeout(t *testing.T) {
	locker := new(MockLocker)
	holdRepo := new(MockHoldRepository)
	guard := new(MockGuard)
	svc := newHoldService(locker, holdRepo, guard)

	locker.On("WithLocks", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(lock.ErrNotAcquired)

	_, err := svc.CreateHold(context.Background(), "user-1", &dto.CreateHoldRequest{
		ScheduleID: 7,
		SeatIDs:    []int64{1},
	})

	assert.ErrorIs(t, err, domain.ErrSeatUnavailable)
}

func TestHoldService_CreateHold_Validation(t *testing.T) {
	svc := newHoldService(new(MockLocker), new(MockHoldRepository), new(MockGuard))
	ctx := context.Background()

	_, err := svc.CreateHold(ctx, "user-1", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidScheduleID)

	_, err = svc.CreateHold(ctx, "user-1", &dto.CreateHoldRequest{ScheduleID: 7})
	assert.ErrorIs(t, err, domain.ErrInvalidSeatIDs)

	_, err = svc.CreateHold(ctx, "", &dto.CreateHoldRequest{ScheduleID: 7, SeatIDs: []int64{1}})
	assert.ErrorIs(t, err, domain.ErrInvalidHolderID)
}

func TestHoldService_CreateHold_DuplicateInFlight(t *testing.T) {
	locker := new(MockLocker)
	holdRepo := new(MockHoldRepository)
	guard := new(MockGuard)
	svc := newHoldService(locker, holdRepo, guard)

	guard.On("TryBegin", mock.Anything, "key-1").Return(false, nil)
	guard.On("Fetch", mock.Anything, "key-1").Return(&idempotency.Record{
		Key:    "key-1",
		Status: idempotency.StatusProcessing,
	}, nil)

	_, err := svc.CreateHold(context.Background(), "user-1", &dto.CreateHoldRequest{
		ScheduleID:     7,
		SeatIDs:        []int64{1},
		IdempotencyKey: "key-1",
	})

	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)
	locker.AssertNotCalled(t, "WithLocks", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHoldService_CreateHold_ReplaysStoredSuccess(t *testing.T) {
	locker := new(MockLocker)
	holdRepo := new(MockHoldRepository)
	guard := new(MockGuard)
	svc := newHoldService(locker, holdRepo, guard)

	original := &dto.CreateHoldResponse{
		ScheduleID: 7,
		SeatIDs:    []int64{1, 2},
		HolderID:   "user-1",
		TTLSeconds: 321,
		Message:    "Seats held",
	}
	stored, _ := json.Marshal(original)
	guard.On("TryBegin", mock.Anything, "key-1").Return(false, nil)
	guard.On("Fetch", mock.Anything, "key-1").Return(&idempotency.Record{
		Key:     "key-1",
		Status:  idempotency.StatusSuccess,
		Payload: stored,
	}, nil)

	resp, err := svc.CreateHold(context.Background(), "user-1", &dto.CreateHoldRequest{
		ScheduleID:     7,
		SeatIDs:        []int64{1, 2},
		IdempotencyKey: "key-1",
	})

	assert.NoError(t, err)

	// Duplicates get the stored response back field for field
	assert.Equal(t, original, resp)
	locker.AssertNotCalled(t, "WithLocks", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHoldService_CreateHold_ReplaysStoredFailure(t *testing.T) {
	locker := new(MockLocker)
	holdRepo := new(MockHoldRepository)
	guard := new(MockGuard)
	svc := newHoldService(locker, holdRepo, guard)

	guard.On("TryBegin", mock.Anything, "key-1").Return(false, nil)
	guard.On("Fetch", mock.Anything, "key-1").Return(&idempotency.Record{
		Key:    "key-1",
		Status: idempotency.StatusFailed,
		Reason: "seat unavailable",
	}, nil)

	_, err := svc.CreateHold(context.Background(), "user-1", &dto.CreateHoldRequest{
		ScheduleID:     7,
		SeatIDs:        []int64{1},
		IdempotencyKey: "key-1",
	})

	assert.ErrorIs(t, err, domain.ErrSeatUnavailable)
}

func TestHoldService_CreateHold_RecordsFailureForGuardedRequest(t *testing.T) {
	locker := new(MockLocker)
	holdRepo := new(MockHoldRepository)
	guard := new(MockGuard)
	svc := newHoldService(locker, holdRepo, guard)

	guard.On("TryBegin", mock.Anything, "key-1").Return(true, nil)
	locker.On("WithLocks", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	holdRepo.On("HoldersOf", mock.Anything, int64(7), []int64{1}).
		Return(map[int64]string{1: "someone-else"}, nil)
	guard.On("Fail", mock.Anything, "key-1", mock.Anything).Return(nil)

	_, err := svc.CreateHold(context.Background(), "user-1", &dto.CreateHoldRequest{
		ScheduleID:     7,
		SeatIDs:        []int64{1},
		IdempotencyKey: "key-1",
	})

	assert.ErrorIs(t, err, domain.ErrSeatUnavailable)
	guard.AssertCalled(t, "Fail", mock.Anything, "key-1", mock.Anything)
}

func TestHoldService_ReleaseHold_Success(t *testing.T) {
	locker := new(MockLocker)
	holdRepo := new(MockHoldRepository)
	guard := new(MockGuard)
	svc := newHoldService(locker, holdRepo, guard)

	holdRepo.On("ReleaseHolds", mock.Anything, int64(7), []int64{1, 2}, "user-1").
		Return(int64(2), nil)

	resp, err := svc.ReleaseHold(context.Background(), "user-1", &dto.ReleaseHoldRequest{
		ScheduleID: 7,
		SeatIDs:    []int64{2, 1},
	})

	assert.NoError(t, err)
	assert.Equal(t, int64(2), resp.Released)
}

func TestHoldService_ReleaseHold_NothingToRelease(t *testing.T) {
	locker := new(MockLocker)
	holdRepo := new(MockHoldRepository)
	guard := new(MockGuard)
	svc := newHoldService(locker, holdRepo, guard)

	holdRepo.On("ReleaseHolds", mock.Anything, int64(7), []int64{1}, "user-1").
		Return(int64(0), nil)

	resp, err := svc.ReleaseHold(context.Background(), "user-1", &dto.ReleaseHoldRequest{
		ScheduleID: 7,
		SeatIDs:    []int64{1},
	})

	assert.NoError(t, err)
	assert.Equal(t, int64(0), resp.Released)
}

func TestHoldService_HoldStatus(t *testing.T) {
	locker := new(MockLocker)
	holdRepo := new(MockHoldRepository)
	guard := new(MockGuard)
	svc := newHoldService(locker, holdRepo, guard)

	holdRepo.On("HoldersOf", mock.Anything, int64(7), []int64{1, 2, 3}).
		Return(map[int64]string{1: "user-1", 2: "someone-else"}, nil)
	holdRepo.On("HoldTTL", mock.Anything, int64(7), int64(1), "user-1").Return(int64(120), nil)

	resp, err := svc.HoldStatus(context.Background(), "user-1", 7, []int64{1, 2, 3})

	assert.NoError(t, err)
	assert.Len(t, resp.Holds, 3)

	assert.True(t, resp.Holds[0].Held)
	assert.True(t, resp.Holds[0].HeldByYou)
	assert.Equal(t, int64(120), resp.Holds[0].TTLSeconds)

	assert.True(t, resp.Holds[1].Held)
	assert.False(t, resp.Holds[1].HeldByYou)

	assert.False(t, resp.Holds[2].Held)
}

func TestHoldService_ValidateHolds_AllOwned(t *testing.T) {
	locker := new(MockLocker)
	holdRepo := new(MockHoldRepository)
	guard := new(MockGuard)
	svc := newHoldService(locker, holdRepo, guard)

	holdRepo.On("HoldersOf", mock.Anything, int64(7), []int64{1, 2}).
		Return(map[int64]string{1: "user-1", 2: "user-1"}, nil)

	valid, err := svc.ValidateHolds(context.Background(), "user-1", 7, []int64{2, 1, 2})

	assert.NoError(t, err)
	assert.True(t, valid)
}

func TestHoldService_ValidateHolds_MissingSeat(t *testing.T) {
	locker := new(MockLocker)
	holdRepo := new(MockHoldRepository)
	guard := new(MockGuard)
	svc := newHoldService(locker, holdRepo, guard)

	holdRepo.On("HoldersOf", mock.Anything, int64(7), []int64{1, 2}).
		Return(map[int64]string{1: "user-1"}, nil)

	valid, err := svc.ValidateHolds(context.Background(), "user-1", 7, []int64{1, 2})

	assert.NoError(t, err)
	assert.False(t, valid)
}

func TestHoldService_ValidateHolds_SeatOwnedByAnother(t *testing.T) {
	locker := new(MockLocker)
	holdRepo := new(MockHoldRepository)
	guard := new(MockGuard)
	svc := newHoldService(locker, holdRepo, guard)

	holdRepo.On("HoldersOf", mock.Anything, int64(7), []int64{1, 2}).
		Return(map[int64]string{1: "user-1", 2: "someone-else"}, nil)

	valid, err := svc.ValidateHolds(context.Background(), "user-1", 7, []int64{1, 2})

	assert.NoError(t, err)
	assert.False(t, valid)
}

func TestHoldService_ValidateHolds_Validation(t *testing.T) {
	svc := newHoldService(new(MockLocker), new(MockHoldRepository), new(MockGuard))
	ctx := context.Background()

	_, err := svc.ValidateHolds(ctx, "user-1", 0, []int64{1})
	assert.ErrorIs(t, err, domain.ErrInvalidScheduleID)

	_, err = svc.ValidateHolds(ctx, "user-1", 7, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidSeatIDs)

	_, err = svc.ValidateHolds(ctx, "", 7, []int64{1})
	assert.ErrorIs(t, err, domain.ErrInvalidHolderID)
}

func TestHoldService_RemainingLifetime_ReturnsSmallestTTL(t *testing.T) {
	locker := new(MockLocker)
	holdRepo := new(MockHoldRepository)
	guard := new(MockGuard)
	svc := newHoldService(locker, holdRepo, guard)

	holdRepo.On("HoldTTL", mock.Anything, int64(7), int64(1), "user-1").Return(int64(300), nil)
	holdRepo.On("HoldTTL", mock.Anything, int64(7), int64(2), "user-1").Return(int64(180), nil)
	holdRepo.On("HoldTTL", mock.Anything, int64(7), int64(3), "user-1").Return(int64(240), nil)

	ttl, err := svc.RemainingLifetime(context.Background(), "user-1", 7, []int64{1, 2, 3})

	assert.NoError(t, err)
	assert.Equal(t, int64(180), ttl)
}

func TestHoldService_RemainingLifetime_NotHeld(t *testing.T) {
	locker := new(MockLocker)
	holdRepo := new(MockHoldRepository)
	guard := new(MockGuard)
	svc := newHoldService(locker, holdRepo, guard)

	holdRepo.On("HoldTTL", mock.Anything, int64(7), int64(1), "user-1").Return(int64(300), nil)
	holdRepo.On("HoldTTL", mock.Anything, int64(7), int64(2), "user-1").Return(domain.TTLNotHeld, nil)

	ttl, err := svc.RemainingLifetime(context.Background(), "user-1", 7, []int64{1, 2})

	assert.NoError(t, err)
	assert.Equal(t, domain.TTLNotHeld, ttl)
}

func TestHoldService_RemainingLifetime_NoExpiry(t *testing.T) {
	locker := new(MockLocker)
	holdRepo := new(MockHoldRepository)
	guard := new(MockGuard)
	svc := newHoldService(locker, holdRepo, guard)

	holdRepo.On("HoldTTL", mock.Anything, int64(7), int64(1), "user-1").Return(domain.TTLNoExpiry, nil)

	ttl, err := svc.RemainingLifetime(context.Background(), "user-1", 7, []int64{1})

	assert.NoError(t, err)
	assert.Equal(t, domain.TTLNoExpiry, ttl)
}

func TestHoldService_RemainingLifetime_Validation(t *testing.T) {
	svc := newHoldService(new(MockLocker), new(MockHoldRepository), new(MockGuard))
	ctx := context.Background()

	_, err := svc.RemainingLifetime(ctx, "user-1", -1, []int64{1})
	assert.ErrorIs(t, err, domain.ErrInvalidScheduleID)

	_, err = svc.RemainingLifetime(ctx, "user-1", 7, []int64{})
	assert.ErrorIs(t, err, domain.ErrInvalidSeatIDs)

	_, err = svc.RemainingLifetime(ctx, "", 7, []int64{1})
	assert.ErrorIs(t, err, domain.ErrInvalidHolderID)
}

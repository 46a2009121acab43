package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/suriyaw/concert-gate/internal/domain"
	"github.com/suriyaw/concert-gate/internal/dto"
	"github.com/suriyaw/concert-gate/pkg/logger"
)

// stubWaitingService counts worker calls without touching any backend
type stubWaitingService struct {
	admitCalls  atomic.Int64
	signalCalls atomic.Int64
	admitErr    error
}

func (s *stubWaitingService) EnterOrWait(ctx context.Context, userID string, req *dto.EnterWaitingRequest) (*dto.EnterWaitingResponse, error) {
	return nil, nil
}

func (s *stubWaitingService) Subscribe(ctx context.Context, scheduleID int64, userKey, userID string) (<-chan domain.RankEvent, func(), error) {
	return nil, nil, nil
}

func (s *stubWaitingService) Leave(ctx context.Context, scheduleID int64, userKey, userID string) error {
	return nil
}

func (s *stubWaitingService) AdmitFromQueues(ctx context.Context) error {
	s.admitCalls.Add(1)
	return s.admitErr
}

func (s *stubWaitingService) PublishStatusSignal(ctx context.Context) error {
	s.signalCalls.Add(1)
	return nil
}

func (s *stubWaitingService) Status(ctx context.Context, scheduleID int64) (*dto.WaitingStatusResponse, error) {
	return nil, nil
}

func (s *stubWaitingService) ValidateAdmittedToken(ctx context.Context, scheduleID int64, userKey, token string) error {
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	if err := logger.Init(&logger.Config{Level: "error", Development: true}); err != nil {
		t.Fatalf("failed to init logger: %v", err)
	}
	return logger.Get()
}

func TestAdmissionWorker_SweepsOnInterval(t *testing.T) {
	svc := &stubWaitingService{}
	w := NewAdmissionWorker(&AdmissionWorkerConfig{
		AdmitInterval:  10 * time.Millisecond,
		StatusInterval: time.Minute,
	}, svc, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	assert.Greater(t, svc.admitCalls.Load(), int64(3))
	_, sweeps := w.Stats()
	assert.Equal(t, svc.admitCalls.Load(), sweeps)
}

func TestAdmissionWorker_PublishesStatusSignal(t *testing.T) {
	svc := &stubWaitingService{}
	w := NewAdmissionWorker(&AdmissionWorkerConfig{
		AdmitInterval:  time.Minute,
		StatusInterval: 10 * time.Millisecond,
	}, svc, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	assert.Greater(t, svc.signalCalls.Load(), int64(3))
}

func TestAdmissionWorker_SweepErrorDoesNotStop(t *testing.T) {
	svc := &stubWaitingService{admitErr: assert.AnError}
	w := NewAdmissionWorker(&AdmissionWorkerConfig{
		AdmitInterval:  10 * time.Millisecond,
		StatusInterval: time.Minute,
	}, svc, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	// Sweeps keep running despite errors; failed sweeps are not counted
	assert.Greater(t, svc.admitCalls.Load(), int64(3))
	_, sweeps := w.Stats()
	assert.Equal(t, int64(0), sweeps)
}

func TestDefaultAdmissionWorkerConfig(t *testing.T) {
	cfg := DefaultAdmissionWorkerConfig()
	assert.Equal(t, 1*time.Second, cfg.AdmitInterval)
	assert.Equal(t, 5*time.Second, cfg.StatusInterval)
}

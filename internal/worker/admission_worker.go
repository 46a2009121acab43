package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/suriyaw/concert-gate/internal/metrics"
	"github.com/suriyaw/concert-gate/internal/service"
	"github.com/suriyaw/concert-gate/pkg/logger"
)

// AdmissionWorkerConfig holds configuration for the admission worker
type AdmissionWorkerConfig struct {
	// AdmitInterval is the time between promotion sweeps (default: 1 second)
	AdmitInterval time.Duration
	// StatusInterval is the time between rank status broadcasts (default: 5 seconds)
	StatusInterval time.Duration
}

// DefaultAdmissionWorkerConfig returns default configuration
func DefaultAdmissionWorkerConfig() *AdmissionWorkerConfig {
	return &AdmissionWorkerConfig{
		AdmitInterval:  1 * time.Second,
		StatusInterval: 5 * time.Second,
	}
}

// AdmissionWorker promotes waiting users into free permit slots and
// periodically signals all instances to push rank updates to their streams
type AdmissionWorker struct {
	config     *AdmissionWorkerConfig
	waitingSvc service.WaitingService
	log        *logger.Logger

	mu            sync.Mutex
	lastSweepTime time.Time
	sweepCount    int64
}

// NewAdmissionWorker creates a new admission worker
func NewAdmissionWorker(
	cfg *AdmissionWorkerConfig,
	waitingSvc service.WaitingService,
	log *logger.Logger,
) *AdmissionWorker {
	if cfg == nil {
		cfg = DefaultAdmissionWorkerConfig()
	}
	if cfg.AdmitInterval <= 0 {
		cfg.AdmitInterval = 1 * time.Second
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 5 * time.Second
	}

	return &AdmissionWorker{
		config:     cfg,
		waitingSvc: waitingSvc,
		log:        log,
	}
}

// Start runs the promotion and status tickers until ctx is cancelled
func (w *AdmissionWorker) Start(ctx context.Context) {
	admitTicker := time.NewTicker(w.config.AdmitInterval)
	defer admitTicker.Stop()

	statusTicker := time.NewTicker(w.config.StatusInterval)
	defer statusTicker.Stop()

	w.log.Info(fmt.Sprintf("Admission worker started (admit interval: %v, status interval: %v)",
		w.config.AdmitInterval, w.config.StatusInterval))

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Admission worker stopping...")
			return
		case <-admitTicker.C:
			w.sweep(ctx)
		case <-statusTicker.C:
			if err := w.waitingSvc.PublishStatusSignal(ctx); err != nil {
				w.log.Warn(fmt.Sprintf("Failed to publish status signal: %v", err))
			}
		}
	}
}

// sweep runs one promotion pass across all active schedules
func (w *AdmissionWorker) sweep(ctx context.Context) {
	if err := w.waitingSvc.AdmitFromQueues(ctx); err != nil {
		w.log.Error(fmt.Sprintf("Admission sweep failed: %v", err))
		metrics.RecordError(ctx, "sweep_failed", "admit_from_queues")
		return
	}

	w.mu.Lock()
	w.lastSweepTime = time.Now()
	w.sweepCount++
	w.mu.Unlock()
}

// Stats returns the sweep counters for health reporting
func (w *AdmissionWorker) Stats() (lastSweep time.Time, sweeps int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSweepTime, w.sweepCount
}

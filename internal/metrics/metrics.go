package metrics

import (
	"context"
	"sync"

	"github.com/suriyaw/concert-gate/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// Hold counters
	HoldsCreated  *telemetry.Counter
	HoldsReleased *telemetry.Counter
	HoldsRejected *telemetry.Counter

	// Idempotency counters
	DuplicateRequests *telemetry.Counter

	// Waiting room counters
	UsersEnqueued    *telemetry.Counter
	UsersAdmitted    *telemetry.Counter
	PermitsReclaimed *telemetry.Counter

	// Error tracking counters
	ErrorsTotal       *telemetry.Counter
	SlowRequestsTotal *telemetry.Counter

	// Histograms
	LockWaitDuration *telemetry.Histogram
	AdmissionBatch   *telemetry.Histogram
	RequestDuration  *telemetry.Histogram

	// Gauges
	ActiveStreams *telemetry.UpDownCounter

	initOnce sync.Once
	initErr  error
)

// Init initializes all gate metrics
func Init() error {
	initOnce.Do(func() {
		initErr = initMetrics()
	})
	return initErr
}

func initMetrics() error {
	var err error

	HoldsCreated, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "gate_holds_created_total",
		Description: "Total number of seat hold sets created",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	HoldsReleased, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "gate_holds_released_total",
		Description: "Total number of seat holds released",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	HoldsRejected, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "gate_holds_rejected_total",
		Description: "Total number of hold attempts rejected",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	DuplicateRequests, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "gate_duplicate_requests_total",
		Description: "Total number of requests short-circuited by the idempotency guard",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	UsersEnqueued, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "gate_users_enqueued_total",
		Description: "Total number of users placed in a waiting queue",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	UsersAdmitted, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "gate_users_admitted_total",
		Description: "Total number of users admitted from waiting queues",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	PermitsReclaimed, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "gate_permits_reclaimed_total",
		Description: "Total number of permits returned after token expiry",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	// Lock acquisition is bounded at a few seconds, buckets reflect that
	LockWaitDuration, err = telemetry.NewHistogramWithBuckets(telemetry.MetricOpts{
		Name:        "gate_lock_wait_duration_seconds",
		Description: "Time spent acquiring seat locks",
		Unit:        "s",
	}, []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5})
	if err != nil {
		return err
	}

	AdmissionBatch, err = telemetry.NewHistogramWithBuckets(telemetry.MetricOpts{
		Name:        "gate_admission_batch_size",
		Description: "Users admitted per promotion pass",
		Unit:        "1",
	}, []float64{0, 1, 5, 10, 25, 50, 100, 250})
	if err != nil {
		return err
	}

	RequestDuration, err = telemetry.NewHistogramWithBuckets(telemetry.MetricOpts{
		Name:        "gate_request_duration_seconds",
		Description: "HTTP request duration in seconds",
		Unit:        "s",
	}, []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10})
	if err != nil {
		return err
	}

	ErrorsTotal, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "gate_errors_total",
		Description: "Total number of errors by type",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	SlowRequestsTotal, err = telemetry.NewCounter(telemetry.MetricOpts{
		Name:        "gate_slow_requests_total",
		Description: "Total number of slow requests (>1s)",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	ActiveStreams, err = telemetry.NewUpDownCounter(telemetry.MetricOpts{
		Name:        "gate_active_streams",
		Description: "Current number of open rank streams",
		Unit:        "1",
	})
	if err != nil {
		return err
	}

	return nil
}

// RecordHoldCreated records a successful hold
func RecordHoldCreated(ctx context.Context, scheduleID int64, seatCount int) {
	if HoldsCreated != nil {
		HoldsCreated.Inc(ctx,
			attribute.Int64("schedule_id", scheduleID),
			attribute.Int("seat_count", seatCount),
		)
	}
}

// RecordHoldReleased records released holds
func RecordHoldReleased(ctx context.Context, scheduleID int64, count int64) {
	if HoldsReleased != nil {
		HoldsReleased.Add(ctx, count,
			attribute.Int64("schedule_id", scheduleID),
		)
	}
}

// RecordHoldRejected records a rejected hold attempt
func RecordHoldRejected(ctx context.Context, scheduleID int64, reason string) {
	if HoldsRejected != nil {
		HoldsRejected.Inc(ctx,
			attribute.Int64("schedule_id", scheduleID),
			attribute.String("reason", reason),
		)
	}
}

// RecordDuplicateRequest records a request short-circuited by the guard
func RecordDuplicateRequest(ctx context.Context, operation string) {
	if DuplicateRequests != nil {
		DuplicateRequests.Inc(ctx,
			attribute.String("operation", operation),
		)
	}
}

// RecordEnqueue records a user placed in a waiting queue
func RecordEnqueue(ctx context.Context, scheduleID int64) {
	if UsersEnqueued != nil {
		UsersEnqueued.Inc(ctx,
			attribute.Int64("schedule_id", scheduleID),
		)
	}
}

// RecordAdmissions records one promotion pass
func RecordAdmissions(ctx context.Context, scheduleID int64, admitted int64) {
	if UsersAdmitted != nil && admitted > 0 {
		UsersAdmitted.Add(ctx, admitted,
			attribute.Int64("schedule_id", scheduleID),
		)
	}
	if AdmissionBatch != nil {
		AdmissionBatch.Record(ctx, float64(admitted),
			attribute.Int64("schedule_id", scheduleID),
		)
	}
}

// RecordPermitReclaimed records a permit returned after token expiry
func RecordPermitReclaimed(ctx context.Context, scheduleID int64) {
	if PermitsReclaimed != nil {
		PermitsReclaimed.Inc(ctx,
			attribute.Int64("schedule_id", scheduleID),
		)
	}
}

// RecordLockWait records time spent acquiring seat locks
func RecordLockWait(ctx context.Context, durationSeconds float64, acquired bool) {
	if LockWaitDuration != nil {
		LockWaitDuration.Record(ctx, durationSeconds,
			attribute.Bool("acquired", acquired),
		)
	}
}

// RecordError records an error by type and operation
func RecordError(ctx context.Context, errorType, operation string) {
	if ErrorsTotal != nil {
		ErrorsTotal.Inc(ctx,
			attribute.String("error_type", errorType),
			attribute.String("operation", operation),
		)
	}
}

// RecordRequestDuration records HTTP request duration and tracks slow requests
func RecordRequestDuration(ctx context.Context, operation string, durationSeconds float64) {
	if RequestDuration != nil {
		RequestDuration.Record(ctx, durationSeconds,
			attribute.String("operation", operation),
		)
	}
	if durationSeconds > 1.0 && SlowRequestsTotal != nil {
		SlowRequestsTotal.Inc(ctx,
			attribute.String("operation", operation),
		)
	}
}

// StreamOpened tracks an opened rank stream
func StreamOpened(ctx context.Context) {
	if ActiveStreams != nil {
		ActiveStreams.Inc(ctx)
	}
}

// StreamClosed tracks a closed rank stream
func StreamClosed(ctx context.Context) {
	if ActiveStreams != nil {
		ActiveStreams.Dec(ctx)
	}
}

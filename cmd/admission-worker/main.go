package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/suriyaw/concert-gate/internal/di"
	"github.com/suriyaw/concert-gate/internal/metrics"
	"github.com/suriyaw/concert-gate/internal/service"
	"github.com/suriyaw/concert-gate/internal/worker"
	"github.com/suriyaw/concert-gate/pkg/config"
	"github.com/suriyaw/concert-gate/pkg/logger"
	pkgredis "github.com/suriyaw/concert-gate/pkg/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logCfg := &logger.Config{
		Level:       cfg.App.Environment,
		ServiceName: "admission-worker",
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting Admission Worker...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := metrics.Init(); err != nil {
		appLog.Warn(fmt.Sprintf("Metrics init failed: %v", err))
	}

	// Initialize Redis connection
	redisCfg := &pkgredis.Config{
		Host:          cfg.Redis.Host,
		Port:          cfg.Redis.Port,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		PoolSize:      cfg.Redis.PoolSize,
		MaxRetries:    3,
		RetryInterval: 2 * time.Second,
	}
	redis, err := pkgredis.NewClient(ctx, redisCfg)
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to connect to Redis: %v", err))
	}
	defer redis.Close()
	appLog.Info("Redis connected")

	// Initialize Kafka event publisher
	var eventPublisher service.EventPublisher
	eventPublisher, err = service.NewKafkaEventPublisher(ctx, &service.EventPublisherConfig{
		Brokers:     cfg.Kafka.Brokers,
		Topic:       "gate-events",
		ServiceName: "admission-worker",
		ClientID:    cfg.Kafka.ClientID,
	})
	if err != nil {
		appLog.Warn(fmt.Sprintf("Kafka connection failed, using no-op publisher: %v", err))
		eventPublisher = service.NewNoOpEventPublisher()
	}
	defer eventPublisher.Close()

	// This binary owns permit reclamation: it is the single subscriber to
	// admitted-token expiry events, so permits freed by unused tokens are
	// returned exactly once.
	container := di.NewContainer(&di.ContainerConfig{
		Config:         cfg,
		Redis:          redis,
		EventPublisher: eventPublisher,
		ReclaimExpired: cfg.Waiting.ReclaimExpired,
	})

	// Pre-load Lua scripts
	if err := container.LoadScripts(ctx); err != nil {
		appLog.Warn(fmt.Sprintf("Failed to pre-load Lua scripts: %v", err))
	}

	// Run the subscriber for admitted-token expiry events
	go func() {
		if err := container.Subscriber.Run(ctx); err != nil && ctx.Err() == nil {
			appLog.Error(fmt.Sprintf("Signal subscriber stopped: %v", err))
		}
	}()

	workerCfg := &worker.AdmissionWorkerConfig{
		AdmitInterval:  cfg.Waiting.AdmitInterval,
		StatusInterval: cfg.Waiting.StatusInterval,
	}
	appLog.Info(fmt.Sprintf("Worker configuration: AdmitInterval=%v, StatusInterval=%v, PermitCapacity=%d",
		workerCfg.AdmitInterval, workerCfg.StatusInterval, cfg.Waiting.PermitCapacity))

	admissionWorker := worker.NewAdmissionWorker(workerCfg, container.WaitingService, appLog)

	// Start worker in background
	go admissionWorker.Start(ctx)
	appLog.Info("Admission worker started")

	// Start metrics reporter in background
	go reportMetrics(ctx, admissionWorker, appLog)

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Info("Shutting down admission worker...")
	cancel()

	// Give worker time to finish
	time.Sleep(2 * time.Second)
	appLog.Info("Admission worker stopped")
}

// reportMetrics periodically logs worker sweep counters
func reportMetrics(ctx context.Context, w *worker.AdmissionWorker, log *logger.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lastSweep, sweeps := w.Stats()
			if sweeps > 0 {
				log.Info(fmt.Sprintf("Metrics: Sweeps=%d, Last sweep at %v",
					sweeps, lastSweep.Format(time.RFC3339)))
			}
		}
	}
}

package di

import (
	"context"

	"github.com/suriyaw/concert-gate/internal/handler"
	"github.com/suriyaw/concert-gate/internal/idempotency"
	"github.com/suriyaw/concert-gate/internal/lock"
	"github.com/suriyaw/concert-gate/internal/notifier"
	"github.com/suriyaw/concert-gate/internal/repository"
	"github.com/suriyaw/concert-gate/internal/service"
	"github.com/suriyaw/concert-gate/pkg/config"
	"github.com/suriyaw/concert-gate/pkg/database"
	"github.com/suriyaw/concert-gate/pkg/redis"
)

// Container holds all dependencies for the gate service
type Container struct {
	// Infrastructure
	DB    *database.PostgresDB
	Redis *redis.Client

	// Concurrency primitives
	Locker lock.Locker
	Guard  idempotency.Guard

	// Repositories
	HoldRepo    repository.HoldRepository
	WaitingRepo repository.WaitingRepository

	// Notification
	Registry   *notifier.Registry
	Notifier   *notifier.RankNotifier
	Subscriber *notifier.Subscriber

	// Publishers
	EventPublisher service.EventPublisher

	// Services
	HoldService    service.HoldService
	WaitingService service.WaitingService

	// Handlers
	HealthHandler  *handler.HealthHandler
	HoldHandler    *handler.HoldHandler
	WaitingHandler *handler.WaitingHandler
}

// ContainerConfig contains configuration for building the container
type ContainerConfig struct {
	Config         *config.Config
	DB             *database.PostgresDB
	Redis          *redis.Client
	EventPublisher service.EventPublisher
	// ReclaimExpired makes this instance's subscriber return permits when
	// admitted tokens expire unused. Exactly one instance should set it.
	ReclaimExpired bool
}

// NewContainer creates a new dependency injection container
func NewContainer(cfg *ContainerConfig) *Container {
	appCfg := cfg.Config

	c := &Container{
		DB:             cfg.DB,
		Redis:          cfg.Redis,
		EventPublisher: cfg.EventPublisher,
	}

	// Concurrency primitives
	c.Locker = lock.NewManager(cfg.Redis)
	if appCfg.Hold.IdempotencyStore == "postgres" && cfg.DB != nil {
		c.Guard = idempotency.NewPostgresGuard(cfg.DB.Pool(), appCfg.Hold.IdempotencyTTL)
	} else {
		c.Guard = idempotency.NewRedisGuard(cfg.Redis, appCfg.Hold.IdempotencyTTL)
	}

	// Repositories
	c.HoldRepo = repository.NewRedisHoldRepository(cfg.Redis)
	c.WaitingRepo = repository.NewRedisWaitingRepository(cfg.Redis)

	// Notification
	c.Registry = notifier.NewRegistry()
	c.Notifier = notifier.NewRankNotifier(c.Registry, c.WaitingRepo, cfg.Redis)
	c.Subscriber = notifier.NewSubscriber(c.Notifier, c.WaitingRepo, cfg.Redis, notifier.SubscriberConfig{
		ReclaimExpired: cfg.ReclaimExpired,
	})

	// Services
	c.HoldService = service.NewHoldService(
		c.Locker,
		c.HoldRepo,
		c.Guard,
		c.EventPublisher,
		&service.HoldServiceConfig{
			HoldTTL:   appCfg.Hold.TTL,
			LockWait:  appCfg.Hold.LockWait,
			LockLease: appCfg.Hold.LockLease,
		},
	)
	c.WaitingService = service.NewWaitingService(
		c.WaitingRepo,
		c.Locker,
		c.Registry,
		c.Notifier,
		c.EventPublisher,
		&service.WaitingServiceConfig{
			PermitCapacity:   appCfg.Waiting.PermitCapacity,
			AdmittedTokenTTL: appCfg.JWT.AdmittedTokenTTL,
			AdmitLockLease:   appCfg.Waiting.AdmitLockLease,
			JWTSecret:        appCfg.JWT.Secret,
			Issuer:           appCfg.JWT.Issuer,
		},
	)

	// Handlers
	c.HealthHandler = handler.NewHealthHandler(c.DB, c.Redis)
	c.HoldHandler = handler.NewHoldHandler(c.HoldService)
	c.WaitingHandler = handler.NewWaitingHandler(c.WaitingService, appCfg.Waiting.StreamTimeout)

	return c
}

// LoadScripts pre-loads all Lua scripts into Redis
func (c *Container) LoadScripts(ctx context.Context) error {
	if m, ok := c.Locker.(*lock.Manager); ok {
		if err := m.LoadScripts(ctx); err != nil {
			return err
		}
	}
	if g, ok := c.Guard.(*idempotency.RedisGuard); ok {
		if err := g.LoadScripts(ctx); err != nil {
			return err
		}
	}
	if r, ok := c.HoldRepo.(*repository.RedisHoldRepository); ok {
		if err := r.LoadScripts(ctx); err != nil {
			return err
		}
	}
	if r, ok := c.WaitingRepo.(*repository.RedisWaitingRepository); ok {
		if err := r.LoadScripts(ctx); err != nil {
			return err
		}
	}
	return nil
}

package lock

import (
	"context"
	_ "embed"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/suriyaw/concert-gate/pkg/redis"
	"github.com/suriyaw/concert-gate/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

//go:embed scripts/unlock.lua
var unlockScript string

// Script name for caching
const scriptUnlock = "unlock"

// ErrNotAcquired means the lock could not be acquired within the bounded wait
var ErrNotAcquired = errors.New("lock not acquired")

// retryInterval is the poll interval while waiting for a contended lock
const retryInterval = 50 * time.Millisecond

// Locker acquires and releases distributed locks. Multi-key acquisition is
// always in sorted key order so overlapping lock sets cannot deadlock.
type Locker interface {
	// WithLocks acquires every key (sorted, one at a time, bounded wait each),
	// runs fn, and releases all acquired locks on every exit path.
	WithLocks(ctx context.Context, keys []string, wait, lease time.Duration, fn func(ctx context.Context) error) error

	// TryLock makes a single non-blocking attempt on one key. On success the
	// returned release func must be called exactly once.
	TryLock(ctx context.Context, key string, lease time.Duration) (release func(context.Context), ok bool, err error)
}

// Manager implements Locker on Redis using SET NX PX with per-acquisition
// owner tokens and a compare-and-delete unlock script.
type Manager struct {
	client *redis.Client
}

// NewManager creates a new lock manager
func NewManager(client *redis.Client) *Manager {
	return &Manager{client: client}
}

// LoadScripts loads the unlock Lua script into Redis
func (m *Manager) LoadScripts(ctx context.Context) error {
	_, err := m.client.LoadScript(ctx, scriptUnlock, unlockScript)
	return err
}

// WithLocks acquires all keys in sorted order, runs fn, then releases
func (m *Manager) WithLocks(ctx context.Context, keys []string, wait, lease time.Duration, fn func(ctx context.Context) error) error {
	ctx, span := telemetry.StartSpan(ctx, "lock.with_locks")
	defer span.End()
	span.SetAttributes(attribute.Int("lock_count", len(keys)))

	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	type held struct {
		key   string
		token string
	}
	acquired := make([]held, 0, len(sorted))

	// Release is unconditional: every acquired lock is released exactly once
	// regardless of which path exits.
	defer func() {
		for _, h := range acquired {
			m.release(ctx, h.key, h.token)
		}
	}()

	for _, key := range sorted {
		token, err := m.acquire(ctx, key, wait, lease)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		acquired = append(acquired, held{key: key, token: token})
	}

	if err := fn(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// TryLock makes a single non-blocking attempt on one key
func (m *Manager) TryLock(ctx context.Context, key string, lease time.Duration) (func(context.Context), bool, error) {
	token := uuid.New().String()

	ok, err := m.client.SetNX(ctx, key, token, lease).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	return func(ctx context.Context) {
		m.release(ctx, key, token)
	}, true, nil
}

// acquire polls SET NX PX until success or the wait bound elapses
func (m *Manager) acquire(ctx context.Context, key string, wait, lease time.Duration) (string, error) {
	token := uuid.New().String()
	deadline := time.Now().Add(wait)

	for {
		ok, err := m.client.SetNX(ctx, key, token, lease).Result()
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}

		if time.Now().After(deadline) {
			return "", ErrNotAcquired
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// release deletes the lock only if this owner's token is still in place.
// A lock whose lease already expired is someone else's problem by now.
func (m *Manager) release(ctx context.Context, key, token string) {
	m.client.EvalWithFallback(ctx, scriptUnlock, unlockScript, []string{key}, token)
}

// Ensure Manager implements Locker
var _ Locker = (*Manager)(nil)

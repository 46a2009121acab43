package notifier

import (
	"sync"

	"github.com/suriyaw/concert-gate/internal/domain"
)

// eventBuffer sizes each subscriber channel. A slow consumer drops events
// rather than blocking the fan-out; rank updates are periodic so a dropped
// one is replaced by the next tick.
const eventBuffer = 8

type subscriberKey struct {
	scheduleID int64
	userKey    string
}

// Registry tracks the rank event channels of users streaming from this
// instance. It is purely local; cross-instance delivery goes through the
// Redis subscriber which feeds into Deliver.
type Registry struct {
	mu   sync.RWMutex
	subs map[subscriberKey]chan domain.RankEvent
}

// NewRegistry creates an empty subscriber registry
func NewRegistry() *Registry {
	return &Registry{subs: make(map[subscriberKey]chan domain.RankEvent)}
}

// Register adds a subscriber and returns its event channel plus a cancel
// func. Registering the same user again replaces the previous channel.
func (r *Registry) Register(scheduleID int64, userKey string) (<-chan domain.RankEvent, func()) {
	key := subscriberKey{scheduleID: scheduleID, userKey: userKey}
	ch := make(chan domain.RankEvent, eventBuffer)

	r.mu.Lock()
	if old, ok := r.subs[key]; ok {
		close(old)
	}
	r.subs[key] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if cur, ok := r.subs[key]; ok && cur == ch {
			delete(r.subs, key)
			close(ch)
		}
		r.mu.Unlock()
	}

	return ch, cancel
}

// Deliver sends an event to a local subscriber without blocking. Returns
// false when the user has no stream on this instance.
func (r *Registry) Deliver(scheduleID int64, userKey string, event domain.RankEvent) bool {
	r.mu.RLock()
	ch, ok := r.subs[subscriberKey{scheduleID: scheduleID, userKey: userKey}]
	r.mu.RUnlock()

	if !ok {
		return false
	}

	select {
	case ch <- event:
	default:
		// Full buffer: drop, the next status tick supersedes this event
	}
	return true
}

// Has reports whether the user streams from this instance
func (r *Registry) Has(scheduleID int64, userKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[subscriberKey{scheduleID: scheduleID, userKey: userKey}]
	return ok
}

// LocalUserKeys returns the user keys streaming a schedule from this instance
func (r *Registry) LocalUserKeys(scheduleID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []string
	for k := range r.subs {
		if k.scheduleID == scheduleID {
			keys = append(keys, k.userKey)
		}
	}
	return keys
}

// Count returns the number of local subscribers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

package notifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/suriyaw/concert-gate/internal/domain"
)

func TestRegistry_RegisterAndDeliver(t *testing.T) {
	r := NewRegistry()

	ch, cancel := r.Register(1, "user-1:aaa")
	defer cancel()

	assert.True(t, r.Has(1, "user-1:aaa"))
	assert.False(t, r.Has(1, "user-2:bbb"))
	assert.Equal(t, 1, r.Count())

	ok := r.Deliver(1, "user-1:aaa", domain.RankEvent{
		Type:         domain.RankEventStatus,
		Rank:         3,
		TotalWaiting: 10,
	})
	assert.True(t, ok)

	event := <-ch
	assert.Equal(t, domain.RankEventStatus, event.Type)
	assert.Equal(t, int64(3), event.Rank)
	assert.Equal(t, int64(10), event.TotalWaiting)
}

func TestRegistry_DeliverUnknownUser(t *testing.T) {
	r := NewRegistry()

	ok := r.Deliver(1, "user-1:aaa", domain.RankEvent{Type: domain.RankEventStatus})
	assert.False(t, ok)
}

func TestRegistry_CancelRemovesSubscriber(t *testing.T) {
	r := NewRegistry()

	ch, cancel := r.Register(1, "user-1:aaa")
	cancel()

	assert.False(t, r.Has(1, "user-1:aaa"))
	assert.Equal(t, 0, r.Count())

	// Channel is closed after cancel
	_, open := <-ch
	assert.False(t, open)

	// Cancel is idempotent
	cancel()
}

func TestRegistry_ReRegisterReplacesChannel(t *testing.T) {
	r := NewRegistry()

	old, _ := r.Register(1, "user-1:aaa")
	newCh, cancel := r.Register(1, "user-1:aaa")
	defer cancel()

	// Old channel closed on replacement
	_, open := <-old
	assert.False(t, open)

	r.Deliver(1, "user-1:aaa", domain.RankEvent{Type: domain.RankEventAdmitted, Token: "tok"})
	event := <-newCh
	assert.Equal(t, domain.RankEventAdmitted, event.Type)
	assert.Equal(t, "tok", event.Token)

	assert.Equal(t, 1, r.Count())
}

func TestRegistry_FullBufferDoesNotBlock(t *testing.T) {
	r := NewRegistry()

	_, cancel := r.Register(1, "user-1:aaa")
	defer cancel()

	// Overfill the buffer; Deliver must never block
	for i := 0; i < eventBuffer+5; i++ {
		ok := r.Deliver(1, "user-1:aaa", domain.RankEvent{Type: domain.RankEventStatus, Rank: int64(i)})
		assert.True(t, ok)
	}
}

func TestRegistry_LocalUserKeys(t *testing.T) {
	r := NewRegistry()

	_, c1 := r.Register(1, "user-1:aaa")
	_, c2 := r.Register(1, "user-2:bbb")
	_, c3 := r.Register(2, "user-3:ccc")
	defer c1()
	defer c2()
	defer c3()

	keys := r.LocalUserKeys(1)
	assert.Len(t, keys, 2)
	assert.ElementsMatch(t, []string{"user-1:aaa", "user-2:bbb"}, keys)

	assert.Equal(t, []string{"user-3:ccc"}, r.LocalUserKeys(2))
	assert.Empty(t, r.LocalUserKeys(3))
}

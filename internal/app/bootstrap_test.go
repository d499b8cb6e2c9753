package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"feedspy/internal/storage"
	"feedspy/internal/task/gate"
	"feedspy/internal/task/scheduler"
	logx "feedspy/pkg/logx"
)

// slowStore delays every state load and records how many overlap.
type slowStore struct {
	storage.Store
	delay  time.Duration
	broken string

	mu         sync.Mutex
	inflight   int
	peak       int
	loadsTotal int
}

func (s *slowStore) LoadSubscriptionState(ctx context.Context, identity string) (storage.SubscriptionState, error) {
	s.mu.Lock()
	s.inflight++
	s.loadsTotal++
	s.peak = max(s.peak, s.inflight)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}()

	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return storage.SubscriptionState{}, ctx.Err()
	}
	if identity == s.broken {
		return storage.SubscriptionState{}, errors.New("disk I/O error")
	}
	return s.Store.LoadSubscriptionState(ctx, identity)
}

func TestBootstrapUsesActivationGateConcurrency(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := storage.NewMemory()
	for i := 1; i <= 6; i++ {
		id := fmt.Sprint(i)
		require.NoError(t, mem.EnsureUser(ctx, id, id))
		_, err := mem.Track(ctx, id, "golang")
		require.NoError(t, err)
	}
	store := &slowStore{Store: mem, delay: 50 * time.Millisecond, broken: "6"}

	sched, err := scheduler.New(scheduler.Config{Gates: gate.Config{Search: 1, Private: 1, Activation: 2}}, scheduler.Deps{
		Feeds:    stubFeeds{},
		Delivery: nopDelivery{},
		Store:    store,
		Log:      logx.Nop(),
	})
	require.NoError(t, err)

	n := bootstrapUsers(ctx, store, sched, logx.Nop())
	require.Equal(t, 5, n)
	require.Equal(t, 6, store.loadsTotal)
	require.Equal(t, 2, store.peak)

	for i := 1; i <= 5; i++ {
		id := fmt.Sprint(i)
		require.Equal(t, []string{id}, sched.Endpoints(id))
	}
	require.Empty(t, sched.Endpoints("6"))
	topics := sched.Snapshot().Topics
	require.Len(t, topics, 1)
	require.Len(t, topics[0].Subscribers, 5)
}

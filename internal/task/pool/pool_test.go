package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"feedspy/internal/eventbus"
	logx "feedspy/pkg/logx"
)

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestEnqueueRunsJob(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	p := New(Config{Workers: 1, QueueSize: 4}, logx.Nop(), bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop(context.Background())

	done := make(chan struct{})
	require.NoError(t, p.Enqueue(Job{Name: "persist", Run: func(ctx context.Context) error {
		close(done)
		return nil
	}}))
	<-done

	ev := waitEvent(t, events, eventbus.JobFinished)
	je := ev.Data.(JobEvent)
	require.Equal(t, "persist", je.Name)
	require.NotEmpty(t, je.ID)
	require.Equal(t, uint64(1), p.Snapshot().Completed)
}

func TestFailedJobIsNotRetried(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	p := New(Config{Workers: 1}, logx.Nop(), bus)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	calls := make(chan struct{}, 4)
	require.NoError(t, p.Enqueue(Job{Name: "write", Run: func(ctx context.Context) error {
		calls <- struct{}{}
		return errors.New("disk full")
	}}))

	ev := waitEvent(t, events, eventbus.JobFailed)
	require.Equal(t, "disk full", ev.Data.(JobEvent).Error)
	require.Len(t, calls, 1)
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()

	p := New(Config{Workers: 1, QueueSize: 1}, logx.Nop(), nil)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Enqueue(Job{Name: "block", Run: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	require.NoError(t, p.Enqueue(Job{Name: "queued", Run: func(ctx context.Context) error { return nil }}))
	err := p.Enqueue(Job{Name: "overflow", Run: func(ctx context.Context) error { return nil }})
	require.ErrorIs(t, err, ErrQueueFull)
	require.Equal(t, uint64(1), p.Snapshot().DroppedFull)
	close(block)
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()

	p := New(Config{}, logx.Nop(), nil)
	require.ErrorIs(t, p.Enqueue(Job{Name: "x", Run: func(ctx context.Context) error { return nil }}), ErrStopped)
	require.Error(t, p.Enqueue(Job{Name: "x"}))
	require.Error(t, p.Enqueue(Job{Name: " ", Run: func(ctx context.Context) error { return nil }}))
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	p := New(Config{Workers: 1}, logx.Nop(), bus)
	p.Start(context.Background())
	defer p.Stop(context.Background())

	require.NoError(t, p.Enqueue(Job{Name: "bad", Run: func(ctx context.Context) error { panic("x") }}))
	ev := waitEvent(t, events, eventbus.JobFailed)
	require.Contains(t, ev.Data.(JobEvent).Error, "panic")
}

package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubA()
	defer unsubC()

	Publish(b, BudgetReset, 7)

	ea := <-a
	ec := <-c
	require.Equal(t, BudgetReset, ea.Type)
	require.Equal(t, 7, ec.Data)
	require.False(t, ea.Time.IsZero())
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: PollFinished})
	b.Publish(Event{Type: PollFailed})

	require.Len(t, ch, 1)
	require.Equal(t, PollFinished, (<-ch).Type)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	require.False(t, ok)

	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: JobDropped})
}

func TestPublishNilBus(t *testing.T) {
	t.Parallel()
	require.NotPanics(t, func() { Publish(nil, JobFailed, nil) })
}

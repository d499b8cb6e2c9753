package app

import (
	"fmt"
	"strings"
	"time"

	"feedspy/internal/health"
	"feedspy/internal/notifier"
	rtsup "feedspy/internal/runtime/supervisor"
	"feedspy/internal/task/pool"
	"feedspy/internal/task/scheduler"
)

type statusInput struct {
	Sched    scheduler.Snapshot
	Writes   pool.Snapshot
	Notifier notifier.Snapshot
	Mood     health.Mood
	Runtime  rtsup.Snapshot
}

func (a *App) statusText() string {
	return renderStatus(statusInput{
		Sched:    a.sched.Snapshot(),
		Writes:   a.writes.Snapshot(),
		Notifier: a.notif.Snapshot(),
		Mood:     a.health.CurrentMood(),
		Runtime:  a.sup.Snapshot(),
	})
}

func renderStatus(in statusInput) string {
	var b strings.Builder
	s := in.Sched

	fmt.Fprintf(&b, "connected: %t\n", s.Connected)
	fmt.Fprintf(&b, "budget: %d/%d left, window %s, exhausted %d times",
		s.Budget.Remaining, s.Budget.Capacity, s.Budget.Window, s.Budget.ExhaustedEvents)
	if !s.Budget.LastReset.IsZero() {
		fmt.Fprintf(&b, ", reset %s ago", time.Since(s.Budget.LastReset).Truncate(time.Second))
	}
	b.WriteString("\n")
	for _, g := range s.Gates {
		fmt.Fprintf(&b, "gate %s: %d/%d active, %d waiting\n", g.Name, g.Active, g.Capacity, g.Waiting)
	}

	fmt.Fprintf(&b, "topics: %d\n", len(s.Topics))
	for _, t := range s.Topics {
		fmt.Fprintf(&b, "  %q %s wm=%d subs=%d\n", t.Query, t.State, t.Watermark, len(t.Subscribers))
	}
	fmt.Fprintf(&b, "accounts: %d\n", len(s.Accounts))
	for _, acc := range s.Accounts {
		friends := "off"
		if acc.FriendWM != nil {
			friends = fmt.Sprintf("%d", *acc.FriendWM)
		}
		fmt.Fprintf(&b, "  %s %s creds=%t dm=%d friends=%s subs=%d\n",
			acc.Identity, acc.State, acc.HasCredentials, acc.DMWatermark, friends, len(acc.Subscribers))
	}

	if in.Mood.Label != "" {
		fmt.Fprintf(&b, "mood: %s (%d/%d)\n", in.Mood.Label, in.Mood.Good, in.Mood.Total)
	}
	w := in.Writes
	fmt.Fprintf(&b, "writes: queue %d/%d, done %d, failed %d, dropped %d\n",
		w.QueueLen, w.QueueCap, w.Completed, w.Failed, w.DroppedFull+w.DroppedStale)
	n := in.Notifier
	fmt.Fprintf(&b, "deliveries: queue %d/%d, sent %d, deduped %d, failed %d, dropped %d\n",
		n.QueueLen, n.QueueCap, n.Sent, n.Deduped, n.Failed, n.Dropped)
	fmt.Fprintf(&b, "goroutines: %d active, %d started", in.Runtime.Active, in.Runtime.Started)
	if in.Runtime.FirstError != "" {
		fmt.Fprintf(&b, "\nfirst error: %s", in.Runtime.FirstError)
	}
	return b.String()
}

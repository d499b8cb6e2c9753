package scheduler

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"feedspy/internal/eventbus"
	"feedspy/internal/feed"
	"feedspy/internal/storage"
	"feedspy/internal/task/merge"
	logx "feedspy/pkg/logx"
)

// Account polls the private feeds of one credentialed user.
type Account struct {
	env      *env
	store    Persistence
	identity string
	log      logx.Logger
	timer    timer

	mu    sync.Mutex
	creds *feed.Credentials
	// friendWM nil disables the friends feed.
	friendWM *int64
	dmWM     int64
	subs     subscriptionSet
}

func newAccount(e *env, store Persistence, identity string, friendWM *int64, dmWM int64) *Account {
	if friendWM != nil {
		v := *friendWM
		friendWM = &v
	}
	return &Account{
		env:      e,
		store:    store,
		identity: identity,
		log:      e.log.With(logx.String("account", identity)),
		friendWM: friendWM,
		dmWM:     dmWM,
		subs:     subscriptionSet{},
	}
}

func (a *Account) Identity() string { return a.identity }

func (a *Account) State() State { return a.timer.State() }

// Watermarks returns the DM watermark and the friend watermark (nil when
// friend polling is disabled).
func (a *Account) Watermarks() (dm int64, friend *int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.friendWM != nil {
		v := *a.friendWM
		friend = &v
	}
	return a.dmWM, friend
}

func (a *Account) Subscribers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.subs.list()
}

func (a *Account) HasCredentials() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creds.Present()
}

// setCredentials stores c and arms or disarms the timer to match.
func (a *Account) setCredentials(c *feed.Credentials) {
	var cp *feed.Credentials
	if c.Present() {
		v := *c
		cp = &v
	}
	a.mu.Lock()
	a.creds = cp
	a.mu.Unlock()

	if cp != nil {
		a.Start()
		return
	}
	a.Stop()
}

func (a *Account) Start() {
	if delay, ok := a.timer.arm(a.env, a, a.env.accountPeriod, true); ok {
		a.log.Debug("account scheduled", logx.Duration("jitter", delay), logx.Duration("every", a.env.accountPeriod))
	}
}

func (a *Account) Stop() {
	if a.timer.disarm(a.env) {
		a.log.Debug("account stopped")
	}
}

// Run implements cron.Job.
func (a *Account) Run() { _ = a.Tick(a.env.ctx) }

// Tick polls the DM feed and, when enabled, the friends feed. Both run
// concurrently inside one private-gate slot and each spends its own ticket.
func (a *Account) Tick(ctx context.Context) error {
	a.mu.Lock()
	creds := a.creds
	a.mu.Unlock()
	if !a.env.connected.Load() || !creds.Present() {
		eventbus.Publish(a.env.bus, eventbus.PollSkipped, PollEvent{Kind: "account", Key: a.identity, Error: "inactive"})
		return nil
	}
	a.timer.polling()
	defer a.timer.idle()

	return a.env.gates.Private.Run(ctx, func(ctx context.Context) error {
		client := a.env.feeds.ForCredentials(*creds)
		dm, friend := a.Watermarks()

		var g errgroup.Group
		g.Go(func() error {
			return a.poll(ctx, feed.KindDirect, dm, client.DirectMessages)
		})
		if friend != nil {
			since := *friend
			g.Go(func() error {
				return a.poll(ctx, feed.KindFriend, since, client.Friends)
			})
		}
		return g.Wait()
	})
}

type privateFeed func(ctx context.Context, onItem feed.Handler, since int64) error

func (a *Account) poll(ctx context.Context, kind feed.Kind, since int64, fetch privateFeed) error {
	ev := PollEvent{Kind: string(kind), Key: a.identity}
	log := a.log.With(logx.String("feed", string(kind)))

	err := func() error {
		if _, err := a.env.budget.Acquire(); err != nil {
			return err
		}
		c := merge.NewCollector()
		err := a.env.call(ctx, func(ctx context.Context) error {
			return fetch(ctx, func(e feed.Entry) {
				c.Add(feed.PrivateItem(kind, e, a.env.profileURL))
			}, since)
		})
		if err != nil {
			return err
		}

		wm, changed, field := a.advance(kind, c)
		items := c.Items()
		sent := a.env.deliver(ctx, log, items, a.Subscribers())
		if changed {
			a.env.persist(a.store, a.identity, field, wm)
		}
		ev.Items, ev.Watermark = len(items), wm
		log.Debug("account feed polled", logx.Int("items", len(items)), logx.Int("sent", sent), logx.Int64("watermark", wm))
		return nil
	}()

	switch {
	case err == nil:
		eventbus.Publish(a.env.bus, eventbus.PollFinished, ev)
	case skipped(err):
		log.Info("account poll skipped", logx.Err(err))
		ev.Error = err.Error()
		eventbus.Publish(a.env.bus, eventbus.PollSkipped, ev)
	default:
		log.Warn("account poll failed", logx.Err(err))
		ev.Error = err.Error()
		eventbus.Publish(a.env.bus, eventbus.PollFailed, ev)
	}
	return err
}

// advance moves the sub-feed watermark forward. A friend watermark cleared
// while the poll was in flight stays cleared.
func (a *Account) advance(kind feed.Kind, c *merge.Collector) (int64, bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if kind == feed.KindFriend {
		if a.friendWM == nil {
			return 0, false, storage.FieldFriendTimelineID
		}
		wm, changed := c.Advance(*a.friendWM)
		*a.friendWM = wm
		return wm, changed, storage.FieldFriendTimelineID
	}
	wm, changed := c.Advance(a.dmWM)
	a.dmWM = wm
	return wm, changed, storage.FieldDirectMessageID
}

package scheduler

import (
	"context"
	"sync"

	"feedspy/internal/eventbus"
	"feedspy/internal/feed"
	"feedspy/internal/storage"
	"feedspy/internal/task/merge"
	logx "feedspy/pkg/logx"
)

// Topic polls one search query for all of its subscribers.
type Topic struct {
	env   *env
	store Persistence
	query string
	log   logx.Logger
	timer timer

	mu        sync.Mutex
	watermark int64
	subs      subscriptionSet
}

func newTopic(e *env, store Persistence, query string, watermark int64) *Topic {
	return &Topic{
		env:       e,
		store:     store,
		query:     query,
		log:       e.log.With(logx.String("topic", query)),
		watermark: watermark,
		subs:      subscriptionSet{},
	}
}

func (t *Topic) Query() string { return t.query }

func (t *Topic) State() State { return t.timer.State() }

func (t *Topic) Watermark() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.watermark
}

// Subscribers returns the current endpoints, sorted.
func (t *Topic) Subscribers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subs.list()
}

// Start arms the timer. Calling it on a running topic is a no-op.
func (t *Topic) Start() {
	if delay, ok := t.timer.arm(t.env, t, t.env.topicPeriod, false); ok {
		t.log.Debug("topic scheduled", logx.Duration("first_in", delay), logx.Duration("every", t.env.topicPeriod))
	}
}

// Stop removes the timer. A tick already running completes.
func (t *Topic) Stop() {
	if t.timer.disarm(t.env) {
		t.log.Debug("topic stopped")
	}
}

// Run implements cron.Job.
func (t *Topic) Run() { _ = t.Tick(t.env.ctx) }

// Tick performs one poll-and-deliver cycle.
func (t *Topic) Tick(ctx context.Context) error {
	if !t.env.connected.Load() {
		eventbus.Publish(t.env.bus, eventbus.PollSkipped, PollEvent{Kind: "topic", Key: t.query, Error: "disconnected"})
		return nil
	}
	t.timer.polling()
	defer t.timer.idle()

	var (
		items []feed.Item
		wm    int64
	)
	err := t.env.gates.Search.Run(ctx, func(ctx context.Context) error {
		if _, err := t.env.budget.Acquire(); err != nil {
			return err
		}
		c := merge.NewCollector()
		since := t.Watermark()
		err := t.env.call(ctx, func(ctx context.Context) error {
			return t.env.feeds.Anonymous().Search(ctx, t.query, func(e feed.Entry) {
				c.Add(feed.SearchItem(e))
			}, since)
		})
		if err != nil {
			return err
		}

		var changed bool
		t.mu.Lock()
		wm, changed = c.Advance(t.watermark)
		t.watermark = wm
		subs := t.subs.list()
		t.mu.Unlock()

		items = c.Items()
		sent := t.env.deliver(ctx, t.log, items, subs)
		if changed {
			t.env.persist(t.store, t.query, storage.FieldTopicMaxSeen, wm)
		}
		t.log.Debug("topic polled", logx.Int("items", len(items)), logx.Int("sent", sent), logx.Int64("watermark", wm))
		return nil
	})
	return t.finish(err, len(items), wm)
}

func (t *Topic) finish(err error, n int, wm int64) error {
	ev := PollEvent{Kind: "topic", Key: t.query, Items: n, Watermark: wm}
	switch {
	case err == nil:
		eventbus.Publish(t.env.bus, eventbus.PollFinished, ev)
	case skipped(err):
		t.log.Info("topic poll skipped", logx.Err(err))
		ev.Error = err.Error()
		eventbus.Publish(t.env.bus, eventbus.PollSkipped, ev)
	default:
		t.log.Warn("topic poll failed", logx.Err(err))
		ev.Error = err.Error()
		eventbus.Publish(t.env.bus, eventbus.PollFailed, ev)
	}
	return err
}

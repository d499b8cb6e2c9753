package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"feedspy/internal/feed"
	"feedspy/internal/health"
	"feedspy/internal/storage"
	"feedspy/internal/task/budget"
	"feedspy/internal/task/pool"
	logx "feedspy/pkg/logx"
)

type fakeEntry struct {
	sched cron.Schedule
	job   cron.Job
}

type fakeTimers struct {
	mu      sync.Mutex
	next    cron.EntryID
	entries map[cron.EntryID]fakeEntry
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{entries: map[cron.EntryID]fakeEntry{}}
}

func (f *fakeTimers) Schedule(s cron.Schedule, j cron.Job) cron.EntryID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.entries[f.next] = fakeEntry{sched: s, job: j}
	return f.next
}

func (f *fakeTimers) Remove(id cron.EntryID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, id)
}

// tasks counts entries that are polling tasks, ignoring the budget window.
func (f *fakeTimers) tasks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.entries {
		if _, ok := e.job.(*budget.Manager); !ok {
			n++
		}
	}
	return n
}

// fire runs every registered job once, the way cron would.
func (f *fakeTimers) fire() {
	f.mu.Lock()
	jobs := make([]cron.Job, 0, len(f.entries))
	for _, e := range f.entries {
		jobs = append(jobs, e.job)
	}
	f.mu.Unlock()
	for _, j := range jobs {
		j.Run()
	}
}

type fakeFeeds struct {
	mu      sync.Mutex
	search  map[string][]feed.Entry
	dms     []feed.Entry
	friends []feed.Entry
	err     error
	calls   []string

	// When hold is set, Search signals entered and blocks until hold closes.
	hold    chan struct{}
	entered chan struct{}
}

func (f *fakeFeeds) Anonymous() feed.Client { return &fakeClient{f: f} }

func (f *fakeFeeds) ForCredentials(c feed.Credentials) feed.Client {
	return &fakeClient{f: f, user: c.Username}
}

func (f *fakeFeeds) setSearch(q string, ids ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.search == nil {
		f.search = map[string][]feed.Entry{}
	}
	f.search[q] = entries(ids...)
}

func (f *fakeFeeds) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeFeeds) serve(call string, list []feed.Entry, onItem feed.Handler) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	err := f.err
	list = append([]feed.Entry(nil), list...)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	for _, e := range list {
		onItem(e)
	}
	return nil
}

type fakeClient struct {
	f    *fakeFeeds
	user string
}

func (c *fakeClient) Search(_ context.Context, q string, onItem feed.Handler, since int64) error {
	c.f.mu.Lock()
	list := c.f.search[q]
	hold, entered := c.f.hold, c.f.entered
	c.f.mu.Unlock()
	if hold != nil {
		entered <- struct{}{}
		<-hold
	}
	return c.f.serve(fmt.Sprintf("search:%s:%d", q, since), list, onItem)
}

func (c *fakeClient) DirectMessages(_ context.Context, onItem feed.Handler, since int64) error {
	c.f.mu.Lock()
	list := c.f.dms
	c.f.mu.Unlock()
	return c.f.serve(fmt.Sprintf("dm:%s:%d", c.user, since), list, onItem)
}

func (c *fakeClient) Friends(_ context.Context, onItem feed.Handler, since int64) error {
	c.f.mu.Lock()
	list := c.f.friends
	c.f.mu.Unlock()
	return c.f.serve(fmt.Sprintf("friends:%s:%d", c.user, since), list, onItem)
}

func entries(ids ...int64) []feed.Entry {
	out := make([]feed.Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, feed.Entry{ID: id, Author: "alice A", AuthorURI: "https://example.org/alice", Text: fmt.Sprintf("post %d", id)})
	}
	return out
}

type delivered struct {
	endpoint string
	plain    string
	key      string
}

type fakeDelivery struct {
	mu   sync.Mutex
	sent []delivered
}

func (d *fakeDelivery) SendDeduped(_ context.Context, endpoint, plain, _ string, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, delivered{endpoint: endpoint, plain: plain, key: key})
	return nil
}

func (d *fakeDelivery) SendPlain(_ context.Context, endpoint, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, delivered{endpoint: endpoint, plain: text})
	return nil
}

func (d *fakeDelivery) keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.sent))
	for _, s := range d.sent {
		out = append(out, s.key)
	}
	return out
}

type fakeAdmin struct {
	mu   sync.Mutex
	msgs []string
}

func (a *fakeAdmin) NotifyAdmins(_ context.Context, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, msg)
}

func (a *fakeAdmin) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}

// syncWrites runs jobs inline so tests can observe the store right away.
type syncWrites struct {
	mu   sync.Mutex
	errs []error
	jobs []string
}

func (w *syncWrites) Enqueue(j pool.Job) error {
	err := j.Run(context.Background())
	w.mu.Lock()
	defer w.mu.Unlock()
	w.jobs = append(w.jobs, j.Name)
	if err != nil {
		w.errs = append(w.errs, err)
	}
	return nil
}

func (w *syncWrites) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.jobs)
}

type harness struct {
	s      *Service
	feeds  *fakeFeeds
	out    *fakeDelivery
	timers *fakeTimers
	store  *storage.Memory
	health *health.Tracker
	admin  *fakeAdmin
	writes *syncWrites
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		feeds:  &fakeFeeds{},
		out:    &fakeDelivery{},
		timers: newFakeTimers(),
		store:  storage.NewMemory(),
		health: health.NewTracker(10),
		admin:  &fakeAdmin{},
		writes: &syncWrites{},
	}
	s, err := New(cfg, Deps{
		Feeds:    h.feeds,
		Delivery: h.out,
		Store:    h.store,
		Health:   h.health,
		Admin:    h.admin,
		Writes:   h.writes,
		Timers:   h.timers,
		Now:      func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
		Log:      logx.Nop(),
	})
	require.NoError(t, err)
	s.Start(context.Background())
	s.Connected()
	t.Cleanup(func() { s.Stop(context.Background()) })
	h.s = s
	return h
}

// seedUser stores an active user whose endpoint equals its identity.
func (h *harness) seedUser(t *testing.T, id string, creds *feed.Credentials, friend *int64, tracks ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.EnsureUser(ctx, id, id))
	require.NoError(t, h.store.SetCredentials(ctx, id, creds))
	require.NoError(t, h.store.SetFriendWatermark(ctx, id, friend))
	for _, q := range tracks {
		_, err := h.store.Track(ctx, id, q)
		require.NoError(t, err)
	}
}

func ptr(v int64) *int64 { return &v }

// failingWrites is a store whose watermark writes always fail.
type failingWrites struct {
	*storage.Memory

	mu    sync.Mutex
	calls int
}

func (f *failingWrites) UpdateWatermarkField(context.Context, string, string, int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("database is locked")
}

func (f *failingWrites) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

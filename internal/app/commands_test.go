package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"feedspy/internal/feed"
	"feedspy/internal/health"
	"feedspy/internal/storage"
	"feedspy/internal/task/budget"
	"feedspy/internal/task/scheduler"
	kit "feedspy/internal/transport"
	"feedspy/internal/transport/telegram/router"
	logx "feedspy/pkg/logx"
)

type replies struct {
	mu   sync.Mutex
	sent []string
}

func (r *replies) Start(context.Context, chan<- kit.Update) error { return nil }
func (r *replies) Stop(context.Context) error                     { return nil }

func (r *replies) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (r *replies) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return ""
	}
	return r.sent[len(r.sent)-1]
}

type stubClient struct {
	creds   feed.Credentials
	friends []int64
}

var errRefused = errors.New("401 unauthorized")

func (c stubClient) auth() error {
	if c.creds.Secret != "good" {
		return errRefused
	}
	return nil
}

func (c stubClient) Search(context.Context, string, feed.Handler, int64) error { return nil }

func (c stubClient) DirectMessages(context.Context, feed.Handler, int64) error { return c.auth() }

func (c stubClient) Friends(_ context.Context, onItem feed.Handler, _ int64) error {
	if err := c.auth(); err != nil {
		return err
	}
	for _, id := range c.friends {
		onItem(feed.Entry{ID: id, Author: "bob", Text: "hi"})
	}
	return nil
}

type stubFeeds struct{ friends []int64 }

func (f stubFeeds) Anonymous() feed.Client { return stubClient{} }
func (f stubFeeds) ForCredentials(c feed.Credentials) feed.Client {
	return stubClient{creds: c, friends: f.friends}
}

type nopDelivery struct{}

func (nopDelivery) SendDeduped(context.Context, string, string, string, string) error { return nil }
func (nopDelivery) SendPlain(context.Context, string, string) error                   { return nil }

type cmdHarness struct {
	t      *testing.T
	store  *storage.Memory
	sched  *scheduler.Service
	health *health.Tracker
	out    *replies
	c      *commands
}

func newCmdHarness(t *testing.T) *cmdHarness {
	t.Helper()
	store := storage.NewMemory()
	tracker := health.NewTracker(10)
	feeds := stubFeeds{friends: []int64{5, 9, 3}}
	sched, err := scheduler.New(scheduler.Config{Budget: budget.Config{Capacity: 10}}, scheduler.Deps{
		Feeds:    feeds,
		Delivery: nopDelivery{},
		Store:    store,
		Health:   tracker,
		Log:      logx.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { sched.Stop(context.Background()) })

	return &cmdHarness{
		t:      t,
		store:  store,
		sched:  sched,
		health: tracker,
		out:    &replies{},
		c: &commands{
			store:  store,
			subs:   sched,
			feeds:  feeds,
			health: tracker,
			status: func() string { return "all good" },
			log:    logx.Nop(),
		},
	}
}

// run invokes the named command as user 42 in chat 42 and returns the reply.
func (h *cmdHarness) run(name, args string) string {
	h.t.Helper()
	var cmd router.Command
	for _, c := range h.c.list() {
		if c.Name == name {
			cmd = c
		}
	}
	require.NotNil(h.t, cmd.Handle, name)
	req := &router.Request{
		Chat:    kit.ChatTarget{ChatID: 42},
		FromID:  42,
		Command: name,
		Args:    strings.Fields(args),
		RawArgs: args,
		Adapter: h.out,
		Logger:  logx.Nop(),
	}
	require.NoError(h.t, cmd.Handle(context.Background(), req))
	return h.out.last()
}

func (h *cmdHarness) topics() []string {
	var out []string
	for _, t := range h.sched.Snapshot().Topics {
		out = append(out, t.Query)
	}
	return out
}

func TestTrackOnOffFlow(t *testing.T) {
	t.Parallel()
	h := newCmdHarness(t)

	require.Equal(t, "Tracking golang", h.run("track", "golang"))
	require.Equal(t, []string{"golang"}, h.topics())
	require.Equal(t, []string{"42"}, h.sched.Endpoints("42"))

	require.Equal(t, "Disabled tracks.", h.run("off", ""))
	require.Empty(t, h.topics())

	require.Equal(t, "Will track rust as soon as you activate again.", h.run("track", "rust"))
	require.Empty(t, h.topics())

	require.Equal(t, "Enabled tracks.", h.run("on", ""))
	require.Equal(t, []string{"golang", "rust"}, h.topics())

	require.Equal(t, "Stopped tracking golang", h.run("untrack", "golang"))
	require.Equal(t, []string{"rust"}, h.topics())
	require.Equal(t, "You weren't tracking nope.", h.run("untrack", "nope"))
	require.Equal(t, "Currently tracking:\nrust", h.run("tracks", ""))
	require.Equal(t, "Usage: /track <query>", h.run("track", ""))
}

func TestTracksWhenNothingIsTracked(t *testing.T) {
	t.Parallel()
	h := newCmdHarness(t)
	const none = "You aren't tracking anything yet. Try /track <query>"

	require.Equal(t, none, h.run("tracks", ""))

	h.run("track", "golang")
	h.run("untrack", "golang")
	require.Equal(t, none, h.run("tracks", ""))
}

func TestLoginVerifiesCredentials(t *testing.T) {
	t.Parallel()
	h := newCmdHarness(t)
	h.run("on", "")

	require.Contains(t, h.run("login", "alice bad"), "refused")
	st, err := h.store.LoadSubscriptionState(context.Background(), "42")
	require.NoError(t, err)
	require.Nil(t, st.Credentials)

	require.Equal(t, "Added credentials for alice", h.run("login", "alice good"))
	st, err = h.store.LoadSubscriptionState(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, "alice", st.Credentials.Username)
	require.True(t, h.sched.Snapshot().Accounts[0].HasCredentials)

	// Each verification spends one request.
	require.Equal(t, 8, h.sched.Budget().Snapshot().Remaining)
	require.Equal(t, 2, h.health.CurrentMood().Total)

	require.Equal(t, "You have been logged out.", h.run("logout", ""))
	require.False(t, h.sched.Snapshot().Accounts[0].HasCredentials)
	require.Equal(t, "Usage: /login <username> <secret>", h.run("login", "alice"))
}

func TestFriendsToggle(t *testing.T) {
	t.Parallel()
	h := newCmdHarness(t)
	h.run("on", "")

	require.Equal(t, "You must /login before calling /friends", h.run("friends", "on"))
	h.run("login", "alice good")

	require.Equal(t, "Starting to watch friends.", h.run("friends", "on"))
	st, err := h.store.LoadSubscriptionState(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, int64(9), *st.FriendWatermark)
	acc := h.sched.Snapshot().Accounts
	require.Len(t, acc, 1)
	require.NotNil(t, acc[0].FriendWM)
	require.Equal(t, int64(9), *acc[0].FriendWM)
	require.True(t, acc[0].HasCredentials)

	require.Equal(t, "No longer watching your friends.", h.run("friends", "off"))
	acc = h.sched.Snapshot().Accounts
	require.Nil(t, acc[0].FriendWM)
	require.Equal(t, "Usage: /friends on|off", h.run("friends", "maybe"))
}

func TestMoodAndMe(t *testing.T) {
	t.Parallel()
	h := newCmdHarness(t)

	require.Contains(t, h.run("mood", ""), "I just woke up")
	require.Contains(t, h.run("mood", ""), "I currently have 10 API requests available, and have run out 0 times.")
	h.health.MarkSuccess()
	require.Contains(t, h.run("mood", ""), "My current mood is happy")

	require.Contains(t, h.run("me", ""), "I don't know you yet")
	h.run("track", "golang")
	me := h.run("me", "")
	require.Contains(t, me, "Status: Active")
	require.Contains(t, me, "Delivering to: 42")
	require.Contains(t, me, "tracking 1 topics")

	require.Equal(t, "all good", h.run("status", ""))
}

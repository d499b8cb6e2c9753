package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"feedspy/internal/feed"
	"feedspy/internal/health"
	"feedspy/internal/storage"
	"feedspy/internal/task/budget"
	"feedspy/internal/task/scheduler"
	"feedspy/internal/transport/telegram/router"
	logx "feedspy/pkg/logx"
)

// presence activates a stored user at an endpoint.
type presence interface {
	Available(ctx context.Context, identity, endpoint string) error
}

// subscriptions is the part of the scheduler the chat commands drive.
type subscriptions interface {
	presence
	Unavailable(identity, endpoint string)
	Enable(ctx context.Context, identity string) error
	Disable(identity string)
	Endpoints(identity string) []string
	Track(endpoint, query string, watermark int64)
	Untrack(endpoint, query string) bool
	SetCredentials(identity string, creds *feed.Credentials) bool
	Budget() *budget.Manager
	Snapshot() scheduler.Snapshot
}

type moodTracker interface {
	CurrentMood() health.Mood
	MarkSuccess()
	MarkFailure(err error) error
}

type commands struct {
	store  storage.Store
	subs   subscriptions
	feeds  feed.Factory
	health moodTracker
	// status renders the admin /status report.
	status func() string
	log    logx.Logger
}

func (c *commands) list() []router.Command {
	return []router.Command{
		{Name: "on", Description: "enable tracks", Handle: c.on},
		{Name: "off", Description: "disable tracks", Handle: c.off},
		{Name: "track", Description: "start tracking a topic", Usage: "/track <query>", Handle: c.track},
		{Name: "untrack", Description: "stop tracking a topic", Usage: "/untrack <query>", Handle: c.untrack},
		{Name: "tracks", Aliases: []string{"tracking"}, Description: "list the topics you're tracking", Handle: c.tracks},
		{Name: "login", Description: "set your feed username and secret", Usage: "/login <username> <secret>", Handle: c.login},
		{Name: "logout", Description: "discard your feed credentials", Handle: c.logout},
		{Name: "friends", Aliases: []string{"watch_friends"}, Description: "enable or disable watching friends", Usage: "/friends on|off", Handle: c.friends},
		{Name: "me", Description: "check your status", Handle: c.me},
		{Name: "mood", Description: "ask about the bot's mood", Handle: c.mood},
		{Name: "status", Description: "runtime status", Access: router.AccessAdminOnly, Handle: c.adminStatus},
	}
}

func (c *commands) ensure(ctx context.Context, req *router.Request) error {
	if err := c.store.EnsureUser(ctx, req.Identity(), req.Endpoint()); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

func (c *commands) on(ctx context.Context, req *router.Request) error {
	if err := c.ensure(ctx, req); err != nil {
		return err
	}
	id := req.Identity()
	if err := c.store.SetActive(ctx, id, true); err != nil {
		return err
	}
	if err := c.subs.Enable(ctx, id); err != nil {
		return err
	}
	return req.Reply(ctx, "Enabled tracks.")
}

func (c *commands) off(ctx context.Context, req *router.Request) error {
	if err := c.ensure(ctx, req); err != nil {
		return err
	}
	id := req.Identity()
	if err := c.store.SetActive(ctx, id, false); err != nil {
		return err
	}
	c.subs.Disable(id)
	return req.Reply(ctx, "Disabled tracks.")
}

func (c *commands) track(ctx context.Context, req *router.Request) error {
	query := req.RawArgs
	if query == "" {
		return req.Reply(ctx, "Usage: /track <query>")
	}
	if err := c.ensure(ctx, req); err != nil {
		return err
	}
	id := req.Identity()
	wm, err := c.store.Track(ctx, id, query)
	if err != nil {
		return err
	}
	st, err := c.store.LoadSubscriptionState(ctx, id)
	if err != nil {
		return err
	}
	if !st.Active {
		return req.Reply(ctx, fmt.Sprintf("Will track %s as soon as you activate again.", query))
	}
	eps := c.subs.Endpoints(id)
	if len(eps) == 0 {
		if err := c.subs.Enable(ctx, id); err != nil {
			return err
		}
	}
	for _, ep := range eps {
		c.subs.Track(ep, query, wm)
	}
	return req.Reply(ctx, "Tracking "+query)
}

func (c *commands) untrack(ctx context.Context, req *router.Request) error {
	query := req.RawArgs
	if query == "" {
		return req.Reply(ctx, "Usage: /untrack <query>")
	}
	id := req.Identity()
	ok, err := c.store.Untrack(ctx, id, query)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if !ok {
		return req.Reply(ctx, fmt.Sprintf("You weren't tracking %s.", query))
	}
	for _, ep := range c.subs.Endpoints(id) {
		c.subs.Untrack(ep, query)
	}
	return req.Reply(ctx, "Stopped tracking "+query)
}

func (c *commands) tracks(ctx context.Context, req *router.Request) error {
	const none = "You aren't tracking anything yet. Try /track <query>"
	st, err := c.store.LoadSubscriptionState(ctx, req.Identity())
	if errors.Is(err, storage.ErrNotFound) {
		return req.Reply(ctx, none)
	}
	if err != nil {
		return err
	}
	if len(st.Tracks) == 0 {
		return req.Reply(ctx, none)
	}
	qs := make([]string, 0, len(st.Tracks))
	for _, t := range st.Tracks {
		qs = append(qs, t.Query)
	}
	slices.Sort(qs)
	return req.Reply(ctx, "Currently tracking:\n"+strings.Join(qs, "\n"))
}

// verify spends one budget unit on a cheap authenticated call.
func (c *commands) verify(ctx context.Context, creds feed.Credentials, fetch func(feed.Client, feed.Handler) error, onItem feed.Handler) error {
	if _, err := c.subs.Budget().Acquire(); err != nil {
		return err
	}
	if onItem == nil {
		onItem = func(feed.Entry) {}
	}
	if err := fetch(c.feeds.ForCredentials(creds), onItem); err != nil {
		return c.health.MarkFailure(err)
	}
	c.health.MarkSuccess()
	return nil
}

func (c *commands) login(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 2 {
		return req.Reply(ctx, "Usage: /login <username> <secret>")
	}
	creds := feed.Credentials{Username: req.Args[0], Secret: req.Args[1]}
	err := c.verify(ctx, creds, func(cl feed.Client, h feed.Handler) error {
		return cl.DirectMessages(ctx, h, math.MaxInt64)
	}, nil)
	if errors.Is(err, budget.ErrOutOfBudget) {
		return req.Reply(ctx, "I'm out of feed requests right now. Please try again later.")
	}
	if err != nil {
		req.Logger.Info("credentials refused", logx.String("username", creds.Username), logx.Err(err))
		return req.Reply(ctx, "Your credentials were refused. Please try again: /login <username> <secret>")
	}

	if err := c.ensure(ctx, req); err != nil {
		return err
	}
	id := req.Identity()
	if err := c.store.SetCredentials(ctx, id, &creds); err != nil {
		_ = req.Reply(ctx, "Error setting credentials for "+creds.Username+". Please try again.")
		return err
	}
	c.subs.SetCredentials(id, &creds)
	return req.Reply(ctx, "Added credentials for "+creds.Username)
}

func (c *commands) logout(ctx context.Context, req *router.Request) error {
	id := req.Identity()
	if err := c.store.SetCredentials(ctx, id, nil); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	c.subs.SetCredentials(id, nil)
	return req.Reply(ctx, "You have been logged out.")
}

func (c *commands) friends(ctx context.Context, req *router.Request) error {
	arg := strings.ToLower(req.RawArgs)
	if arg != "on" && arg != "off" {
		return req.Reply(ctx, "Usage: /friends on|off")
	}
	id := req.Identity()
	st, err := c.store.LoadSubscriptionState(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if !st.Credentials.Present() {
		return req.Reply(ctx, "You must /login before calling /friends")
	}

	var wm *int64
	if arg == "on" {
		var latest int64
		err := c.verify(ctx, *st.Credentials, func(cl feed.Client, h feed.Handler) error {
			return cl.Friends(ctx, h, 0)
		}, func(e feed.Entry) { latest = max(latest, e.ID) })
		if err != nil {
			req.Logger.Warn("friend timeline probe failed", logx.Err(err))
			return req.Reply(ctx, "Error watching friends, please try again.")
		}
		wm = &latest
	}
	if err := c.store.SetFriendWatermark(ctx, id, wm); err != nil {
		return err
	}
	if err := c.restart(ctx, id); err != nil {
		return err
	}
	if wm == nil {
		return req.Reply(ctx, "No longer watching your friends.")
	}
	return req.Reply(ctx, "Starting to watch friends.")
}

// restart re-activates identity so the account picks up its stored friend
// watermark. A running account keeps the watermark it was created with.
func (c *commands) restart(ctx context.Context, identity string) error {
	eps := c.subs.Endpoints(identity)
	if len(eps) == 0 {
		return c.subs.Enable(ctx, identity)
	}
	for _, ep := range eps {
		c.subs.Unavailable(identity, ep)
	}
	var errs []error
	for _, ep := range eps {
		errs = append(errs, c.subs.Available(ctx, identity, ep))
	}
	return errors.Join(errs...)
}

func (c *commands) me(ctx context.Context, req *router.Request) error {
	id := req.Identity()
	st, err := c.store.LoadSubscriptionState(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return req.Reply(ctx, "I don't know you yet. Send /on to get started.")
	}
	if err != nil {
		return err
	}
	lines := []string{"Identity: " + id}
	if st.Active {
		lines = append(lines, "Status: Active")
	} else {
		lines = append(lines, "Status: Inactive")
	}
	if eps := c.subs.Endpoints(id); len(eps) > 0 {
		lines = append(lines, "Delivering to: "+strings.Join(eps, ", "))
	} else {
		lines = append(lines, "I'm not delivering anything to you right now.")
	}
	lines = append(lines, fmt.Sprintf("You are currently tracking %d topics.", len(st.Tracks)))
	if st.Credentials.Present() {
		lines = append(lines, "You're logged in as "+st.Credentials.Username)
	}
	if st.FriendWatermark != nil {
		lines = append(lines, "Friend tracking is enabled.")
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (c *commands) mood(ctx context.Context, req *router.Request) error {
	m := c.health.CurrentMood()
	var lines []string
	if m.Label != "" {
		lines = append(lines,
			"My current mood is "+m.Label,
			fmt.Sprintf("I've processed %d out of the last %d feed calls.", m.Good, m.Total))
	} else {
		lines = append(lines, "I just woke up. Ask me in a minute or two.")
	}
	b := c.subs.Budget().Snapshot()
	lines = append(lines, fmt.Sprintf("I currently have %d API requests available, and have run out %d times.", b.Remaining, b.ExhaustedEvents))
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (c *commands) adminStatus(ctx context.Context, req *router.Request) error {
	if c.status == nil {
		return req.Reply(ctx, "status unavailable")
	}
	return req.Reply(ctx, c.status())
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"feedspy/internal/eventbus"
	"feedspy/internal/feed"
	"feedspy/internal/storage"
	"feedspy/internal/task/budget"
	"feedspy/internal/task/gate"
	logx "feedspy/pkg/logx"
)

const (
	DefaultTopicPeriod   = 15 * time.Minute
	DefaultAccountPeriod = 3 * time.Minute
	DefaultCallTimeout   = 5 * time.Minute
)

type Config struct {
	Budget        budget.Config
	Gates         gate.Config
	TopicPeriod   time.Duration
	AccountPeriod time.Duration
	// CallTimeout cuts off a single feed call. Negative disables it.
	CallTimeout time.Duration
	ProfileURL  string
}

func (c Config) withDefaults() Config {
	if c.TopicPeriod <= 0 {
		c.TopicPeriod = DefaultTopicPeriod
	}
	if c.AccountPeriod <= 0 {
		c.AccountPeriod = DefaultAccountPeriod
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.CallTimeout < 0 {
		c.CallTimeout = 0
	}
	if strings.TrimSpace(c.ProfileURL) == "" {
		c.ProfileURL = feed.DefaultProfileURL
	}
	return c
}

// Deps are the collaborators of a Service. Feeds and Delivery are required.
type Deps struct {
	Feeds    feed.Factory
	Delivery Delivery
	Store    Persistence
	Health   Health
	Admin    AdminNotifier
	Writes   Enqueuer

	// Timers overrides the cron instance owned by the Service.
	Timers Timers
	// IntN overrides the jitter source; it must return [0, n).
	IntN func(n int) int
	Now  func() time.Time

	Log logx.Logger
	Bus eventbus.Bus
}

// Service owns the budget, the gates, both registries and the timers.
type Service struct {
	cfg    Config
	log    logx.Logger
	env    *env
	store  Persistence
	cancel context.CancelFunc
	// unlink detaches the task context from the ctx given to Start.
	unlink func() bool

	budget   *budget.Manager
	gates    gate.Set
	topics   *Topics
	accounts *Accounts

	mu          sync.Mutex
	cron        *cron.Cron
	ownsTimers  bool
	started     bool
	budgetEntry cron.EntryID
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Feeds == nil {
		return nil, errors.New("scheduler: feed factory is required")
	}
	if deps.Delivery == nil {
		return nil, errors.New("scheduler: delivery is required")
	}
	cfg = cfg.withDefaults()
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Health == nil {
		deps.Health = nopHealth{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := &Service{cfg: cfg, log: log, store: deps.Store}
	var notify budget.Notifier
	if deps.Admin != nil {
		notify = deps.Admin
	}
	s.budget = budget.New(cfg.Budget, log.With(logx.String("comp", "budget")), deps.Bus, notify)
	s.gates = gate.NewSet(cfg.Gates)

	timers := deps.Timers
	if timers == nil {
		cl := logx.CronLogger{L: log}
		s.cron = cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		)
		timers = s.cron
		s.ownsTimers = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.env = &env{
		ctx:           ctx,
		log:           log,
		bus:           deps.Bus,
		budget:        s.budget,
		gates:         s.gates,
		feeds:         deps.Feeds,
		delivery:      deps.Delivery,
		health:        deps.Health,
		writes:        deps.Writes,
		timers:        timers,
		topicPeriod:   cfg.TopicPeriod,
		accountPeriod: cfg.AccountPeriod,
		callTimeout:   cfg.CallTimeout,
		profileURL:    cfg.ProfileURL,
		now:           deps.Now,
		intN:          deps.IntN,
	}
	s.topics = newTopics(s.env, deps.Store)
	s.accounts = newAccounts(s.env, deps.Store)
	return s, nil
}

// Start registers the budget window and starts the owned cron. Ticks are
// canceled once ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.unlink = context.AfterFunc(ctx, s.cancel)
	s.budgetEntry = s.env.timers.Schedule(cron.Every(s.budget.Window()), s.budget)
	if s.ownsTimers {
		s.cron.Start()
	}
	s.log.Info("scheduler started",
		logx.Duration("topic_every", s.cfg.TopicPeriod),
		logx.Duration("account_every", s.cfg.AccountPeriod),
		logx.Duration("budget_window", s.budget.Window()),
	)
}

// Stop drops every task, stops cron and waits for running jobs until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	unlink := s.unlink
	s.mu.Unlock()
	if unlink != nil {
		unlink()
	}

	s.env.connected.Store(false)
	s.resetAll()
	s.env.timers.Remove(s.budgetEntry)
	if s.ownsTimers {
		select {
		case <-s.cron.Stop().Done():
		case <-ctx.Done():
			s.log.Warn("scheduler stop: running polls did not finish", logx.Err(ctx.Err()))
		}
	}
	s.cancel()
	s.log.Info("scheduler stopped")
}

func (s *Service) Budget() *budget.Manager { return s.budget }
func (s *Service) Gates() gate.Set          { return s.gates }
func (s *Service) Topics() *Topics          { return s.topics }
func (s *Service) Accounts() *Accounts      { return s.accounts }

func (s *Service) IsConnected() bool { return s.env.connected.Load() }

// Connected is called when the transport (re)connects. Every task is
// dropped; presence events re-create what is needed.
func (s *Service) Connected() {
	s.resetAll()
	s.env.connected.Store(true)
	s.log.Info("transport connected")
}

func (s *Service) Disconnected() {
	s.env.connected.Store(false)
	s.resetAll()
	s.log.Info("transport disconnected")
}

func (s *Service) resetAll() {
	nt := s.topics.ResetAll()
	na := s.accounts.ResetAll()
	if nt+na > 0 {
		s.log.Info("all tasks reset", logx.Int("topics", nt), logx.Int("accounts", na))
	}
}

// Available activates identity at endpoint from its stored state. Loading
// runs inside an activation-gate slot. Inactive or unknown users are ignored.
func (s *Service) Available(ctx context.Context, identity, endpoint string) error {
	return s.activate(ctx, identity, []string{endpoint})
}

// Enable activates identity on every endpoint already attached to it, or on
// its stored default endpoint.
func (s *Service) Enable(ctx context.Context, identity string) error {
	return s.activate(ctx, identity, s.accounts.Subscribers(identity))
}

func (s *Service) activate(ctx context.Context, identity string, endpoints []string) error {
	if s.store == nil {
		return storage.ErrDisabled
	}
	return s.gates.Activation.Run(ctx, func(ctx context.Context) error {
		st, err := s.store.LoadSubscriptionState(ctx, identity)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load %q: %w", identity, err)
		}
		if !st.Active {
			return nil
		}
		if len(endpoints) == 0 {
			ep := st.Endpoint
			if ep == "" {
				ep = identity
			}
			endpoints = []string{ep}
		}
		for _, ep := range endpoints {
			s.accounts.Add(identity, ep, st.FriendWatermark, st.DMWatermark)
			for _, tr := range st.Tracks {
				s.topics.Add(ep, tr.Query, tr.Watermark)
			}
		}
		s.accounts.SetCredentials(identity, st.Credentials)
		s.log.Debug("user activated", logx.String("account", identity), logx.Int("endpoints", len(endpoints)), logx.Int("tracks", len(st.Tracks)))
		return nil
	})
}

// Disable detaches identity's endpoints from every topic and stops its
// private polling. The account entry stays so Enable can find the endpoints.
func (s *Service) Disable(identity string) {
	eps := s.accounts.Subscribers(identity)
	n := s.topics.RemoveSubscribers(eps...)
	s.accounts.SetCredentials(identity, nil)
	s.log.Debug("user disabled", logx.String("account", identity), logx.Int("untracked", n))
}

// Unavailable removes endpoint from every topic and from identity.
func (s *Service) Unavailable(identity, endpoint string) {
	s.topics.RemoveSubscriber(endpoint)
	s.accounts.Remove(identity, endpoint)
}

// Endpoints lists the endpoints attached to identity.
func (s *Service) Endpoints(identity string) []string {
	return s.accounts.Subscribers(identity)
}

// Track subscribes endpoint to query.
func (s *Service) Track(endpoint, query string, watermark int64) {
	s.topics.Add(endpoint, query, watermark)
}

func (s *Service) Untrack(endpoint, query string) bool {
	return s.topics.Untrack(endpoint, query)
}

// SetCredentials updates the running account, if any.
func (s *Service) SetCredentials(identity string, creds *feed.Credentials) bool {
	return s.accounts.SetCredentials(identity, creds)
}

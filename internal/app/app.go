// Package app wires the feedspy daemon: config, logging, storage, the
// Telegram transport, the notifier, the durable-write pool and the polling
// scheduler.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"feedspy/internal/config"
	"feedspy/internal/eventbus"
	"feedspy/internal/feed"
	"feedspy/internal/health"
	"feedspy/internal/notifier"
	"feedspy/internal/observability/debug"
	rtsup "feedspy/internal/runtime/supervisor"
	"feedspy/internal/storage"
	"feedspy/internal/task/pool"
	"feedspy/internal/task/scheduler"
	kit "feedspy/internal/transport"
	"feedspy/internal/transport/telegram"
	"feedspy/internal/transport/telegram/router"
	logx "feedspy/pkg/logx"
)

const (
	defaultPollTimeout    = 10 * time.Second
	commandTimeout        = 30 * time.Second
	listUsersTimeout      = 30 * time.Second
	activationTimeout     = 2 * time.Minute
	bootstrapFanout       = 64
	slowStopStep          = 500 * time.Millisecond
	configReloadQueueSize = 8
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter
	health  *health.Tracker
	writes  *pool.Pool
	notif   *notifier.Service
	sched   *scheduler.Service
	cmdm    *router.CommandManager
	debug   *debug.Server

	updates chan kit.Update
}

// newAdapter builds the Telegram transport; it contacts the Bot API.
var newAdapter = telegram.New

// New loads and validates the config at cfgPath and builds every component.
// Nothing is started.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, defaultPollTimeout)
	if err != nil {
		return nil, err
	}

	// The admin chat sink needs the notifier, which needs the logger; the
	// sender is attached once the notifier exists.
	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	ad, err := newAdapter(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, comp("telegram"))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, comp("storage"))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	feeds, err := feed.NewHTTPFactory(feed.HTTPConfig{
		BaseURL:   cfg.Feed.BaseURL,
		UserAgent: cfg.Feed.UserAgent,
	}, comp("feed"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	wcfg, err := mapWritesConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	writes := pool.New(wcfg, comp("writes"), bus)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, ad, comp("notifier"), bus, store)
	logSvc.SetSender(notif)

	tracker := health.NewTracker(cfg.Health.Window)

	scfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	sched, err := scheduler.New(scfg, scheduler.Deps{
		Feeds:    feeds,
		Delivery: notif,
		Store:    store,
		Health:   tracker,
		Admin:    notif,
		Writes:   writes,
		Log:      comp("scheduler"),
		Bus:      bus,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     comp("app"),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		health:  tracker,
		writes:  writes,
		notif:   notif,
		sched:   sched,
		updates: make(chan kit.Update, 256),
	}
	a.debug = debug.New(dcfg, debug.Probes{Ready: sched.IsConnected, Status: a.statusText}, comp("debug"))
	a.cmdm = router.NewCommandManager(comp("commands"), ad, cfg.Telegram.AdminUserIDs, commandTimeout)
	cmds := &commands{
		store:  store,
		subs:   sched,
		feeds:  feeds,
		health: tracker,
		status: a.statusText,
		log:    comp("commands"),
	}
	a.cmdm.SetRegistry(context.Background(), cmds.list())
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.writes.Start(run)
	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	a.sched.Start(run)

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	// Telegram has no presence: a started adapter counts as connected and
	// every active stored user is made available at its stored endpoint.
	a.sched.Connected()
	a.sup.Go0("presence.bootstrap", a.bootstrap)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(configReloadQueueSize)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.debug.Start(run)
	a.sup.Go0("systemd.watchdog", a.watchdog)
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd ready notification failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("app started")
	return nil
}

func (a *App) bootstrap(ctx context.Context) {
	bootstrapUsers(ctx, a.store, a.sched, a.log)
}

// bootstrapUsers makes every active stored user available. Each user is
// activated on its own goroutine and waits for an activation-gate slot,
// so the gate alone bounds the concurrent loads. Failures are logged per user.
func bootstrapUsers(ctx context.Context, store storage.Store, subs presence, log logx.Logger) int {
	lctx, cancel := context.WithTimeout(ctx, listUsersTimeout)
	users, err := store.ActiveUsers(lctx)
	cancel()
	if err != nil {
		log.Error("loading active users failed", logx.Err(err))
		return 0
	}

	var (
		g  errgroup.Group
		ok atomic.Int64
	)
	g.SetLimit(bootstrapFanout)
	for _, u := range users {
		ep := u.Endpoint
		if ep == "" {
			ep = u.Identity
		}
		g.Go(func() error {
			actx, cancel := context.WithTimeout(ctx, activationTimeout)
			defer cancel()
			if err := subs.Available(actx, u.Identity, ep); err != nil {
				log.Warn("activation failed", logx.String("account", u.Identity), logx.Err(err))
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	log.Info("active users loaded", logx.Int("users", len(users)), logx.Int64("activated", ok.Load()))
	return int(ok.Load())
}

// watchdog pings systemd at half the configured watchdog interval.
func (a *App) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReloading)
	defer func() { _, _ = daemon.SdNotify(false, daemon.SdNotifyReady) }()

	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.cmdm.SetAdmins(newCfg.Telegram.AdminUserIDs)

	ncfg, err := mapNotifierConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	if dcfg, err := mapDebugConfig(newCfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.debug.Reconfigure(stopCtx, dcfg)
		cancel()
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component can't stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= slowStopStep {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// The scheduler stops before writes and the notifier so no new
	// deliveries or writes are produced while they drain.
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("writes", 3*time.Second, func(c context.Context) error { a.writes.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}

package app

import (
	"fmt"
	"strings"
	"time"

	"feedspy/internal/config"
	"feedspy/internal/notifier"
	"feedspy/internal/observability/debug"
	"feedspy/internal/storage"
	"feedspy/internal/task/budget"
	"feedspy/internal/task/gate"
	"feedspy/internal/task/pool"
	"feedspy/internal/task/scheduler"
	kit "feedspy/internal/transport"
	logx "feedspy/pkg/logx"
)

const (
	defaultSQLiteBusyTimeout = time.Second
	defaultDebugReadTimeout  = 10 * time.Second
	// CPU profiles and traces run for up to 30s by default.
	defaultDebugWriteTimeout = 60 * time.Second
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

// mapStorageConfig falls back to the in-memory store when the section is
// omitted. Activation always needs a store to load subscription state from.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none", "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultSQLiteBusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapNotifierConfig enables the notifier with defaults when the section is
// omitted.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     24 * time.Hour,
		DedupMaxEntries: 20000,
	}
	for _, ep := range cfg.Telegram.AdminChats {
		if _, err := kit.ParseEndpoint(ep); err != nil {
			return notifier.Config{}, fmt.Errorf("telegram.admin_chats: %w", err)
		}
		out.AdminEndpoints = append(out.AdminEndpoints, strings.TrimSpace(ep))
	}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	out.Enabled = n.Enabled
	out.PersistDedup = n.PersistDedup
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}

	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}

	if out.Workers < 0 || out.QueueSize < 0 || out.RatePerSec < 0 || out.RetryMax < 0 || out.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	return out, nil
}

func mapWritesConfig(cfg *config.Config) (pool.Config, error) {
	w := cfg.Writes
	if w == nil {
		return pool.Config{}, nil
	}
	timeout, err := config.ParseDurationField("writes.timeout", w.Timeout)
	if err != nil {
		return pool.Config{}, err
	}
	delay, err := config.ParseDurationField("writes.max_queue_delay", w.MaxQueueDelay)
	if err != nil {
		return pool.Config{}, err
	}
	return pool.Config{
		Workers:        w.Workers,
		QueueSize:      w.QueueSize,
		DefaultTimeout: timeout,
		MaxQueueDelay:  delay,
		HistorySize:    w.HistorySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	topic, err := config.ParsePeriodField("polling.topic_every", cfg.Polling.TopicEvery, scheduler.DefaultTopicPeriod)
	if err != nil {
		return scheduler.Config{}, err
	}
	account, err := config.ParsePeriodField("polling.account_every", cfg.Polling.AccountEvery, scheduler.DefaultAccountPeriod)
	if err != nil {
		return scheduler.Config{}, err
	}
	window, err := config.ParseDurationOrDefault("budget.window", cfg.Budget.Window, budget.DefaultWindow)
	if err != nil {
		return scheduler.Config{}, err
	}

	callTimeout, err := config.ParseTimeoutField("feed.call_timeout", cfg.Feed.CallTimeout, scheduler.DefaultCallTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}

	return scheduler.Config{
		Budget:        budget.Config{Capacity: cfg.Budget.Capacity, Window: window},
		Gates:         gate.Config{Search: cfg.Gates.Search, Private: cfg.Gates.Private, Activation: cfg.Gates.Activation},
		TopicPeriod:   topic,
		AccountPeriod: account,
		CallTimeout:   callTimeout,
		ProfileURL:    cfg.Feed.ProfileURL,
	}, nil
}

// validate runs the full mapping so a hot reload is rejected for the same
// reasons startup would fail.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapWritesConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	_, err := mapSchedulerConfig(cfg)
	return err
}

func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	d := cfg.Debug
	if d == nil || !d.Enabled {
		return debug.Config{}, nil
	}
	read, err := config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, defaultDebugReadTimeout)
	if err != nil {
		return debug.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("debug.write_timeout", d.WriteTimeout, defaultDebugWriteTimeout)
	if err != nil {
		return debug.Config{}, err
	}
	return debug.Config{
		Enabled:       true,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
	}, nil
}

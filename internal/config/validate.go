package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the parts of cfg that would otherwise fail late.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if strings.TrimSpace(cfg.Feed.BaseURL) == "" {
		errs = append(errs, errors.New("feed.base_url is required"))
	}

	durations := map[string]string{
		"telegram.poll_timeout":  cfg.Telegram.PollTimeout,
		"budget.window":          cfg.Budget.Window,
		"writes.timeout":         "",
		"writes.max_queue_delay": "",
	}
	if w := cfg.Writes; w != nil {
		durations["writes.timeout"] = w.Timeout
		durations["writes.max_queue_delay"] = w.MaxQueueDelay
	}
	if n := cfg.Notifier; n != nil {
		durations["notifier.retry_base"] = n.RetryBase
		durations["notifier.retry_max_delay"] = n.RetryMaxDelay
		durations["notifier.dedup_window"] = n.DedupWindow
	}
	if s := cfg.Storage; s != nil {
		durations["storage.busy_timeout"] = s.BusyTimeout
	}
	if d := cfg.Debug; d != nil {
		durations["debug.read_timeout"] = d.ReadTimeout
		durations["debug.write_timeout"] = d.WriteTimeout
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := ParseTimeoutField("feed.call_timeout", cfg.Feed.CallTimeout, 0); err != nil {
		errs = append(errs, err)
	}
	for path, raw := range map[string]string{
		"polling.topic_every":   cfg.Polling.TopicEvery,
		"polling.account_every": cfg.Polling.AccountEvery,
	} {
		if _, err := ParsePeriodField(path, raw, MinPeriod); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Budget.Capacity < 0 {
		errs = append(errs, fmt.Errorf("budget.capacity must be >= 0"))
	}
	if cfg.Gates.Search < 0 || cfg.Gates.Private < 0 || cfg.Gates.Activation < 0 {
		errs = append(errs, fmt.Errorf("gates: capacities must be >= 0"))
	}
	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory", "mem":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, errors.New("storage.path is required for sqlite"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver %q is not supported", s.Driver))
		}
	}
	return errors.Join(errs...)
}

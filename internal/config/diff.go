package config

import (
	"reflect"
	"sort"
	"strings"

	logx "feedspy/pkg/logx"
)

// LiveSections are applied without a restart.
var LiveSections = map[string]bool{"logging": true, "notifier": true, "debug": true}

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured attrs for logging. Tokens and credentials are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.AdminChats, newCfg.Telegram.AdminChats) ||
		!reflect.DeepEqual(oldCfg.Telegram.AdminUserIDs, newCfg.Telegram.AdminUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.Int("telegram.admin_chats", len(newCfg.Telegram.AdminChats)),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat", newCfg.Logging.Chat.Enabled),
		)
	}

	if oldCfg.Feed != newCfg.Feed {
		changed = append(changed, "feed")
		attrs = append(attrs,
			logx.String("feed.base_url", newCfg.Feed.BaseURL),
			logx.String("feed.call_timeout", newCfg.Feed.CallTimeout),
		)
	}

	if oldCfg.Polling != newCfg.Polling {
		changed = append(changed, "polling")
		attrs = append(attrs,
			logx.String("polling.topic_every", newCfg.Polling.TopicEvery),
			logx.String("polling.account_every", newCfg.Polling.AccountEvery),
		)
	}

	if oldCfg.Budget != newCfg.Budget {
		changed = append(changed, "budget")
		attrs = append(attrs,
			logx.Int("budget.capacity", newCfg.Budget.Capacity),
			logx.String("budget.window", newCfg.Budget.Window),
		)
	}

	if oldCfg.Gates != newCfg.Gates {
		changed = append(changed, "gates")
		attrs = append(attrs,
			logx.Int("gates.search", newCfg.Gates.Search),
			logx.Int("gates.private", newCfg.Gates.Private),
			logx.Int("gates.activation", newCfg.Gates.Activation),
		)
	}

	if oldCfg.Health != newCfg.Health {
		changed = append(changed, "health")
	}

	if deref(oldCfg.Writes) != deref(newCfg.Writes) {
		changed = append(changed, "writes")
		w := deref(newCfg.Writes)
		attrs = append(attrs, logx.Int("writes.workers", w.Workers), logx.Int("writes.queue_size", w.QueueSize))
	}

	// A nil notifier section means runtime defaults, not disabled.
	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if (oldN == nil) != (newN == nil) || (oldN != nil && *oldN != *newN) {
		changed = append(changed, "notifier")
		if newN != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", newN.Enabled),
				logx.Int("notifier.workers", newN.Workers),
				logx.Int("notifier.rate_per_sec", newN.RatePerSec),
				logx.Bool("notifier.persist_dedup", newN.PersistDedup),
			)
		}
	}

	if deref(oldCfg.Storage) != deref(newCfg.Storage) {
		changed = append(changed, "storage")
		s := deref(newCfg.Storage)
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(s.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(s.Path) != ""),
		)
	}

	if deref(oldCfg.Debug) != deref(newCfg.Debug) {
		changed = append(changed, "debug")
		d := deref(newCfg.Debug)
		attrs = append(attrs,
			logx.Bool("debug.enabled", d.Enabled),
			logx.String("debug.addr", d.Addr),
			logx.Bool("debug.token_set", d.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections that only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !LiveSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

package app

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"feedspy/internal/config"
	"feedspy/internal/health"
	"feedspy/internal/task/budget"
	"feedspy/internal/task/gate"
	"feedspy/internal/task/scheduler"
)

func baseConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "t"},
		Feed:     config.FeedConfig{BaseURL: "https://feed.example.org"},
	}
}

func TestMapSchedulerConfig(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	sc, err := mapSchedulerConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, scheduler.DefaultTopicPeriod, sc.TopicPeriod)
	require.Equal(t, scheduler.DefaultAccountPeriod, sc.AccountPeriod)
	require.Equal(t, scheduler.DefaultCallTimeout, sc.CallTimeout)
	require.Equal(t, budget.DefaultWindow, sc.Budget.Window)

	cfg.Feed.CallTimeout = "0s"
	cfg.Polling = config.PollingConfig{TopicEvery: "10m", AccountEvery: "1m"}
	cfg.Budget = config.BudgetConfig{Capacity: 150, Window: "30m"}
	cfg.Gates = config.GatesConfig{Search: 1, Private: 2, Activation: 3}
	sc, err = mapSchedulerConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, config.Disabled, sc.CallTimeout)
	require.Equal(t, 10*time.Minute, sc.TopicPeriod)
	require.Equal(t, time.Minute, sc.AccountPeriod)
	require.Equal(t, budget.Config{Capacity: 150, Window: 30 * time.Minute}, sc.Budget)
	require.Equal(t, gate.Config{Search: 1, Private: 2, Activation: 3}, sc.Gates)

	cfg.Polling.TopicEvery = "often"
	_, err = mapSchedulerConfig(cfg)
	require.ErrorContains(t, err, "polling.topic_every")
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, "memory", sc.Driver)

	cfg.Storage = &config.StorageConfig{Driver: "SQLite", Path: " ./x.db "}
	sc, err = mapStorageConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, "sqlite", sc.Driver)
	require.Equal(t, "./x.db", sc.Path)
	require.Equal(t, defaultSQLiteBusyTimeout, sc.BusyTimeout)

	cfg.Storage = &config.StorageConfig{Driver: "postgres"}
	_, err = mapStorageConfig(cfg)
	require.Error(t, err)
}

func TestMapNotifierConfig(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Telegram.AdminChats = []string{"-100", " -100:7 "}
	nc, err := mapNotifierConfig(cfg)
	require.NoError(t, err)
	require.True(t, nc.Enabled)
	require.Equal(t, []string{"-100", "-100:7"}, nc.AdminEndpoints)

	cfg.Notifier = &config.NotifierConfig{Enabled: true, Workers: 4, DedupWindow: "1h"}
	nc, err = mapNotifierConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, 4, nc.Workers)
	require.Equal(t, time.Hour, nc.DedupWindow)

	cfg.Telegram.AdminChats = []string{"ops"}
	_, err = mapNotifierConfig(cfg)
	require.ErrorContains(t, err, "telegram.admin_chats")
}

func TestMapDebugConfig(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	dc, err := mapDebugConfig(cfg)
	require.NoError(t, err)
	require.False(t, dc.Enabled)

	cfg.Debug = &config.DebugConfig{Enabled: true, Addr: " 127.0.0.1:7070 ", Token: "t"}
	dc, err = mapDebugConfig(cfg)
	require.NoError(t, err)
	require.True(t, dc.Enabled)
	require.Equal(t, "127.0.0.1:7070", dc.Addr)
	require.Equal(t, defaultDebugWriteTimeout, dc.WriteTimeout)

	cfg.Debug.ReadTimeout = "soon"
	require.ErrorContains(t, validate(cfg), "debug.read_timeout")
}

func TestValidateRunsMappings(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	require.NoError(t, validate(cfg))

	cfg.Writes = &config.WritesConfig{Timeout: "fast"}
	require.ErrorContains(t, validate(cfg), "writes.timeout")
}

func TestRenderStatus(t *testing.T) {
	t.Parallel()

	fw := int64(7)
	out := renderStatus(statusInput{
		Sched: scheduler.Snapshot{
			Connected: true,
			Budget:    budget.Snapshot{Capacity: 100, Remaining: 60, Window: time.Hour, ExhaustedEvents: 2},
			Gates:     []gate.Snapshot{{Name: "search", Capacity: 5, Active: 1}},
			Topics:    []scheduler.TopicSnapshot{{Query: "golang", State: "idle", Watermark: 105, Subscribers: []string{"1", "2"}}},
			Accounts:  []scheduler.AccountSnapshot{{Identity: "1", State: "scheduled", HasCredentials: true, FriendWM: &fw, Subscribers: []string{"1"}}},
		},
		Mood: health.Mood{Label: "happy", Good: 9, Total: 10},
	})
	for _, want := range []string{
		"connected: true",
		"budget: 60/100 left, window 1h0m0s, exhausted 2 times",
		"gate search: 1/5 active, 0 waiting",
		`"golang" idle wm=105 subs=2`,
		"1 scheduled creds=true dm=0 friends=7 subs=1",
		"mood: happy (9/10)",
	} {
		require.True(t, strings.Contains(out, want), "missing %q in:\n%s", want, out)
	}
}

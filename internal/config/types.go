package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "15m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Feed     FeedConfig     `json:"feed"`
	Polling  PollingConfig  `json:"polling"`
	Budget   BudgetConfig   `json:"budget"`
	Gates    GatesConfig    `json:"gates"`
	Health   HealthConfig   `json:"health"`

	// Writes controls the worker pool that persists watermarks.
	Writes   *WritesConfig   `json:"writes,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Debug    *DebugConfig    `json:"debug,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AdminChats are endpoints ("chatID" or "chatID:threadID") that receive
	// budget notices and log records.
	AdminChats []string `json:"admin_chats"`
	// AdminUserIDs may run /status.
	AdminUserIDs []int64 `json:"admin_user_ids,omitempty"`
	PollTimeout  string  `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards log records to the admin chats.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type FeedConfig struct {
	BaseURL   string `json:"base_url"`
	UserAgent string `json:"user_agent,omitempty"`
	// CallTimeout cuts off one feed call. Default "5m"; "0s" disables.
	CallTimeout string `json:"call_timeout,omitempty"`
	ProfileURL  string `json:"profile_url,omitempty"`
}

// PollingConfig defaults: topic_every "15m", account_every "3m".
type PollingConfig struct {
	TopicEvery   string `json:"topic_every"`
	AccountEvery string `json:"account_every"`
}

// BudgetConfig defaults: capacity 20000, window "1h".
type BudgetConfig struct {
	Capacity int    `json:"capacity"`
	Window   string `json:"window"`
}

// GatesConfig defaults: search 5, private 20, activation 2.
type GatesConfig struct {
	Search     int `json:"search"`
	Private    int `json:"private"`
	Activation int `json:"activation"`
}

type HealthConfig struct {
	// Window is the number of recent feed calls the mood is computed over.
	Window int `json:"window"`
}

// WritesConfig defaults: workers 2, queue_size 256, timeout "30s".
type WritesConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// NotifierConfig controls the async delivery pipeline.
// If the whole section is omitted, the notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls persistence. Omitted means in-memory.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./feedspy.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DebugConfig controls the operator HTTP endpoint (/healthz, /status,
// /debug/pprof/). Disabled when omitted. Addr defaults to "127.0.0.1:6060";
// a non-loopback addr needs a token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

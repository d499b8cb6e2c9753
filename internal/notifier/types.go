package notifier

import "time"

// Config controls the async delivery pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool

	// AdminEndpoints receive NotifyAdmins and SendLog messages.
	AdminEndpoints []string
}

type HistoryItem struct {
	At       time.Time
	Endpoint string
	Text     string
}

// DeliveryEvent is published on the event bus for each delivery outcome.
type DeliveryEvent struct {
	Endpoint string    `json:"endpoint"`
	Key      string    `json:"key,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

type Snapshot struct {
	QueueLen int
	QueueCap int
	Sent     uint64
	Deduped  uint64
	Dropped  uint64
	Failed   uint64
	History  []HistoryItem
}

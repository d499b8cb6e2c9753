package pool

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStopped   = errors.New("worker pool stopped")
	ErrQueueFull = errors.New("worker pool queue full")
)

// Config controls the durable-write worker pool.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Job.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops jobs that waited in the queue longer than this.
	// 0 disables stale dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

// Job is a unit of blocking work. Jobs are never retried.
type Job struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Error      string
}

// JobEvent is published on the event bus when a job finishes or is dropped.
type JobEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

type Snapshot struct {
	Workers      int
	QueueLen     int
	QueueCap     int
	InFlight     int
	Completed    uint64
	Failed       uint64
	DroppedFull  uint64
	DroppedStale uint64
	History      []HistoryItem
}

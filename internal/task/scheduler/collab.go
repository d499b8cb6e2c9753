package scheduler

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"

	"feedspy/internal/storage"
	"feedspy/internal/task/pool"
)

var (
	// ErrFeedCall wraps every failure returned by a feed client.
	ErrFeedCall = errors.New("feed call failed")
	// ErrPersistWrite wraps a failed watermark write. Such writes are dropped.
	ErrPersistWrite = errors.New("watermark write failed")
)

// Delivery pushes items to endpoints. SendDeduped must be idempotent per key.
type Delivery interface {
	SendDeduped(ctx context.Context, endpoint, plain, rich, key string) error
	SendPlain(ctx context.Context, endpoint, text string) error
}

type Persistence interface {
	LoadSubscriptionState(ctx context.Context, identity string) (storage.SubscriptionState, error)
	UpdateWatermarkField(ctx context.Context, identity, field string, value int64) error
}

// Health observes every raw feed call.
type Health interface {
	MarkSuccess()
	MarkFailure(err error) error
}

type AdminNotifier interface {
	NotifyAdmins(ctx context.Context, msg string)
}

// Enqueuer runs blocking jobs off the polling path. *pool.Pool implements it.
type Enqueuer interface {
	Enqueue(j pool.Job) error
}

// Timers is the subset of *cron.Cron used by tasks.
type Timers interface {
	Schedule(s cron.Schedule, j cron.Job) cron.EntryID
	Remove(id cron.EntryID)
}

type nopHealth struct{}

func (nopHealth) MarkSuccess()                {}
func (nopHealth) MarkFailure(err error) error { return err }

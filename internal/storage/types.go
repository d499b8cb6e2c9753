package storage

import (
	"context"
	"errors"
	"time"

	"feedspy/internal/feed"
)

var (
	ErrDisabled     = errors.New("storage disabled")
	ErrNotFound     = errors.New("storage: not found")
	ErrUnknownField = errors.New("storage: unknown watermark field")
)

// Watermark fields accepted by UpdateWatermarkField.
const (
	// FieldTopicMaxSeen is keyed by the topic query rather than a user.
	FieldTopicMaxSeen     = "track.max_seen"
	FieldDirectMessageID  = "user.direct_message_id"
	FieldFriendTimelineID = "user.friend_timeline_id"
)

const (
	dedupPruneEvery          = 500
	defaultSQLiteBusyTimeout = 60 * time.Second
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process maps
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type TrackedTopic struct {
	Query     string
	Watermark int64
}

// SubscriptionState is everything the scheduler needs to activate a user.
type SubscriptionState struct {
	Identity    string
	Endpoint    string
	Active      bool
	Credentials *feed.Credentials
	// FriendWatermark nil means friend polling is disabled.
	FriendWatermark *int64
	DMWatermark     int64
	Tracks          []TrackedTopic
}

type UserRef struct {
	Identity string
	Endpoint string
}

// Store is the persistence API used by the scheduler, the command router and
// the notifier.
type Store interface {
	LoadSubscriptionState(ctx context.Context, identity string) (SubscriptionState, error)
	// UpdateWatermarkField is a single-field, best-effort write.
	UpdateWatermarkField(ctx context.Context, identity, field string, value int64) error

	// EnsureUser creates the user on first contact and refreshes its endpoint.
	EnsureUser(ctx context.Context, identity, endpoint string) error
	SetActive(ctx context.Context, identity string, active bool) error
	SetCredentials(ctx context.Context, identity string, c *feed.Credentials) error
	SetFriendWatermark(ctx context.Context, identity string, wm *int64) error
	// Track subscribes identity to query and returns the topic's watermark.
	Track(ctx context.Context, identity, query string) (int64, error)
	// Untrack reports whether identity was tracking query.
	Untrack(ctx context.Context, identity, query string) (bool, error)
	ActiveUsers(ctx context.Context) ([]UserRef, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

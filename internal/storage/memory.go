package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"feedspy/internal/feed"
)

type memUser struct {
	endpoint string
	active   bool
	creds    *feed.Credentials
	friend   *int64
	dm       int64
	tracks   map[string]struct{}
}

// Memory is a process-local Store.
type Memory struct {
	mu     sync.Mutex
	users  map[string]*memUser
	topics map[string]int64
	dedup  map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users:  map[string]*memUser{},
		topics: map[string]int64{},
		dedup:  map[string]time.Time{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) user(identity string) (*memUser, error) {
	u := m.users[identity]
	if u == nil {
		return nil, ErrNotFound
	}
	return u, nil
}

func (m *Memory) LoadSubscriptionState(_ context.Context, identity string) (SubscriptionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := SubscriptionState{Identity: identity}
	u, err := m.user(identity)
	if err != nil {
		return st, err
	}
	st.Endpoint = u.endpoint
	st.Active = u.active
	st.DMWatermark = u.dm
	if u.creds != nil {
		c := *u.creds
		st.Credentials = &c
	}
	if u.friend != nil {
		v := *u.friend
		st.FriendWatermark = &v
	}
	for q := range u.tracks {
		st.Tracks = append(st.Tracks, TrackedTopic{Query: q, Watermark: m.topics[q]})
	}
	sort.Slice(st.Tracks, func(i, j int) bool { return st.Tracks[i].Query < st.Tracks[j].Query })
	return st, nil
}

func (m *Memory) UpdateWatermarkField(_ context.Context, identity, field string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if field == FieldTopicMaxSeen {
		if _, ok := m.topics[identity]; !ok {
			return ErrNotFound
		}
		m.topics[identity] = value
		return nil
	}
	u, err := m.user(identity)
	if err != nil {
		return err
	}
	switch field {
	case FieldDirectMessageID:
		u.dm = value
	case FieldFriendTimelineID:
		u.friend = &value
	default:
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	return nil
}

func (m *Memory) EnsureUser(_ context.Context, identity, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[identity]
	if u == nil {
		u = &memUser{active: true, tracks: map[string]struct{}{}}
		m.users[identity] = u
	}
	u.endpoint = endpoint
	return nil
}

func (m *Memory) SetActive(_ context.Context, identity string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(identity)
	if err != nil {
		return err
	}
	u.active = active
	return nil
}

func (m *Memory) SetCredentials(_ context.Context, identity string, c *feed.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(identity)
	if err != nil {
		return err
	}
	if c == nil {
		u.creds = nil
	} else {
		cc := *c
		u.creds = &cc
	}
	return nil
}

func (m *Memory) SetFriendWatermark(_ context.Context, identity string, wm *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(identity)
	if err != nil {
		return err
	}
	if wm == nil {
		u.friend = nil
	} else {
		v := *wm
		u.friend = &v
	}
	return nil
}

func (m *Memory) Track(_ context.Context, identity, query string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(identity)
	if err != nil {
		return 0, err
	}
	if _, ok := m.topics[query]; !ok {
		m.topics[query] = 0
	}
	u.tracks[query] = struct{}{}
	return m.topics[query], nil
}

func (m *Memory) Untrack(_ context.Context, identity, query string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, err := m.user(identity)
	if err != nil {
		return false, err
	}
	_, ok := u.tracks[query]
	delete(u.tracks, query)
	return ok, nil
}

func (m *Memory) ActiveUsers(_ context.Context) ([]UserRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []UserRef
	for id, u := range m.users {
		if u.active {
			out = append(out, UserRef{Identity: id, Endpoint: u.endpoint})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

func (m *Memory) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	m.dedup[key] = until
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.dedup[key]
	return until, ok, nil
}

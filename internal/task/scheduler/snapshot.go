package scheduler

import (
	"feedspy/internal/task/budget"
	"feedspy/internal/task/gate"
)

type TopicSnapshot struct {
	Query       string   `json:"query"`
	State       string   `json:"state"`
	Watermark   int64    `json:"watermark"`
	Subscribers []string `json:"subscribers"`
}

type AccountSnapshot struct {
	Identity       string   `json:"identity"`
	State          string   `json:"state"`
	HasCredentials bool     `json:"has_credentials"`
	DMWatermark    int64    `json:"dm_watermark"`
	FriendWM       *int64   `json:"friend_watermark,omitempty"`
	Subscribers    []string `json:"subscribers"`
}

type Snapshot struct {
	Connected bool              `json:"connected"`
	Budget    budget.Snapshot   `json:"budget"`
	Gates     []gate.Snapshot   `json:"gates"`
	Topics    []TopicSnapshot   `json:"topics"`
	Accounts  []AccountSnapshot `json:"accounts"`
}

func (s *Service) Snapshot() Snapshot {
	out := Snapshot{
		Connected: s.IsConnected(),
		Budget:    s.budget.Snapshot(),
		Gates:     s.gates.Snapshot(),
	}
	for _, q := range s.topics.Keys() {
		t, ok := s.topics.Get(q)
		if !ok {
			continue
		}
		out.Topics = append(out.Topics, TopicSnapshot{
			Query:       q,
			State:       t.State().String(),
			Watermark:   t.Watermark(),
			Subscribers: t.Subscribers(),
		})
	}
	for _, id := range s.accounts.Keys() {
		a, ok := s.accounts.Get(id)
		if !ok {
			continue
		}
		dm, fr := a.Watermarks()
		out.Accounts = append(out.Accounts, AccountSnapshot{
			Identity:       id,
			State:          a.State().String(),
			HasCredentials: a.HasCredentials(),
			DMWatermark:    dm,
			FriendWM:       fr,
			Subscribers:    a.Subscribers(),
		})
	}
	return out
}

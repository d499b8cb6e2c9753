package scheduler

import (
	"sort"
	"sync"

	"feedspy/internal/feed"
	logx "feedspy/pkg/logx"
)

// Topics maps a query to the single Topic task shared by its subscribers.
type Topics struct {
	env   *env
	store Persistence

	mu     sync.Mutex
	topics map[string]*Topic
}

func newTopics(e *env, store Persistence) *Topics {
	return &Topics{env: e, store: store, topics: map[string]*Topic{}}
}

// Add subscribes endpoint to query, creating and starting the task on first
// use. The watermark only seeds a new task; an existing task keeps its own.
func (r *Topics) Add(endpoint, query string, watermark int64) *Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.topics[query]
	if t == nil {
		t = newTopic(r.env, r.store, query, watermark)
		r.topics[query] = t
		t.Start()
		r.env.log.Info("topic created", logx.String("topic", query), logx.Int64("watermark", watermark))
	}
	t.mu.Lock()
	t.subs.add(endpoint)
	t.mu.Unlock()
	return t
}

// Untrack removes endpoint from query and destroys the task when it was the
// last subscriber. It reports whether endpoint was subscribed.
func (r *Topics) Untrack(endpoint, query string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.untrackLocked(endpoint, query)
}

func (r *Topics) untrackLocked(endpoint, query string) bool {
	t := r.topics[query]
	if t == nil {
		return false
	}
	t.mu.Lock()
	removed := t.subs.remove(endpoint)
	empty := t.subs.empty()
	t.mu.Unlock()
	if empty {
		t.Stop()
		delete(r.topics, query)
		r.env.log.Info("topic removed", logx.String("topic", query))
	}
	return removed
}

// RemoveSubscriber untracks endpoint from every topic. It returns the number
// of topics it was removed from.
func (r *Topics) RemoveSubscriber(endpoint string) int {
	return r.RemoveSubscribers(endpoint)
}

func (r *Topics) RemoveSubscribers(endpoints ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for query := range r.topics {
		for _, ep := range endpoints {
			if r.untrackLocked(ep, query) {
				n++
			}
		}
	}
	return n
}

// ResetAll stops and forgets every topic. Nothing is restored.
func (r *Topics) ResetAll() int {
	r.mu.Lock()
	old := r.topics
	r.topics = map[string]*Topic{}
	r.mu.Unlock()
	for _, t := range old {
		t.Stop()
	}
	return len(old)
}

func (r *Topics) Get(query string) (*Topic, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[query]
	return t, ok
}

func (r *Topics) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.topics))
	for k := range r.topics {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Topics) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}

// Accounts maps an identity to its Account task.
type Accounts struct {
	env   *env
	store Persistence

	mu       sync.Mutex
	accounts map[string]*Account
}

func newAccounts(e *env, store Persistence) *Accounts {
	return &Accounts{env: e, store: store, accounts: map[string]*Account{}}
}

// Add attaches endpoint to the account, creating it on first use. The
// watermarks only seed a new account. The timer starts with SetCredentials.
func (r *Accounts) Add(identity, endpoint string, friendWM *int64, dmWM int64) *Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.accounts[identity]
	if a == nil {
		a = newAccount(r.env, r.store, identity, friendWM, dmWM)
		r.accounts[identity] = a
		r.env.log.Info("account created", logx.String("account", identity), logx.Bool("friends", friendWM != nil))
	}
	a.mu.Lock()
	a.subs.add(endpoint)
	a.mu.Unlock()
	return a
}

// SetCredentials starts the account timer when creds are present and stops
// it when they are not. It reports false for an unknown identity.
func (r *Accounts) SetCredentials(identity string, creds *feed.Credentials) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.accounts[identity]
	if a == nil {
		r.env.log.Debug("set credentials: unknown account", logx.String("account", identity))
		return false
	}
	a.setCredentials(creds)
	return true
}

// Remove detaches endpoint and destroys the account when none remain.
func (r *Accounts) Remove(identity, endpoint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.accounts[identity]
	if a == nil {
		return false
	}
	a.mu.Lock()
	removed := a.subs.remove(endpoint)
	empty := a.subs.empty()
	a.mu.Unlock()
	if empty {
		a.Stop()
		delete(r.accounts, identity)
		r.env.log.Info("account removed", logx.String("account", identity))
	}
	return removed
}

// Subscribers returns the endpoints attached to identity.
func (r *Accounts) Subscribers(identity string) []string {
	r.mu.Lock()
	a := r.accounts[identity]
	r.mu.Unlock()
	if a == nil {
		return nil
	}
	return a.Subscribers()
}

func (r *Accounts) ResetAll() int {
	r.mu.Lock()
	old := r.accounts
	r.accounts = map[string]*Account{}
	r.mu.Unlock()
	for _, a := range old {
		a.Stop()
	}
	return len(old)
}

func (r *Accounts) Get(identity string) (*Account, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[identity]
	return a, ok
}

func (r *Accounts) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.accounts))
	for k := range r.accounts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Accounts) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accounts)
}

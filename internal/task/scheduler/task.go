package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"feedspy/internal/eventbus"
	"feedspy/internal/feed"
	"feedspy/internal/task/budget"
	"feedspy/internal/task/gate"
	"feedspy/internal/task/pool"
	logx "feedspy/pkg/logx"
)

// State is the lifecycle of a task.
type State int32

const (
	Stopped State = iota
	Scheduled
	Idle
	Polling
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "scheduled"
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	default:
		return "stopped"
	}
}

// PollEvent is published on the event bus after each tick.
type PollEvent struct {
	Kind      string `json:"kind"`
	Key       string `json:"key"`
	Items     int    `json:"items"`
	Watermark int64  `json:"watermark"`
	Error     string `json:"error,omitempty"`
}

// subscriptionSet is the set of endpoints attached to one task.
type subscriptionSet map[string]struct{}

func (s subscriptionSet) add(endpoint string) bool {
	if _, ok := s[endpoint]; ok {
		return false
	}
	s[endpoint] = struct{}{}
	return true
}

func (s subscriptionSet) remove(endpoint string) bool {
	if _, ok := s[endpoint]; !ok {
		return false
	}
	delete(s, endpoint)
	return true
}

func (s subscriptionSet) contains(endpoint string) bool {
	_, ok := s[endpoint]
	return ok
}

func (s subscriptionSet) empty() bool { return len(s) == 0 }

func (s subscriptionSet) list() []string {
	out := make([]string, 0, len(s))
	for e := range s {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// env is what every task shares with its Service.
type env struct {
	ctx context.Context
	log logx.Logger
	bus eventbus.Bus

	budget   *budget.Manager
	gates    gate.Set
	feeds    feed.Factory
	delivery Delivery
	health   Health
	writes   Enqueuer
	timers   Timers

	topicPeriod   time.Duration
	accountPeriod time.Duration
	callTimeout   time.Duration
	profileURL    string

	connected atomic.Bool
	now       func() time.Time
	intN      func(n int) int
}

// call runs one raw feed call under the health hooks and the latency cutoff.
func (e *env) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}
	if err := fn(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrFeedCall, e.health.MarkFailure(err))
	}
	e.health.MarkSuccess()
	return nil
}

// deliver sends every item to every endpoint, in item order. It stops as
// soon as the transport goes away.
func (e *env) deliver(ctx context.Context, log logx.Logger, items []feed.Item, endpoints []string) int {
	n := 0
	for _, it := range items {
		for _, ep := range endpoints {
			if !e.connected.Load() {
				log.Debug("delivery aborted: transport disconnected", logx.Int("pending", len(items)*len(endpoints)-n))
				return n
			}
			key := fmt.Sprintf("%d@%s", it.ID, ep)
			if err := e.delivery.SendDeduped(ctx, ep, it.Plain, it.Rich, key); err != nil {
				log.Warn("delivery enqueue failed", logx.String("endpoint", ep), logx.String("key", key), logx.Err(err))
				continue
			}
			n++
		}
	}
	return n
}

// persist hands a watermark write to the worker pool. Failures are logged
// by the pool and dropped.
func (e *env) persist(store Persistence, identity, field string, value int64) {
	if store == nil || e.writes == nil {
		return
	}
	job := pool.Job{
		Name: "persist " + field,
		Run: func(ctx context.Context) error {
			if err := store.UpdateWatermarkField(ctx, identity, field, value); err != nil {
				return fmt.Errorf("%w: %s=%d for %q: %w", ErrPersistWrite, field, value, identity, err)
			}
			return nil
		},
	}
	if err := e.writes.Enqueue(job); err != nil {
		e.log.Warn("watermark write dropped", logx.String("field", field), logx.String("identity", identity), logx.Int64("value", value), logx.Err(err))
	}
}

// skipped reports whether err is a tick outcome that is not a failure.
func skipped(err error) bool {
	return errors.Is(err, budget.ErrOutOfBudget) || errors.Is(err, context.Canceled)
}

// timer is the cron entry owned by one task.
type timer struct {
	mu    sync.Mutex
	id    cron.EntryID
	armed bool
	state atomic.Int32
}

func (t *timer) State() State { return State(t.state.Load()) }

func (t *timer) set(s State) { t.state.Store(int32(s)) }

// polling marks a tick as running unless the task was stopped meanwhile.
func (t *timer) polling() {
	t.state.CompareAndSwap(int32(Scheduled), int32(Polling))
	t.state.CompareAndSwap(int32(Idle), int32(Polling))
}

func (t *timer) idle() {
	t.state.CompareAndSwap(int32(Polling), int32(Idle))
}

// arm schedules job unless already armed. It returns the first delay.
func (t *timer) arm(e *env, job cron.Job, period time.Duration, deferFirst bool) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.armed {
		return 0, false
	}
	sched, delay := jitteredEvery(period, e.now(), deferFirst, e.intN)
	t.id = e.timers.Schedule(sched, job)
	t.armed = true
	t.set(Scheduled)
	return delay, true
}

func (t *timer) disarm(e *env) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return false
	}
	e.timers.Remove(t.id)
	t.armed = false
	t.set(Stopped)
	return true
}

func (t *timer) isArmed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

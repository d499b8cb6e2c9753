// Package pool runs blocking jobs (durable writes) on a bounded set of
// supervised workers so callers never block on storage.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"feedspy/internal/eventbus"
	rtsup "feedspy/internal/runtime/supervisor"
	logx "feedspy/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type queued struct {
	job        Job
	enqueuedAt time.Time
}

type Pool struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu     sync.Mutex
	q      chan queued
	sup    *rtsup.Supervisor
	closed bool

	inFlight     atomic.Int32
	completed    atomic.Uint64
	failed       atomic.Uint64
	droppedFull  atomic.Uint64
	droppedStale atomic.Uint64
	lastWarnAt   atomic.Int64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Pool {
	return &Pool{cfg: cfg.withDefaults(), log: log, bus: bus}
}

// Start launches the workers. It is idempotent.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.q != nil || p.closed {
		return
	}
	p.q = make(chan queued, p.cfg.QueueSize)
	p.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(p.log))
	q := p.q
	for i := 0; i < p.cfg.Workers; i++ {
		p.sup.GoRestart(fmt.Sprintf("pool.worker.%d", i), func(c context.Context) error {
			p.worker(c, q)
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	p.log.Info("worker pool started", logx.Int("workers", p.cfg.Workers), logx.Int("queue", p.cfg.QueueSize))
}

// Stop cancels the workers and waits for in-flight jobs up to ctx.
// Queued jobs that were not picked up are discarded.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	sup := p.sup
	p.closed = true
	p.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Warn("worker pool stop", logx.Err(err))
	}
}

// Enqueue submits a job without blocking. A full queue drops the job.
func (p *Pool) Enqueue(j Job) error {
	if j.Run == nil {
		return fmt.Errorf("job Run is nil")
	}
	j.Name = strings.TrimSpace(j.Name)
	if j.Name == "" {
		return fmt.Errorf("job Name is required")
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}

	p.mu.Lock()
	q := p.q
	closed := p.closed
	p.mu.Unlock()
	if q == nil || closed {
		return ErrStopped
	}

	select {
	case q <- queued{job: j, enqueuedAt: time.Now()}:
		return nil
	default:
		p.droppedFull.Add(1)
		p.publish(eventbus.JobDropped, JobEvent{ID: j.ID, Name: j.Name, Error: "queue_full"})
		if p.shouldWarn() {
			p.log.Warn("job dropped: queue full", logx.String("job", j.Name), logx.Int("queue_cap", cap(q)), logx.Uint64("dropped_full", p.droppedFull.Load()))
		}
		return ErrQueueFull
	}
}

func (p *Pool) worker(ctx context.Context, q <-chan queued) {
	for {
		select {
		case <-ctx.Done():
			return
		case qj := <-q:
			p.inFlight.Add(1)
			p.exec(ctx, qj)
			p.inFlight.Add(-1)
		}
	}
}

func (p *Pool) exec(ctx context.Context, qj queued) {
	start := time.Now()
	delay := max(start.Sub(qj.enqueuedAt), 0)
	j := qj.job

	if p.cfg.MaxQueueDelay > 0 && delay > p.cfg.MaxQueueDelay {
		p.droppedStale.Add(1)
		p.record(HistoryItem{ID: j.ID, Name: j.Name, Started: start, QueueDelay: delay, Error: "stale_queue_delay"})
		p.publish(eventbus.JobDropped, JobEvent{ID: j.ID, Name: j.Name, QueueDelay: delay, Error: "stale_queue_delay"})
		if p.shouldWarn() {
			p.log.Warn("job dropped: stale queue", logx.String("job", j.Name), logx.Duration("queue_delay", delay))
		}
		return
	}

	timeout := j.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				p.log.Error("job panic", logx.String("job", j.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		return j.Run(runCtx)
	}()
	cancel()

	dur := time.Since(start)
	item := HistoryItem{ID: j.ID, Name: j.Name, Started: start, QueueDelay: delay, Duration: dur}
	ev := JobEvent{ID: j.ID, Name: j.Name, QueueDelay: delay, Duration: dur}
	if err != nil {
		p.failed.Add(1)
		item.Error = err.Error()
		ev.Error = item.Error
		p.log.Warn("job failed", logx.String("job", j.Name), logx.Err(err), logx.Duration("dur", dur))
		p.publish(eventbus.JobFailed, ev)
	} else {
		p.completed.Add(1)
		p.log.Debug("job completed", logx.String("job", j.Name), logx.Duration("queue_delay", delay), logx.Duration("dur", dur))
		p.publish(eventbus.JobFinished, ev)
	}
	p.record(item)
}

func (p *Pool) record(item HistoryItem) {
	p.hmu.Lock()
	p.history = append(p.history, item)
	if n := len(p.history) - p.cfg.HistorySize; n > 0 {
		p.history = p.history[n:]
	}
	p.hmu.Unlock()
}

func (p *Pool) publish(typ string, ev JobEvent) {
	eventbus.Publish(p.bus, typ, ev)
}

func (p *Pool) shouldWarn() bool {
	now := time.Now().UnixNano()
	prev := p.lastWarnAt.Load()
	if prev != 0 && now-prev < int64(warnThrottleEvery) {
		return false
	}
	return p.lastWarnAt.CompareAndSwap(prev, now)
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	q := p.q
	p.mu.Unlock()

	p.hmu.Lock()
	h := append([]HistoryItem(nil), p.history...)
	p.hmu.Unlock()

	s := Snapshot{
		Workers:      p.cfg.Workers,
		InFlight:     int(p.inFlight.Load()),
		Completed:    p.completed.Load(),
		Failed:       p.failed.Load(),
		DroppedFull:  p.droppedFull.Load(),
		DroppedStale: p.droppedStale.Load(),
		History:      h,
	}
	if q != nil {
		s.QueueLen, s.QueueCap = len(q), cap(q)
	}
	return s
}

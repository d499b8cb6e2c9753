// Package budget accounts for the global, time-windowed feed API quota.
//
// Every outbound feed call must hold a Ticket. When the window runs dry,
// Acquire fails fast with ErrOutOfBudget; the scheduler resets the window
// on a fixed period via ResetTick.
package budget

import (
	"context"
	"errors"
	"sync"
	"time"

	"feedspy/internal/eventbus"
	logx "feedspy/pkg/logx"
)

const (
	DefaultCapacity = 20000
	DefaultWindow   = time.Hour
)

var ErrOutOfBudget = errors.New("request budget exhausted")

// Notifier receives the exhausted/recovered transitions.
type Notifier interface {
	NotifyAdmins(ctx context.Context, msg string)
}

// Ticket licenses exactly one outbound call.
type Ticket struct {
	// Remaining is the quota left after this ticket was issued.
	Remaining int
}

type Config struct {
	Capacity int
	Window   time.Duration
}

type Snapshot struct {
	Capacity        int           `json:"capacity"`
	Window          time.Duration `json:"window"`
	Remaining       int           `json:"remaining"`
	Exhausted       bool          `json:"exhausted"`
	ExhaustedEvents int           `json:"exhausted_events"`
	LastReset       time.Time     `json:"last_reset"`
}

type Manager struct {
	log    logx.Logger
	bus    eventbus.Bus
	notify Notifier

	mu              sync.Mutex
	capacity        int
	window          time.Duration
	remaining       int
	exhausted       bool
	exhaustedEvents int
	lastReset       time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, notify Notifier) *Manager {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Manager{
		log:       log,
		bus:       bus,
		notify:    notify,
		capacity:  cfg.Capacity,
		window:    cfg.Window,
		remaining: cfg.Capacity,
		lastReset: time.Now(),
	}
}

func (m *Manager) Window() time.Duration { return m.window }

// Acquire takes one unit of quota. It never blocks and never performs I/O
// while holding the lock; the one admin notification per exhaustion is sent
// after the state flip.
func (m *Manager) Acquire() (Ticket, error) {
	m.mu.Lock()
	if m.remaining > 0 {
		m.remaining--
		t := Ticket{Remaining: m.remaining}
		m.mu.Unlock()
		return t, nil
	}
	first := !m.exhausted
	m.exhausted = true
	m.mu.Unlock()

	if first {
		m.log.Warn("request budget exhausted", logx.Int("capacity", m.capacity), logx.Duration("window", m.window))
		eventbus.Publish(m.bus, eventbus.BudgetExhausted, m.Snapshot())
		m.tell("Ran out of feed API requests. Polling is paused until the next window.")
	}
	return Ticket{}, ErrOutOfBudget
}

// ResetTick restores the full capacity for a new window.
func (m *Manager) ResetTick() {
	m.mu.Lock()
	m.remaining = m.capacity
	m.lastReset = time.Now()
	recovered := m.exhausted
	if recovered {
		m.exhausted = false
		m.exhaustedEvents++
	}
	events := m.exhaustedEvents
	m.mu.Unlock()

	m.log.Info("request budget reset", logx.Int("capacity", m.capacity), logx.Int("exhausted_events", events))
	if recovered {
		eventbus.Publish(m.bus, eventbus.BudgetRecovered, m.Snapshot())
		m.tell("Feed API request budget restored.")
	}
	eventbus.Publish(m.bus, eventbus.BudgetReset, m.Snapshot())
}

// Run adapts ResetTick to cron.Job.
func (m *Manager) Run() { m.ResetTick() }

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Capacity:        m.capacity,
		Window:          m.window,
		Remaining:       m.remaining,
		Exhausted:       m.exhausted,
		ExhaustedEvents: m.exhaustedEvents,
		LastReset:       m.lastReset,
	}
}

func (m *Manager) tell(msg string) {
	if m.notify == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	m.notify.NotifyAdmins(ctx, msg)
}

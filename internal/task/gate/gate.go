// Package gate bounds the number of in-flight feed calls per category.
package gate

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

const (
	DefaultSearch     = 5
	DefaultPrivate    = 20
	DefaultActivation = 2
)

// Gate is a named concurrency limiter. Waiters are admitted in arrival order.
type Gate struct {
	name     string
	capacity int
	sem      *semaphore.Weighted

	active  atomic.Int64
	waiting atomic.Int64
	granted atomic.Uint64
}

type Snapshot struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
	Active   int    `json:"active"`
	Waiting  int    `json:"waiting"`
	Granted  uint64 `json:"granted"`
}

func New(name string, capacity int) *Gate {
	if capacity <= 0 {
		capacity = 1
	}
	return &Gate{name: name, capacity: capacity, sem: semaphore.NewWeighted(int64(capacity))}
}

func (g *Gate) Name() string  { return g.name }
func (g *Gate) Capacity() int { return g.capacity }

// Run waits for a slot, runs fn, and frees the slot before returning,
// whether fn succeeds, fails or panics. A waiter whose ctx ends first gives
// up its place without taking a slot.
func (g *Gate) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return err
	}
	g.active.Add(1)
	g.granted.Add(1)
	defer func() {
		g.active.Add(-1)
		g.sem.Release(1)
	}()
	return fn(ctx)
}

func (g *Gate) Snapshot() Snapshot {
	return Snapshot{
		Name:     g.name,
		Capacity: g.capacity,
		Active:   int(g.active.Load()),
		Waiting:  int(g.waiting.Load()),
		Granted:  g.granted.Load(),
	}
}

// Set groups the three independent admission gates.
type Set struct {
	Search     *Gate
	Private    *Gate
	Activation *Gate
}

type Config struct {
	Search     int
	Private    int
	Activation int
}

func NewSet(cfg Config) Set {
	if cfg.Search <= 0 {
		cfg.Search = DefaultSearch
	}
	if cfg.Private <= 0 {
		cfg.Private = DefaultPrivate
	}
	if cfg.Activation <= 0 {
		cfg.Activation = DefaultActivation
	}
	return Set{
		Search:     New("search", cfg.Search),
		Private:    New("private", cfg.Private),
		Activation: New("activation", cfg.Activation),
	}
}

func (s Set) Snapshot() []Snapshot {
	return []Snapshot{s.Search.Snapshot(), s.Private.Snapshot(), s.Activation.Snapshot()}
}

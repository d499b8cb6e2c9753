// Package health keeps a sliding window of feed call outcomes and turns it
// into a mood for the status surface.
package health

import (
	"sync"
)

const DefaultWindow = 100

type Mood struct {
	Label string  `json:"label"`
	Good  int     `json:"good"`
	Total int     `json:"total"`
	Ratio float64 `json:"ratio"`
}

type Tracker struct {
	mu      sync.Mutex
	results []bool
	next    int
	filled  bool
}

func NewTracker(window int) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{results: make([]bool, window)}
}

func (t *Tracker) record(ok bool) {
	t.mu.Lock()
	t.results[t.next] = ok
	t.next++
	if t.next == len(t.results) {
		t.next = 0
		t.filled = true
	}
	t.mu.Unlock()
}

func (t *Tracker) MarkSuccess() { t.record(true) }

// MarkFailure records a failure and returns err unchanged.
func (t *Tracker) MarkFailure(err error) error {
	t.record(false)
	return err
}

func (t *Tracker) CurrentMood() Mood {
	t.mu.Lock()
	n := t.next
	if t.filled {
		n = len(t.results)
	}
	good := 0
	for _, ok := range t.results[:n] {
		if ok {
			good++
		}
	}
	t.mu.Unlock()

	m := Mood{Good: good, Total: n}
	if n == 0 {
		return m
	}
	m.Ratio = float64(good) / float64(n)
	m.Label = label(m.Ratio)
	return m
}

func label(r float64) string {
	switch {
	case r >= 0.9:
		return "happy"
	case r >= 0.7:
		return "content"
	case r >= 0.5:
		return "annoyed"
	case r > 0:
		return "frustrated"
	default:
		return "angry"
	}
}

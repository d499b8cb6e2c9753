// Package merge orders the items collected during one poll and tracks the
// resulting watermark.
package merge

import (
	"sort"
	"sync"

	"feedspy/internal/feed"
)

// Collector accumulates items from one poll in ascending ID order.
// Equal IDs keep arrival order. It does not deduplicate.
type Collector struct {
	mu    sync.Mutex
	items []feed.Item
}

func NewCollector() *Collector { return &Collector{} }

// Add inserts it after every item with an ID <= it.ID.
func (c *Collector) Add(it feed.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := sort.Search(len(c.items), func(i int) bool { return c.items[i].ID > it.ID })
	c.items = append(c.items, feed.Item{})
	copy(c.items[i+1:], c.items[i:])
	c.items[i] = it
}

// Items returns a copy of the sorted batch.
func (c *Collector) Items() []feed.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]feed.Item(nil), c.items...)
}

func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Max returns the highest ID seen, and false when the batch is empty.
func (c *Collector) Max() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) == 0 {
		return 0, false
	}
	return c.items[len(c.items)-1].ID, true
}

// Advance returns max(old, Max()) and whether it differs from old.
// An empty batch leaves the watermark unchanged.
func (c *Collector) Advance(old int64) (int64, bool) {
	m, ok := c.Max()
	if !ok || m <= old {
		return old, false
	}
	return m, true
}

// Merge sorts items stably by ID and returns them with the max ID.
// Already sorted input comes back unchanged.
func Merge(items []feed.Item) ([]feed.Item, int64) {
	c := NewCollector()
	for _, it := range items {
		c.Add(it)
	}
	m, _ := c.Max()
	return c.Items(), m
}

package merge

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"feedspy/internal/feed"
)

func ids(items []feed.Item) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestCollectorOrdersArbitraryArrival(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	for _, id := range []int64{105, 99, 101} {
		c.Add(feed.Item{ID: id})
	}
	require.Equal(t, []int64{99, 101, 105}, ids(c.Items()))

	wm, changed := c.Advance(0)
	require.True(t, changed)
	require.Equal(t, int64(105), wm)
}

func TestStableForEqualIDs(t *testing.T) {
	t.Parallel()

	in := []feed.Item{{ID: 5, Plain: "a"}, {ID: 3}, {ID: 5, Plain: "b"}, {ID: 5, Plain: "c"}}
	out, m := Merge(in)
	require.Equal(t, int64(5), m)
	require.Equal(t, []int64{3, 5, 5, 5}, ids(out))
	require.Equal(t, "a", out[1].Plain)
	require.Equal(t, "b", out[2].Plain)
	require.Equal(t, "c", out[3].Plain)
}

func TestMergeIdempotentOnSorted(t *testing.T) {
	t.Parallel()

	in := []feed.Item{{ID: 1}, {ID: 2}, {ID: 9}}
	out, _ := Merge(in)
	require.Equal(t, in, out)
	again, _ := Merge(out)
	require.Equal(t, out, again)
}

func TestAdvance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		items   []int64
		old     int64
		want    int64
		changed bool
	}{
		{"empty keeps old", nil, 42, 42, false},
		{"higher advances", []int64{50, 43}, 42, 50, true},
		{"lower keeps old", []int64{10, 20}, 42, 42, false},
		{"equal keeps old", []int64{42}, 42, 42, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := NewCollector()
			for _, id := range tt.items {
				c.Add(feed.Item{ID: id})
			}
			got, changed := c.Advance(tt.old)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.changed, changed)
		})
	}
}

func TestWatermarkMonotonicAcrossPolls(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewPCG(1, 2))
	var wm int64
	for poll := 0; poll < 50; poll++ {
		c := NewCollector()
		for n := r.IntN(8); n > 0; n-- {
			c.Add(feed.Item{ID: r.Int64N(1000)})
		}
		next, _ := c.Advance(wm)
		require.GreaterOrEqual(t, next, wm)
		wm = next

		items := c.Items()
		for i := 1; i < len(items); i++ {
			require.LessOrEqual(t, items[i-1].ID, items[i].ID)
		}
	}
}

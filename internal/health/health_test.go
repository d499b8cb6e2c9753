package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmptyHasNoLabel(t *testing.T) {
	t.Parallel()
	m := NewTracker(0).CurrentMood()
	require.Equal(t, Mood{}, m)
}

func TestMarkFailurePassesThrough(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	tr := NewTracker(4)
	require.Same(t, boom, tr.MarkFailure(boom))
	require.Equal(t, 1, tr.CurrentMood().Total)
}

func TestMoodLabels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		good, bad int
		want      string
	}{
		{10, 0, "happy"},
		{9, 1, "happy"},
		{8, 2, "content"},
		{5, 5, "annoyed"},
		{1, 9, "frustrated"},
		{0, 10, "angry"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			tr := NewTracker(10)
			for i := 0; i < tt.good; i++ {
				tr.MarkSuccess()
			}
			for i := 0; i < tt.bad; i++ {
				_ = tr.MarkFailure(errors.New("x"))
			}
			m := tr.CurrentMood()
			require.Equal(t, tt.want, m.Label)
			require.Equal(t, tt.good, m.Good)
			require.Equal(t, 10, m.Total)
		})
	}
}

func TestWindowSlides(t *testing.T) {
	t.Parallel()

	tr := NewTracker(3)
	for i := 0; i < 3; i++ {
		_ = tr.MarkFailure(errors.New("x"))
	}
	for i := 0; i < 3; i++ {
		tr.MarkSuccess()
	}
	m := tr.CurrentMood()
	require.Equal(t, 3, m.Good)
	require.Equal(t, 3, m.Total)
	require.Equal(t, "happy", m.Label)
}

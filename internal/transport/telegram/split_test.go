package telegram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitTextShort(t *testing.T) {
	t.Parallel()
	require.Equal(t, []string{"hello"}, splitText("hello", 10, ""))
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(s, 10, "")
	require.Equal(t, []string{"aaaaaa", "bbbbbb"}, got)
}

func TestSplitTextAvoidsOpenTag(t *testing.T) {
	t.Parallel()

	s := "abcdefg<a href='x'>link</a>"
	got := splitText(s, 10, "HTML")
	require.Equal(t, "abcdefg", got[0])
	require.Equal(t, s, strings.Join(got, ""))
}

func TestSplitTextRuneSafe(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("é", 25)
	got := splitText(s, 10, "")
	require.Len(t, got, 3)
	for _, c := range got {
		require.LessOrEqual(t, len([]rune(c)), 10)
	}
}

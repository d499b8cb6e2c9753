package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEndpointRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want ChatTarget
	}{
		{"12345", ChatTarget{ChatID: 12345}},
		{"-100200:7", ChatTarget{ChatID: -100200, ThreadID: 7}},
		{" 42 ", ChatTarget{ChatID: 42}},
	}
	for _, tt := range tests {
		got, err := ParseEndpoint(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got)
		back, err := ParseEndpoint(got.Endpoint())
		require.NoError(t, err)
		require.Equal(t, got, back)
	}
}

func TestParseEndpointRejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "abc", "0", "1:x", "1:-2", "user@host"} {
		_, err := ParseEndpoint(in)
		require.ErrorIs(t, err, ErrBadEndpoint, in)
	}
}

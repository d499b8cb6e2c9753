package app

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"feedspy/internal/transport/telegram"
	logx "feedspy/pkg/logx"
)

func TestTelegramAdapterSharesConfiguredLogger(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "feedspy.log")
	cfgPath := filepath.Join(dir, "feedspy.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
telegram:
  token: "123:abc"
logging:
  level: debug
  file:
    enabled: true
    path: `+logPath+`
feed:
  base_url: https://feed.example.org/api
`), 0o600))

	errOffline := errors.New("offline")
	orig := newAdapter
	newAdapter = func(cfg telegram.Config, log logx.Logger) (*telegram.Adapter, error) {
		require.Equal(t, "123:abc", cfg.Token)
		log.Debug("long poll started")
		return nil, errOffline
	}
	t.Cleanup(func() { newAdapter = orig })

	_, err := New(cfgPath)
	require.ErrorIs(t, err, errOffline)

	b, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(b), "long poll started")
	require.Contains(t, string(b), `"comp":"telegram"`)
}

package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestWriterLoggerFieldsAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "scheduler"))

	log.Debug("hidden")
	log.Info("tick", Int("topics", 3), Bool("ok", true), Duration("took", time.Second))
	log.Warn("call failed", Err(errors.New("boom")), Err(nil))

	recs := decode(t, &buf)
	require.Len(t, recs, 2)
	require.Equal(t, "tick", recs[0]["message"])
	require.Equal(t, "scheduler", recs[0]["comp"])
	require.EqualValues(t, 3, recs[0]["topics"])
	require.Equal(t, true, recs[0]["ok"])
	require.Contains(t, recs[0]["caller"], "logging_test.go:")
	require.Equal(t, "warn", recs[1]["level"])
	require.Contains(t, buf.String(), "boom")

	require.False(t, log.Enabled(LevelDebug))
	require.True(t, log.Enabled(LevelError))
}

func TestZeroAndNopLoggers(t *testing.T) {
	t.Parallel()

	var zero Logger
	require.True(t, zero.IsZero())
	require.NotPanics(t, func() { zero.Error("nothing", String("k", "v")) })
	require.False(t, Nop().IsZero())
	require.NotPanics(t, func() { Nop().With(Int("n", 1)).Info("nothing") })
}

func TestCronLoggerDemotesInfo(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	cl := CronLogger{L: NewWriter(&buf, "info")}
	cl.Info("wake", "now", "12:00")
	require.Empty(t, buf.String())

	cl.Error(errors.New("job panicked"), "recover", "entry", 3)
	recs := decode(t, &buf)
	require.Len(t, recs, 1)
	require.Equal(t, "cron: recover", recs[0]["message"])
	require.EqualValues(t, 3, recs[0]["entry"])
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	require.Equal(t, zerolog.WarnLevel, parseLevel(" warning ", zerolog.InfoLevel))
	require.Equal(t, zerolog.TraceLevel, parseLevel("trace", zerolog.InfoLevel))
	require.Equal(t, zerolog.InfoLevel, parseLevel("loud", zerolog.InfoLevel))
}

func TestFormatChatJSON(t *testing.T) {
	t.Parallel()

	msg := formatChatJSON([]byte(`{"level":"error","time":"x","message":"feed down","endpoint":"42"}` + "\n"))
	require.Equal(t, "[ERROR] feed down\n- endpoint=42", msg)
	require.Equal(t, "not json", formatChatJSON([]byte(" not json \n")))
	require.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

type chatSink struct {
	mu   sync.Mutex
	msgs []string
}

func (c *chatSink) SendLog(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, text)
	return nil
}

func (c *chatSink) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

// Service tests stay serial: New sets zerolog package globals.
func TestServiceChatSinkHonorsMinLevel(t *testing.T) {
	sink := &chatSink{}
	svc, log := New(Config{Level: "debug", Chat: ChatConfig{Enabled: true, MinLevel: "error", RatePerSec: 50}}, nil)
	t.Cleanup(func() { _ = svc.Close() })

	// Records before a sender is attached are dropped.
	log.Error("early")
	svc.SetSender(sink)

	log.Warn("below threshold")
	log.Error("budget exhausted", Int("remaining", 0))

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := sink.all()[0]
	require.True(t, strings.HasPrefix(got, "[ERROR] budget exhausted"), got)
	require.Contains(t, got, "remaining=0")
}

func TestServiceFileSinkAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedspy.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}, nil)

	log.Debug("skipped")
	log.Info("first")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("second")
	require.NoError(t, svc.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(raw)
	require.NotContains(t, out, "skipped")
	require.Contains(t, out, `"message":"first"`)
	require.Contains(t, out, `"message":"second"`)
}

package debug

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	logx "feedspy/pkg/logx"
)

func get(t *testing.T, h http.Handler, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzFollowsReadiness(t *testing.T) {
	t.Parallel()

	ready := false
	s := New(Config{}, Probes{Ready: func() bool { return ready }}, logx.Nop())
	h := s.Handler("")

	require.Equal(t, http.StatusServiceUnavailable, get(t, h, "/healthz", nil).Code)
	ready = true
	rec := get(t, h, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	require.Equal(t, http.StatusNotFound, get(t, h, "/status", nil).Code)
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()

	s := New(Config{}, Probes{Status: func() string { return "connected: true" }}, logx.Nop())
	h := s.Handler("sekrit")

	rec := get(t, h, "/status", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	require.Equal(t, http.StatusUnauthorized, get(t, h, "/status?token=nope", nil).Code)

	rec = get(t, h, "/status?token=sekrit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "connected: true", rec.Body.String())

	rec = get(t, h, "/status", map[string]string{"Authorization": "Bearer sekrit"})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/?token=sekrit", nil).Code)
}

func TestCheckBind(t *testing.T) {
	t.Parallel()

	require.NoError(t, checkBind("127.0.0.1:6060", Config{}))
	require.NoError(t, checkBind("localhost:6060", Config{}))
	require.NoError(t, checkBind("[::1]:6060", Config{}))
	require.ErrorIs(t, checkBind(":6060", Config{}), ErrInsecureBind)
	require.ErrorIs(t, checkBind("0.0.0.0:6060", Config{}), ErrInsecureBind)
	require.NoError(t, checkBind("0.0.0.0:6060", Config{Token: "t"}))
	require.NoError(t, checkBind("0.0.0.0:6060", Config{AllowInsecure: true}))
}

func TestStartStopServes(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Probes{}, logx.Nop())
	s.Start(context.Background())
	s.mu.Lock()
	require.NotNil(t, s.sup)
	s.mu.Unlock()

	s.Stop(context.Background())
	s.mu.Lock()
	require.Nil(t, s.sup)
	s.mu.Unlock()

	// Disabled config never starts a listener.
	s.Reconfigure(context.Background(), Config{})
	s.mu.Lock()
	require.Nil(t, s.sup)
	s.mu.Unlock()
}

package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "feedspy/pkg/logx"
)

func TestSearchItem(t *testing.T) {
	t.Parallel()

	it := SearchItem(Entry{ID: 7, Author: "Jane Doe", AuthorURI: "https://x/jane", Text: "hi <b>", Content: "hi &lt;b&gt; &amp;"})
	require.Equal(t, int64(7), it.ID)
	require.Equal(t, "Jane: hi <b>", it.Plain)
	require.Equal(t, "<a href='https://x/jane'>Jane</a>: hi <b> &", it.Rich)

	it = SearchItem(Entry{ID: 8, Author: "Jane", AuthorURI: "https://x/jane", Text: "1 < 2"})
	require.Equal(t, "<a href='https://x/jane'>Jane</a>: 1 &lt; 2", it.Rich)
}

func TestPrivateItem(t *testing.T) {
	t.Parallel()

	it := PrivateItem(KindDirect, Entry{ID: 3, Author: "bob", Text: "yo"}, "")
	require.Equal(t, "[direct] bob: yo", it.Plain)
	require.Equal(t, "[direct] <a href='https://twitter.com/bob'>bob</a>: yo", it.Rich)

	it = PrivateItem(KindFriend, Entry{ID: 4, Author: "bob", Text: "a&b"}, "https://p/")
	require.Equal(t, "[friend] <a href='https://p/bob'>bob</a>: a&amp;b", it.Rich)
}

func TestCredentialsPresent(t *testing.T) {
	t.Parallel()

	var nilCreds *Credentials
	require.False(t, nilCreds.Present())
	require.False(t, (&Credentials{Username: "a"}).Present())
	require.True(t, (&Credentials{Username: "a", Secret: "b"}).Present())
}

func TestHTTPSearchStreamsEntries(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/search", r.URL.Path)
		assert.Equal(t, "golang", r.URL.Query().Get("q"))
		assert.Equal(t, "42", r.URL.Query().Get("since_id"))
		_, _ = w.Write([]byte(`[{"id":105,"author":"a","text":"x"},{"id":99,"author":"b","text":"y"}]`))
	}))
	defer srv.Close()

	f, err := NewHTTPFactory(HTTPConfig{BaseURL: srv.URL + "/api/"}, logx.Nop())
	require.NoError(t, err)

	var ids []int64
	err = f.Anonymous().Search(context.Background(), "golang", func(e Entry) { ids = append(ids, e.ID) }, 42)
	require.NoError(t, err)
	require.Equal(t, []int64{105, 99}, ids)
}

func TestHTTPSinceOmittedWhenZero(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("since_id"))
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	f, err := NewHTTPFactory(HTTPConfig{BaseURL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, f.Anonymous().Search(context.Background(), "q", nil, 0))
}

func TestHTTPPrivateFeedsNeedCredentials(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != "me" || p != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[{"id":1,"author":"x","text":"dm"}]`))
	}))
	defer srv.Close()

	f, err := NewHTTPFactory(HTTPConfig{BaseURL: srv.URL}, logx.Nop())
	require.NoError(t, err)

	err = f.Anonymous().DirectMessages(context.Background(), nil, 0)
	require.ErrorIs(t, err, ErrUnauthorized)

	err = f.ForCredentials(Credentials{Username: "me", Secret: "bad"}).Friends(context.Background(), nil, 0)
	require.ErrorIs(t, err, ErrUnauthorized)

	n := 0
	err = f.ForCredentials(Credentials{Username: "me", Secret: "pw"}).DirectMessages(context.Background(), func(Entry) { n++ }, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestHTTPErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, "", ErrRateLimited},
		{"server error", http.StatusBadGateway, "upstream", nil},
		{"not array", http.StatusOK, `{"id":1}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			f, err := NewHTTPFactory(HTTPConfig{BaseURL: srv.URL}, logx.Nop())
			require.NoError(t, err)
			err = f.Anonymous().Search(context.Background(), "q", nil, 0)
			require.Error(t, err)
			if tt.want != nil {
				require.True(t, errors.Is(err, tt.want))
			}
		})
	}
}

func TestNewHTTPFactoryRejectsRelativeURL(t *testing.T) {
	t.Parallel()
	_, err := NewHTTPFactory(HTTPConfig{BaseURL: "/relative"}, logx.Nop())
	require.Error(t, err)
}

package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	logx "feedspy/pkg/logx"
)

type HTTPConfig struct {
	BaseURL   string
	UserAgent string
}

// HTTPFactory builds clients that talk to a JSON feed API.
//
// Endpoints (all GET, optional since_id):
//
//	/search?q=...          anonymous
//	/direct_messages       basic auth
//	/friends_timeline      basic auth
//
// Every endpoint answers with a JSON array of Entry, decoded incrementally so
// onItem sees entries while the body is still streaming.
type HTTPFactory struct {
	cfg  HTTPConfig
	hc   *http.Client
	log  logx.Logger
	base *url.URL
}

func NewHTTPFactory(cfg HTTPConfig, log logx.Logger) (*HTTPFactory, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("feed: base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("feed: base url %q must be absolute", cfg.BaseURL)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "feedspy/1.0"
	}
	return &HTTPFactory{cfg: cfg, hc: &http.Client{}, log: log, base: u}, nil
}

func (f *HTTPFactory) Anonymous() Client { return &httpClient{f: f} }

func (f *HTTPFactory) ForCredentials(c Credentials) Client {
	cc := c
	return &httpClient{f: f, creds: &cc}
}

type httpClient struct {
	f     *HTTPFactory
	creds *Credentials
}

func (c *httpClient) Search(ctx context.Context, query string, onItem Handler, since int64) error {
	q := url.Values{"q": {query}}
	return c.get(ctx, "/search", q, since, false, onItem)
}

func (c *httpClient) DirectMessages(ctx context.Context, onItem Handler, since int64) error {
	return c.get(ctx, "/direct_messages", url.Values{}, since, true, onItem)
}

func (c *httpClient) Friends(ctx context.Context, onItem Handler, since int64) error {
	return c.get(ctx, "/friends_timeline", url.Values{}, since, true, onItem)
}

func (c *httpClient) get(ctx context.Context, path string, q url.Values, since int64, auth bool, onItem Handler) error {
	if auth && !c.creds.Present() {
		return ErrUnauthorized
	}
	if since > 0 {
		q.Set("since_id", strconv.FormatInt(since, 10))
	}
	u := *c.f.base
	u.Path += path
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.f.cfg.UserAgent)
	if auth {
		req.SetBasicAuth(c.creds.Username, c.creds.Secret)
	}

	start := time.Now()
	resp, err := c.f.hc.Do(req)
	c.f.log.Debug("feed call", logx.String("path", path), logx.Int64("since", since), logx.Duration("dur", time.Since(start)), logx.Err(err))
	if err != nil {
		return fmt.Errorf("feed %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("feed %s: %w", path, ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("feed %s: %w", path, ErrRateLimited)
	case resp.StatusCode/100 != 2:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("feed %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return decodeEntries(resp.Body, onItem)
}

func decodeEntries(r io.Reader, onItem Handler) error {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("feed: decode: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return fmt.Errorf("feed: decode: expected array, got %v", tok)
	}
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return fmt.Errorf("feed: decode entry: %w", err)
		}
		if onItem != nil {
			onItem(e)
		}
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("feed: decode: %w", err)
	}
	return nil
}

// Package feed defines the social-feed API client used by the pollers and a
// JSON-over-HTTP implementation of it.
package feed

import (
	"context"
	"errors"
)

var (
	ErrUnauthorized = errors.New("feed: unauthorized")
	ErrRateLimited  = errors.New("feed: rate limited")
)

// Entry is one raw result as returned by the feed API.
type Entry struct {
	ID        int64  `json:"id"`
	Author    string `json:"author"`
	AuthorURI string `json:"author_uri,omitempty"`
	Text      string `json:"text"`
	// Content is the HTML-escaped rich body, when the API provides one.
	Content string `json:"content,omitempty"`
}

// Item is a formatted, deliverable result.
type Item struct {
	ID    int64
	Plain string
	Rich  string
}

// Handler is invoked once per entry, synchronously, while a call is running.
type Handler func(Entry)

// Client is one feed API session. since == 0 means no since filter.
type Client interface {
	Search(ctx context.Context, query string, onItem Handler, since int64) error
	DirectMessages(ctx context.Context, onItem Handler, since int64) error
	Friends(ctx context.Context, onItem Handler, since int64) error
}

type Credentials struct {
	Username string
	Secret   string
}

func (c *Credentials) Present() bool {
	return c != nil && c.Username != "" && c.Secret != ""
}

// Factory hands out clients. Anonymous clients may only Search.
type Factory interface {
	Anonymous() Client
	ForCredentials(c Credentials) Client
}

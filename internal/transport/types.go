// Package transport abstracts the messaging network feedspy delivers to.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrBadEndpoint = errors.New("transport: bad endpoint")

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// Update is one inbound event. Only text messages are surfaced.
type Update struct {
	Message *Message
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// Endpoint renders the target as a subscriber endpoint string:
// "chatID" or "chatID:threadID".
func (t ChatTarget) Endpoint() string {
	if t.ThreadID == 0 {
		return strconv.FormatInt(t.ChatID, 10)
	}
	return fmt.Sprintf("%d:%d", t.ChatID, t.ThreadID)
}

// ParseEndpoint is the inverse of ChatTarget.Endpoint.
func ParseEndpoint(s string) (ChatTarget, error) {
	s = strings.TrimSpace(s)
	chat, thread, hasThread := strings.Cut(s, ":")
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || id == 0 {
		return ChatTarget{}, fmt.Errorf("%w: %q", ErrBadEndpoint, s)
	}
	t := ChatTarget{ChatID: id}
	if hasThread {
		tid, err := strconv.Atoi(thread)
		if err != nil || tid < 0 {
			return ChatTarget{}, fmt.Errorf("%w: %q", ErrBadEndpoint, s)
		}
		t.ThreadID = tid
	}
	return t, nil
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

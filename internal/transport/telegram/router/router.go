// Package router dispatches slash commands from chat updates to handlers.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "feedspy/internal/runtime/supervisor"
	kit "feedspy/internal/transport"
	logx "feedspy/pkg/logx"
)

const (
	defaultQueueSize = 256
	drainTimeout     = 3 * time.Second
	menuTimeout      = 5 * time.Second
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdminOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access

	// Timeout overrides the manager default when > 0.
	Timeout time.Duration
	Handle  HandlerFunc
}

// Request is one routed command invocation.
type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromUsername string
	IsGroup      bool
	Command      string
	Args         []string
	// RawArgs is the text after the command word, trimmed.
	RawArgs string
	ReqID   string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Identity is the subscriber identity of the sender.
func (r *Request) Identity() string { return strconv.FormatInt(r.FromID, 10) }

// Endpoint is where replies and deliveries for this request go.
func (r *Request) Endpoint() string { return r.Chat.Endpoint() }

// Reply sends plain text back to the originating chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

type CommandManager struct {
	mu       sync.RWMutex
	commands []Command
	byName   map[string]*Command
	admins   []int64

	log            logx.Logger
	adapter        kit.Adapter
	defaultTimeout time.Duration

	runMu   sync.Mutex
	running bool

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, admins []int64, defaultTimeout time.Duration) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		byName:         map[string]*Command{},
		admins:         slices.Clone(admins),
		log:            log,
		adapter:        adapter,
		defaultTimeout: defaultTimeout,
	}
}

// SetAdmins replaces the user IDs allowed to run AccessAdminOnly commands.
func (m *CommandManager) SetAdmins(admins []int64) {
	cp := slices.Clone(admins)
	m.mu.Lock()
	m.admins = cp
	m.mu.Unlock()
}

func (m *CommandManager) isAdmin(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.admins, id)
}

// SetRegistry installs cmds plus a built-in /help and refreshes the chat
// client's command menu when the adapter supports it.
func (m *CommandManager) SetRegistry(ctx context.Context, cmds []Command) {
	cmds = append(slices.Clone(cmds), Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "show available commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args, m.isAdmin(req.FromID)))
		},
	})

	byName := map[string]*Command{}
	kept := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		kept = append(kept, c)
	}
	for i := range kept {
		c := &kept[i]
		byName[c.Name] = c
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, exists := byName[a]; !exists {
				byName[a] = c
			}
		}
	}

	m.mu.Lock()
	m.commands = kept
	m.byName = byName
	m.mu.Unlock()

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		menu := buildMenuCommands(kept)
		go func() {
			mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), menuTimeout)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, menu); err != nil {
				m.log.Warn("command menu update failed", logx.Err(err))
			}
		}()
	}
}

func (m *CommandManager) lookup(word string) (Command, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byName[word]
	if !ok {
		return Command{}, false
	}
	return *c, true
}

func (m *CommandManager) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	m.runMu.Lock()
	jobs, running := m.jobs, m.running
	m.runMu.Unlock()
	if !running {
		return false
	}
	select {
	case jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop routes updates to a bounded worker pool until ctx ends or
// updates is closed.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(2, runtime.NumCPU())
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	jobs := make(chan func(), defaultQueueSize)
	m.runMu.Lock()
	m.jobs, m.running = jobs, true
	m.runMu.Unlock()
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		m.runMu.Lock()
		m.running = false
		close(jobs)
		m.runMu.Unlock()
		wctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.routeMessage(ctx, up)
		}
	}
}

// parseCommandLine splits "/cmd@bot a b" into ("cmd", ["a","b"], "a b").
func parseCommandLine(text string) (word string, args []string, raw string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if i := strings.IndexByte(head, '@'); i >= 0 {
		head = head[:i]
	}
	head = strings.ToLower(strings.TrimSpace(head))
	if head == "" {
		return "", nil, "", false
	}
	raw = strings.TrimSpace(rest)
	return head, strings.Fields(raw), raw, true
}

func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	word, args, raw, ok := parseCommandLine(msg.Text)
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	cmd, ok := m.lookup(word)
	if !ok {
		_, _ = m.adapter.SendText(ctx, chat, "Unknown command. Try /help", nil)
		return
	}
	if cmd.Access == AccessAdminOnly && !m.isAdmin(msg.FromID) {
		_, _ = m.adapter.SendText(ctx, chat, "You're not an admin.", nil)
		return
	}

	rid := uuid.NewString()[:8]
	req := &Request{
		Update:       up,
		Chat:         chat,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		IsGroup:      msg.IsGroup,
		Command:      cmd.Name,
		Args:         args,
		RawArgs:      raw,
		ReqID:        rid,
		Adapter:      m.adapter,
		Logger:       m.log.With(logx.String("rid", rid)),
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	final := Chain(cmd.Handle,
		MWRequestLog(m.log),
		MWReplyOnFailure(m.log),
		MWPanicRecover(m.log),
		MWTimeout(timeout),
	)
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, chat, "Busy, try again.", nil)
	}
}

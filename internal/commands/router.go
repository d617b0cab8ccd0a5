// Package commands routes chat commands (/ping, /login, ...) to handlers.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	rtsup "vrcnotify/internal/runtime/supervisor"
	kit "vrcnotify/internal/transport"
	logx "vrcnotify/pkg/logx"
	"vrcnotify/pkg/tgui"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessOwnerOnly is enforced only when an owner list is configured.
	AccessOwnerOnly
)

const defaultTimeout = 30 * time.Second

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

// Request is one parsed command invocation.
type Request struct {
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger

	adapter kit.Adapter
}

// Reply sends plain text back to the originating chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// ReplyHTML sends text that is already escaped for HTML parse mode.
func (r *Request) ReplyHTML(ctx context.Context, html string) error {
	_, err := r.adapter.SendText(ctx, r.Chat, html, &kit.SendOptions{ParseMode: tgui.ParseModeHTML, DisablePreview: true})
	return err
}

// Router is safe for concurrent use after Register.
type Router struct {
	adapter kit.Adapter
	log     logx.Logger
	owners  map[int64]bool
	botName string

	cmds    map[string]Command
	workers int
	jobs    chan func(ctx context.Context)
}

type Option func(*Router)

// WithBotName makes "/cmd@name" match and "/cmd@other" ignored.
func WithBotName(name string) Option {
	return func(r *Router) { r.botName = strings.TrimPrefix(strings.TrimSpace(name), "@") }
}

func WithOwners(ids []int64) Option {
	return func(r *Router) {
		for _, id := range ids {
			r.owners[id] = true
		}
	}
}

func WithWorkers(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.workers = n
		}
	}
}

func NewRouter(adapter kit.Adapter, log logx.Logger, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		adapter: adapter,
		log:     log.With(logx.String("comp", "commands")),
		owners:  map[int64]bool{},
		cmds:    map[string]Command{},
		workers: 2,
		jobs:    make(chan func(ctx context.Context), 64),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Router) Register(cmds ...Command) {
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		r.cmds[name] = c
	}
}

// Commands returns the registered commands sorted by name.
func (r *Router) Commands() []Command {
	out := make([]Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Menu is the Telegram command menu for the registered commands.
func (r *Router) Menu() []kit.BotCommand {
	cmds := r.Commands()
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

func (r *Router) isOwner(id int64) bool {
	return len(r.owners) == 0 || r.owners[id]
}

// Run dispatches updates to a small worker pool until ctx is done or updates
// is closed.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log))
	for i := 0; i < r.workers; i++ {
		sup.GoRestart(fmt.Sprintf("command.worker.%d", i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					job(c)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers), logx.Int("commands", len(r.cmds)))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			job, reject := r.prepare(ctx, up)
			if job == nil {
				continue
			}
			select {
			case r.jobs <- job:
			default:
				reject("busy, try again")
			}
		}
	}
}

// Dispatch handles one update synchronously.
func (r *Router) Dispatch(ctx context.Context, up kit.Update) {
	if job, _ := r.prepare(ctx, up); job != nil {
		job(ctx)
	}
}

// prepare parses and authorizes an update. It returns nil when nothing
// should run. reject replies to the sender without running the handler.
func (r *Router) prepare(ctx context.Context, up kit.Update) (job func(ctx context.Context), reject func(string)) {
	msg := up.Message
	if up.Kind != kit.UpdateMessage || msg == nil {
		return nil, nil
	}
	name, args, ok := ParseCommand(msg.Text, r.botName)
	if !ok {
		return nil, nil
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	reject = func(text string) {
		if _, err := r.adapter.SendText(ctx, chat, text, nil); err != nil {
			r.log.Debug("reply failed", logx.Err(err))
		}
	}

	cmd, found := r.cmds[name]
	if !found {
		if !msg.IsGroup {
			reject("unknown command, try /help")
		}
		return nil, nil
	}
	if cmd.Access == AccessOwnerOnly && !r.isOwner(msg.FromID) {
		r.log.Warn("unauthorized command", logx.String("cmd", name), logx.Int64("from_id", msg.FromID))
		reject("unauthorized")
		return nil, nil
	}

	rid := uuid.NewString()
	req := &Request{
		Message: msg,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: name,
		Args:    args,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.String("cmd", name),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
		),
		adapter: r.adapter,
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	h := Chain(cmd.Handle, MWRequestLog(), MWErrorReply(), MWPanicRecover(), MWTimeout(timeout))
	return func(c context.Context) { _ = h(c, req) }, reject
}

// ParseCommand splits "/name[@bot] args..." into a lower-cased name and
// whitespace-separated args. Commands addressed to another bot are ignored.
func ParseCommand(text, botName string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	name, target, addressed := strings.Cut(fields[0], "@")
	if addressed && botName != "" && !strings.EqualFold(target, botName) {
		return "", nil, false
	}
	name = strings.ToLower(name)
	if name == "" {
		return "", nil, false
	}
	return name, fields[1:], true
}

var errPanic = errors.New("command panicked")

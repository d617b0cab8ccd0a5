package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"vrcnotify/internal/auth"
	"vrcnotify/internal/eventbus"
	"vrcnotify/internal/notifier"
	"vrcnotify/internal/poller"
	"vrcnotify/internal/presence"
	rtsup "vrcnotify/internal/runtime/supervisor"
	"vrcnotify/internal/storage"
	kit "vrcnotify/internal/transport"
	logx "vrcnotify/pkg/logx"
	"vrcnotify/pkg/tgui"
)

// Authenticator is the login side of auth.Flow.
type Authenticator interface {
	Login(ctx context.Context, creds auth.Credentials, code string) auth.Result
	DisplayName() string
}

// PresenceView is the read-only side of poller.Poller.
type PresenceView interface {
	Snapshot() presence.Snapshot
	LastPoll() time.Time
	LastReport() poller.CycleReport
	Rules() []presence.WatchRule
}

// AlertLog is the delivery history of notifier.Service.
type AlertLog interface {
	History() []notifier.HistoryItem
}

// Deps are the collaborators the built-in commands use. Store, Bus, Alerts
// and Tasks may be nil.
type Deps struct {
	Auth     Authenticator
	Presence PresenceView
	Pager    presence.Pager
	Fetch    presence.FetchOptions
	Store    storage.Store
	Bus      eventbus.Bus
	Alerts   AlertLog
	Tasks    func() []rtsup.Stats
	Adapter  kit.Adapter
	Now      func() time.Time
}

// Builtins returns every command the bot serves, help included.
func Builtins(d Deps, r *Router) []Command {
	if d.Now == nil {
		d.Now = time.Now
	}
	return []Command{
		{
			Name:        "ping",
			Description: "health check",
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, "pong")
			},
		},
		{
			Name:        "login",
			Description: "log in to VRChat",
			Usage:       "/login <username> <password> [code]",
			Access:      AccessOwnerOnly,
			Timeout:     45 * time.Second,
			Handle:      d.login,
		},
		{
			Name:        "online_friends",
			Description: "list friends online right now",
			Timeout:     2 * time.Minute,
			Handle:      d.onlineFriends,
		},
		{
			Name:        "status",
			Description: "poller and session status",
			Handle:      d.status,
		},
		{
			Name:        "help",
			Description: "show commands",
			Handle: func(ctx context.Context, req *Request) error {
				return req.ReplyHTML(ctx, helpText(r.Commands()).String())
			},
		},
	}
}

func (d Deps) login(ctx context.Context, req *Request) error {
	// The message carries a password; remove it from the chat first.
	if d.Adapter != nil {
		ref := kit.MessageRef{ChatID: req.Chat.ChatID, ThreadID: req.Chat.ThreadID, MessageID: req.Message.ID}
		if err := d.Adapter.DeleteMessage(ctx, ref); err != nil {
			req.Logger.Debug("could not delete login message", logx.Err(err))
		}
	}
	if len(req.Args) < 2 || len(req.Args) > 3 {
		return req.Reply(ctx, "usage: /login <username> <password> [code]")
	}
	creds := auth.Credentials{Username: req.Args[0], Password: req.Args[1]}
	code := ""
	if len(req.Args) == 3 {
		code = req.Args[2]
	}

	start := d.Now()
	res := d.Auth.Login(ctx, creds, code)
	d.audit(ctx, req, creds.Username, res, d.Now().Sub(start))
	if d.Bus != nil {
		d.Bus.Publish(eventbus.Event{Type: eventbus.LoginResult, Data: res.State.String()})
	}

	switch res.State {
	case auth.Authenticated:
		return req.Reply(ctx, "Logged in as "+res.DisplayName)
	case auth.TwoFactorRequired:
		return req.Reply(ctx, "Resend /login command with verify code (or 2FA code)")
	default:
		return req.Reply(ctx, "Login failed with error: "+res.Reason)
	}
}

func (d Deps) audit(ctx context.Context, req *Request, user string, res auth.Result, took time.Duration) {
	if d.Store == nil {
		return
	}
	e := storage.AuditEntry{
		At:            d.Now(),
		ReqID:         req.ReqID,
		ActorID:       req.FromID,
		ActorUsername: req.Message.FromUsername,
		ChatID:        req.Chat.ChatID,
		ThreadID:      req.Chat.ThreadID,
		Action:        "login",
		Target:        user,
		Result:        res.State.String(),
		Error:         res.Reason,
		TookMS:        took.Milliseconds(),
	}
	if err := d.Store.AppendAudit(ctx, e); err != nil {
		req.Logger.Warn("audit append failed", logx.Err(err))
	}
}

func (d Deps) onlineFriends(ctx context.Context, req *Request) error {
	friends, err := presence.FetchOnline(ctx, d.Pager, d.Fetch)
	if err != nil {
		return err
	}
	if len(friends) == 0 {
		return req.Reply(ctx, "No friends online.")
	}
	var l tgui.Lines
	for _, f := range friends {
		l.Add(tgui.Raw(f.Emoji()), tgui.Esc(f.DisplayName))
	}
	return req.ReplyHTML(ctx, l.H().String())
}

func (d Deps) status(ctx context.Context, req *Request) error {
	var l tgui.Lines
	l.Add(tgui.B("vrcnotify status"))

	user := d.Auth.DisplayName()
	if user == "" {
		user = "not logged in"
	}
	l.KV("Account", user)

	snap := d.Presence.Snapshot()
	l.KV("Friends", strconv.Itoa(len(snap)))
	l.KV("Online", strconv.Itoa(snap.Online()))

	rules := d.Presence.Rules()
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		name := r.Name
		if resolved, ok := presence.ResolveName(snap, r.Name); ok {
			name = snap[resolved].Emoji() + " " + resolved
		}
		names = append(names, name)
	}
	l.KV("Watching", strconv.Itoa(len(rules)))
	for _, n := range names {
		l.Add(tgui.Raw("•"), tgui.Esc(n))
	}

	if last := d.Presence.LastPoll(); last.IsZero() {
		l.KV("Last poll", "never")
	} else {
		l.KV("Last poll", humanize.RelTime(last, d.Now(), "ago", "from now"))
	}
	if rep := d.Presence.LastReport(); rep.Error != "" {
		l.KV("Last error", tgui.TruncRunes(rep.Error, 200))
	}
	if d.Alerts != nil {
		if h := d.Alerts.History(); len(h) > 0 {
			last := h[len(h)-1]
			l.KV("Last alert", humanize.RelTime(last.At, d.Now(), "ago", "from now")+" to "+last.Channel)
			l.Add(tgui.Raw("•"), tgui.Esc(tgui.TruncRunes(last.Text, 200)))
		}
	}
	if d.Tasks != nil {
		var restarts, panics int
		for _, st := range d.Tasks() {
			restarts += st.Restarts
			panics += st.Panics
		}
		if restarts > 0 || panics > 0 {
			l.KV("Task restarts", fmt.Sprintf("%d (%d panics)", restarts, panics))
		}
	}

	if d.Store != nil {
		if entries, err := d.Store.RecentAudit(ctx, 1); err == nil && len(entries) == 1 {
			e := entries[0]
			l.KV("Last login", strings.ReplaceAll(e.Result, "_", " ")+", "+humanize.RelTime(e.At, d.Now(), "ago", "from now"))
		}
	}
	return req.ReplyHTML(ctx, l.H().String())
}

func helpText(cmds []Command) tgui.H {
	var l tgui.Lines
	l.Add(tgui.B("Commands"))
	for _, c := range cmds {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		l.Add(tgui.Code(usage), tgui.Esc("- "+c.Description))
	}
	return l.H()
}

package commands

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vrcnotify/internal/auth"
	"vrcnotify/internal/notifier"
	"vrcnotify/internal/poller"
	"vrcnotify/internal/presence"
	rtsup "vrcnotify/internal/runtime/supervisor"
	"vrcnotify/internal/storage"
	kit "vrcnotify/internal/transport"
	logx "vrcnotify/pkg/logx"
)

type reply struct {
	to   kit.ChatTarget
	text string
	opt  *kit.SendOptions
}

type fakeAdapter struct {
	mu      sync.Mutex
	replies []reply
	deleted []kit.MessageRef
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                    { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replies = append(a.replies, reply{to, text, opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.replies)}, nil
}

func (a *fakeAdapter) DeleteMessage(_ context.Context, ref kit.MessageRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted = append(a.deleted, ref)
	return nil
}

func (a *fakeAdapter) last(t *testing.T) reply {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.replies) == 0 {
		t.Fatalf("no reply sent")
	}
	return a.replies[len(a.replies)-1]
}

type fakeAuth struct {
	result auth.Result
	got    []auth.Credentials
	codes  []string
	name   string
}

func (f *fakeAuth) Login(_ context.Context, c auth.Credentials, code string) auth.Result {
	f.got = append(f.got, c)
	f.codes = append(f.codes, code)
	return f.result
}

func (f *fakeAuth) DisplayName() string { return f.name }

type fakeView struct {
	snap presence.Snapshot
	last time.Time
	rep  poller.CycleReport
	rule []presence.WatchRule
}

func (v fakeView) Snapshot() presence.Snapshot    { return v.snap }
func (v fakeView) LastPoll() time.Time            { return v.last }
func (v fakeView) LastReport() poller.CycleReport { return v.rep }
func (v fakeView) Rules() []presence.WatchRule    { return v.rule }

type fakePager struct {
	online []presence.Friend
	err    error
}

func (p fakePager) FriendsPage(_ context.Context, offset, n int, offline bool) ([]presence.Friend, error) {
	if p.err != nil {
		return nil, p.err
	}
	if offline || offset >= len(p.online) {
		return nil, nil
	}
	return p.online[offset:min(offset+n, len(p.online))], nil
}

type harness struct {
	router  *Router
	adapter *fakeAdapter
	auth    *fakeAuth
}

func newHarness(t *testing.T, d Deps, opts ...Option) *harness {
	t.Helper()
	ad := &fakeAdapter{}
	fa, _ := d.Auth.(*fakeAuth)
	if fa == nil {
		fa = &fakeAuth{}
		d.Auth = fa
	}
	if d.Presence == nil {
		d.Presence = fakeView{}
	}
	d.Adapter = ad
	r := NewRouter(ad, logx.Nop(), opts...)
	r.Register(Builtins(d, r)...)
	return &harness{router: r, adapter: ad, auth: fa}
}

func (h *harness) send(text string, from int64) {
	h.router.Dispatch(context.Background(), kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: 99, ChatID: 5, ThreadID: 2, FromID: from, FromUsername: "op", Text: text,
	}})
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text, bot string
		name      string
		args      []string
		ok        bool
	}{
		{"/ping", "", "ping", nil, true},
		{"  /Login a b c ", "", "login", []string{"a", "b", "c"}, true},
		{"/ping@MyBot", "mybot", "ping", nil, true},
		{"/ping@OtherBot", "mybot", "", nil, false},
		{"hello", "", "", nil, false},
		{"/", "", "", nil, false},
	}
	for _, tt := range tests {
		name, args, ok := ParseCommand(tt.text, tt.bot)
		if ok != tt.ok || name != tt.name || strings.Join(args, ",") != strings.Join(tt.args, ",") {
			t.Fatalf("ParseCommand(%q)=%q,%v,%v", tt.text, name, args, ok)
		}
	}
}

func TestPing(t *testing.T) {
	h := newHarness(t, Deps{})
	h.send("/ping", 1)
	r := h.adapter.last(t)
	if r.text != "pong" || r.to != (kit.ChatTarget{ChatID: 5, ThreadID: 2}) {
		t.Fatalf("reply=%+v", r)
	}
}

func TestLoginReplies(t *testing.T) {
	tests := []struct {
		res  auth.Result
		want string
	}{
		{auth.Result{State: auth.Authenticated, DisplayName: "Me"}, "Logged in as Me"},
		{auth.Result{State: auth.TwoFactorRequired}, "Resend /login command with verify code (or 2FA code)"},
		{auth.Result{State: auth.LoginFailed, Reason: "bad password"}, "Login failed with error: bad password"},
	}
	for _, tt := range tests {
		t.Run(tt.res.State.String(), func(t *testing.T) {
			fa := &fakeAuth{result: tt.res}
			h := newHarness(t, Deps{Auth: fa})
			h.send("/login me secret 123456", 1)
			if got := h.adapter.last(t).text; got != tt.want {
				t.Fatalf("reply=%q want %q", got, tt.want)
			}
			if len(fa.got) != 1 || fa.got[0] != (auth.Credentials{Username: "me", Password: "secret"}) || fa.codes[0] != "123456" {
				t.Fatalf("login called with %+v %v", fa.got, fa.codes)
			}
			if len(h.adapter.deleted) != 1 || h.adapter.deleted[0].MessageID != 99 {
				t.Fatalf("login message not deleted: %+v", h.adapter.deleted)
			}
		})
	}
}

func TestLoginUsage(t *testing.T) {
	h := newHarness(t, Deps{})
	h.send("/login onlyuser", 1)
	if got := h.adapter.last(t).text; !strings.HasPrefix(got, "usage:") {
		t.Fatalf("reply=%q", got)
	}
	if len(h.auth.got) != 0 {
		t.Fatalf("login should not run")
	}
}

func TestLoginOwnerOnly(t *testing.T) {
	h := newHarness(t, Deps{}, WithOwners([]int64{42}))
	h.send("/login me pw", 7)
	if got := h.adapter.last(t).text; got != "unauthorized" {
		t.Fatalf("reply=%q", got)
	}
	if len(h.auth.got) != 0 {
		t.Fatalf("login ran for non-owner")
	}
	h.send("/login me pw", 42)
	if len(h.auth.got) != 1 {
		t.Fatalf("owner login not run")
	}
}

func TestLoginAudited(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "a.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer st.Close()

	fa := &fakeAuth{result: auth.Result{State: auth.LoginFailed, Reason: "nope"}}
	h := newHarness(t, Deps{Auth: fa, Store: st})
	h.send("/login me pw", 1)

	entries, err := st.RecentAudit(context.Background(), 5)
	if err != nil || len(entries) != 1 {
		t.Fatalf("entries=%+v err=%v", entries, err)
	}
	e := entries[0]
	if e.Action != "login" || e.Target != "me" || e.Result != "login_failed" || e.Error != "nope" || e.ActorID != 1 {
		t.Fatalf("entry=%+v", e)
	}
	if strings.Contains(e.Target+e.Error, "pw") {
		t.Fatalf("password leaked into audit")
	}
}

func TestOnlineFriendsEscapes(t *testing.T) {
	pager := fakePager{online: []presence.Friend{
		{DisplayName: "A<b>", Status: presence.StatusActive, Location: "wrld_1"},
		{DisplayName: "C&D", Status: presence.StatusAskMe, Location: "private"},
	}}
	h := newHarness(t, Deps{Pager: pager})
	h.send("/online_friends", 1)
	r := h.adapter.last(t)
	want := presence.GlyphActive + " A&lt;b&gt;\n" + presence.GlyphAskMe + " C&amp;D"
	if r.text != want || r.opt == nil || r.opt.ParseMode != "HTML" {
		t.Fatalf("reply=%q opt=%+v", r.text, r.opt)
	}
}

func TestOnlineFriendsFailure(t *testing.T) {
	h := newHarness(t, Deps{Pager: fakePager{err: errors.New("401 unauthorized")}})
	h.send("/online_friends", 1)
	if got := h.adapter.last(t).text; got != "online_friends failed with error: 401 unauthorized" {
		t.Fatalf("reply=%q", got)
	}
}

func TestPanicBecomesReply(t *testing.T) {
	ad := &fakeAdapter{}
	r := NewRouter(ad, logx.Nop())
	r.Register(Command{Name: "boom", Handle: func(context.Context, *Request) error { panic("x") }})
	r.Dispatch(context.Background(), kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 1, Text: "/boom"}})
	if got := ad.last(t).text; got != "boom failed with an internal error" {
		t.Fatalf("reply=%q", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t, Deps{})
	h.send("/nope", 1)
	if got := h.adapter.last(t).text; !strings.Contains(got, "/help") {
		t.Fatalf("reply=%q", got)
	}
}

func TestStatus(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	view := fakeView{
		snap: presence.Snapshot{
			"Alice_VR": {DisplayName: "Alice_VR", Status: presence.StatusActive, Location: "wrld_1"},
			"Bob":      {DisplayName: "Bob", Status: presence.StatusOffline, Location: presence.LocationOffline},
		},
		last: now.Add(-5 * time.Minute),
		rule: []presence.WatchRule{presence.NewWatchRule("Alice", []string{"online"}, nil)},
	}
	h := newHarness(t, Deps{
		Auth:     &fakeAuth{name: "Me"},
		Presence: view,
		Now:      func() time.Time { return now },
	})
	h.send("/status", 1)
	got := h.adapter.last(t).text
	for _, want := range []string{"Me", "<b>Friends:</b> 2", "<b>Online:</b> 1", presence.GlyphActive + " Alice_VR", "5 minutes ago"} {
		if !strings.Contains(got, want) {
			t.Fatalf("status missing %q:\n%s", want, got)
		}
	}
}

type fakeAlerts []notifier.HistoryItem

func (a fakeAlerts) History() []notifier.HistoryItem { return a }

func TestStatusAlertsAndRestarts(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, Deps{
		Alerts: fakeAlerts{
			{At: now.Add(-time.Hour), Channel: "main", Text: "old"},
			{At: now.Add(-2 * time.Minute), Channel: "topic", Text: "🟢 <Alice> is online now!"},
		},
		Tasks: func() []rtsup.Stats {
			return []rtsup.Stats{{Name: "a", Restarts: 2}, {Name: "b", Restarts: 1, Panics: 1}}
		},
		Now: func() time.Time { return now },
	})
	h.send("/status", 1)
	got := h.adapter.last(t).text
	for _, want := range []string{
		"<b>Last alert:</b> 2 minutes ago to topic",
		"&lt;Alice&gt; is online now!",
		"<b>Task restarts:</b> 3 (1 panics)",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("status missing %q:\n%s", want, got)
		}
	}

	quiet := newHarness(t, Deps{Tasks: func() []rtsup.Stats { return []rtsup.Stats{{Name: "a"}} }})
	quiet.send("/status", 1)
	if got := quiet.adapter.last(t).text; strings.Contains(got, "Task restarts") || strings.Contains(got, "Last alert") {
		t.Fatalf("unexpected lines:\n%s", got)
	}
}

func TestHelpAndMenu(t *testing.T) {
	h := newHarness(t, Deps{})
	h.send("/help", 1)
	got := h.adapter.last(t).text
	for _, name := range []string{"/ping", "/login", "/online_friends", "/status", "/help"} {
		if !strings.Contains(got, name) {
			t.Fatalf("help missing %s:\n%s", name, got)
		}
	}
	menu := h.router.Menu()
	if len(menu) != 5 || menu[0].Command != "help" {
		t.Fatalf("menu=%+v", menu)
	}
}

func TestRunProcessesUpdates(t *testing.T) {
	h := newHarness(t, Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 1)
	done := make(chan struct{})
	go func() {
		_ = h.router.Run(ctx, updates)
		close(done)
	}()
	updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 3, Text: "/ping"}}

	deadline := time.Now().Add(2 * time.Second)
	for {
		h.adapter.mu.Lock()
		n := len(h.adapter.replies)
		h.adapter.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if got := h.adapter.last(t).text; got != "pong" {
		t.Fatalf("reply=%q", got)
	}
}

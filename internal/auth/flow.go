// Package auth runs the login flow against the presence API and owns the
// currently authenticated client.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"vrcnotify/internal/presence"
	"vrcnotify/internal/vrchat"
	logx "vrcnotify/pkg/logx"
)

var ErrNotLoggedIn = errors.New("auth: not logged in")

type State int

const (
	LoginFailed State = iota
	TwoFactorRequired
	Authenticated
)

func (s State) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case TwoFactorRequired:
		return "two_factor_required"
	default:
		return "login_failed"
	}
}

// Result is the outcome of one Login call.
type Result struct {
	State       State
	DisplayName string
	Reason      string // LoginFailed only
}

type Credentials struct {
	Username string
	Password string
}

// Client is the subset of the API client the flow drives.
type Client interface {
	CurrentUser(ctx context.Context) (vrchat.AuthResponse, error)
	VerifyEmailOTP(ctx context.Context, code string) error
	VerifyTOTP(ctx context.Context, code string) error
	SetCookies(cookies []*http.Cookie)
	Cookies() []*http.Cookie
	Friends(ctx context.Context, offset, n int, offline bool) ([]vrchat.LimitedUser, error)
}

// Factory builds a fresh client for a credential pair.
type Factory func(c Credentials) (Client, error)

// SessionStore persists cookies between runs.
type SessionStore interface {
	Load() ([]*http.Cookie, error)
	Save(cookies []*http.Cookie) error
	Remove() error
}

// Flow is safe for concurrent use. Login calls are serialized.
type Flow struct {
	newClient Factory
	store     SessionStore
	log       logx.Logger

	loginMu sync.Mutex

	mu     sync.RWMutex
	client Client
	user   string
}

func New(factory Factory, store SessionStore, log logx.Logger) *Flow {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Flow{newClient: factory, store: store, log: log.With(logx.String("comp", "auth"))}
}

// Login authenticates with creds. An empty code means "no code yet".
func (f *Flow) Login(ctx context.Context, creds Credentials, code string) Result {
	f.loginMu.Lock()
	defer f.loginMu.Unlock()

	code = strings.TrimSpace(code)
	log := f.log.With(logx.String("user", creds.Username))

	c, err := f.newClient(creds)
	if err != nil {
		return f.fail(log, err)
	}
	cookies, err := f.store.Load()
	if err != nil {
		log.Warn("session load failed", logx.Err(err))
	}
	if len(cookies) > 0 {
		c.SetCookies(cookies)
	}

	resp, err := c.CurrentUser(ctx)
	if err != nil && len(cookies) > 0 && isUnauthorized(err) {
		// Stored session expired server-side: start over with credentials only.
		log.Info("stored session rejected, retrying with credentials")
		if c, err = f.newClient(creds); err != nil {
			return f.fail(log, err)
		}
		resp, err = c.CurrentUser(ctx)
	}
	if err != nil {
		return f.fail(log, err)
	}
	if resp.RequiresTwoFactor() {
		if code == "" {
			log.Info("two-factor code required", logx.Strings("methods", resp.TwoFactor))
			return Result{State: TwoFactorRequired}
		}
		if resp.EmailChallenge() {
			err = c.VerifyEmailOTP(ctx, code)
		} else {
			err = c.VerifyTOTP(ctx, code)
		}
		if err != nil {
			return f.fail(log, err)
		}
		resp, err = c.CurrentUser(ctx)
		if err != nil {
			return f.fail(log, err)
		}
		if resp.RequiresTwoFactor() {
			return f.fail(log, errors.New("two-factor verification did not complete"))
		}
	}
	if resp.User == nil {
		return f.fail(log, errors.New("empty user in response"))
	}

	if err := f.store.Save(c.Cookies()); err != nil {
		log.Warn("session save failed", logx.Err(err))
	}

	f.mu.Lock()
	f.client = c
	f.user = resp.User.DisplayName
	f.mu.Unlock()

	log.Info("logged in", logx.String("display_name", resp.User.DisplayName))
	return Result{State: Authenticated, DisplayName: resp.User.DisplayName}
}

func (f *Flow) fail(log logx.Logger, err error) Result {
	if rerr := f.store.Remove(); rerr != nil {
		log.Warn("session remove failed", logx.Err(rerr))
	}
	log.Warn("login failed", logx.Err(err))
	return Result{State: LoginFailed, Reason: err.Error()}
}

func isUnauthorized(err error) bool {
	var apiErr *vrchat.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// Client returns the installed client, or nil before the first login.
func (f *Flow) Client() Client {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.client
}

// DisplayName is the logged-in user's display name, or "".
func (f *Flow) DisplayName() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.user
}

// FriendsPage implements presence.Pager against the installed client.
func (f *Flow) FriendsPage(ctx context.Context, offset, n int, offline bool) ([]presence.Friend, error) {
	c := f.Client()
	if c == nil {
		return nil, ErrNotLoggedIn
	}
	users, err := c.Friends(ctx, offset, n, offline)
	if err != nil {
		return nil, fmt.Errorf("friends page at %d: %w", offset, err)
	}
	out := make([]presence.Friend, 0, len(users))
	for _, u := range users {
		out = append(out, presence.Friend{DisplayName: u.DisplayName, Status: u.Status, Location: u.Location})
	}
	return out, nil
}

// VRChatFactory adapts vrchat.New to Factory.
func VRChatFactory(base vrchat.Config, log logx.Logger) Factory {
	return func(c Credentials) (Client, error) {
		cfg := base
		cfg.Username = c.Username
		cfg.Password = c.Password
		vc, err := vrchat.New(cfg, log)
		if err != nil {
			return nil, err
		}
		return vc, nil
	}
}

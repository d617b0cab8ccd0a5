package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"vrcnotify/internal/presence"
	"vrcnotify/internal/session"
	"vrcnotify/internal/vrchat"
	logx "vrcnotify/pkg/logx"
)

// fakeServer holds account state shared by all clients the factory builds.
type fakeServer struct {
	password   string
	methods    []string // two-factor methods; empty disables 2FA
	code       string
	validToken string
	friends    []vrchat.LimitedUser

	basicCalls int
	verified   []string // paths used
}

type fakeClient struct {
	srv      *fakeServer
	creds    Credentials
	cookies  map[string]*http.Cookie
	verified bool
}

func (s *fakeServer) factory(c Credentials) (Client, error) {
	return &fakeClient{srv: s, creds: c, cookies: map[string]*http.Cookie{}}, nil
}

func (c *fakeClient) CurrentUser(context.Context) (vrchat.AuthResponse, error) {
	if tok, ok := c.cookies["auth"]; ok {
		if tok.Value != c.srv.validToken {
			return vrchat.AuthResponse{}, &vrchat.APIError{StatusCode: http.StatusUnauthorized, Message: "expired"}
		}
		return vrchat.AuthResponse{User: &vrchat.CurrentUser{DisplayName: "Me"}}, nil
	}
	c.srv.basicCalls++
	if c.creds.Password != c.srv.password {
		return vrchat.AuthResponse{}, &vrchat.APIError{StatusCode: http.StatusUnauthorized, Message: "Invalid Username/Email or Password"}
	}
	if len(c.srv.methods) > 0 && !c.verified {
		return vrchat.AuthResponse{TwoFactor: c.srv.methods}, nil
	}
	c.cookies["auth"] = &http.Cookie{Name: "auth", Value: c.srv.validToken, Path: "/", Domain: "api.vrchat.cloud"}
	return vrchat.AuthResponse{User: &vrchat.CurrentUser{DisplayName: "Me"}}, nil
}

func (c *fakeClient) verify(path, code string) error {
	c.srv.verified = append(c.srv.verified, path)
	if code != c.srv.code {
		return errors.New("verify rejected")
	}
	c.verified = true
	return nil
}

func (c *fakeClient) VerifyEmailOTP(_ context.Context, code string) error {
	return c.verify("emailotp", code)
}

func (c *fakeClient) VerifyTOTP(_ context.Context, code string) error {
	return c.verify("totp", code)
}

func (c *fakeClient) SetCookies(cookies []*http.Cookie) {
	for _, ck := range cookies {
		c.cookies[ck.Name] = ck
	}
}

func (c *fakeClient) Cookies() []*http.Cookie {
	out := make([]*http.Cookie, 0, len(c.cookies))
	for _, ck := range c.cookies {
		out = append(out, ck)
	}
	return out
}

func (c *fakeClient) Friends(_ context.Context, offset, n int, offline bool) ([]vrchat.LimitedUser, error) {
	if offline || offset >= len(c.srv.friends) {
		return nil, nil
	}
	return c.srv.friends[offset:min(offset+n, len(c.srv.friends))], nil
}

func newFlow(t *testing.T, srv *fakeServer) (*Flow, *session.Store) {
	t.Helper()
	st := session.New(filepath.Join(t.TempDir(), "cookies"))
	return New(srv.factory, st, logx.Nop()), st
}

func TestLoginDirectSuccessPersistsCookies(t *testing.T) {
	srv := &fakeServer{password: "pw", validToken: "tok"}
	f, st := newFlow(t, srv)

	res := f.Login(context.Background(), Credentials{"me", "pw"}, "")
	if res.State != Authenticated || res.DisplayName != "Me" {
		t.Fatalf("unexpected result %+v", res)
	}
	if f.Client() == nil || f.DisplayName() != "Me" {
		t.Fatalf("client not installed")
	}
	cookies, err := st.Load()
	if err != nil || len(cookies) != 1 || cookies[0].Value != "tok" {
		t.Fatalf("stored cookies=%v err=%v", cookies, err)
	}

	// A restart with the stored session skips credential login.
	f2 := New(srv.factory, st, logx.Nop())
	res = f2.Login(context.Background(), Credentials{"me", "pw"}, "")
	if res.State != Authenticated {
		t.Fatalf("second login %+v", res)
	}
	if srv.basicCalls != 1 {
		t.Fatalf("basic auth calls=%d want 1", srv.basicCalls)
	}
}

func TestLoginTwoFactorRequiredLeavesSession(t *testing.T) {
	srv := &fakeServer{password: "pw", validToken: "tok", methods: []string{"totp", "otp"}, code: "123456"}
	f, st := newFlow(t, srv)
	if err := st.Save([]*http.Cookie{{Name: "other", Value: "v", Path: "/", Domain: "api.vrchat.cloud"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res := f.Login(context.Background(), Credentials{"me", "pw"}, "")
	if res.State != TwoFactorRequired {
		t.Fatalf("state=%v want TwoFactorRequired", res.State)
	}
	if f.Client() != nil {
		t.Fatalf("client installed before verification")
	}
	cookies, _ := st.Load()
	if len(cookies) != 1 || cookies[0].Name != "other" {
		t.Fatalf("session changed: %v", cookies)
	}
}

func TestLoginVerifyChoosesPath(t *testing.T) {
	tests := []struct {
		methods []string
		want    string
	}{
		{[]string{"emailOtp"}, "emailotp"},
		{[]string{"totp", "otp"}, "totp"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			srv := &fakeServer{password: "pw", validToken: "tok", methods: tt.methods, code: "42"}
			f, st := newFlow(t, srv)
			res := f.Login(context.Background(), Credentials{"me", "pw"}, "42")
			if res.State != Authenticated {
				t.Fatalf("unexpected result %+v", res)
			}
			if len(srv.verified) != 1 || srv.verified[0] != tt.want {
				t.Fatalf("verified=%v want [%s]", srv.verified, tt.want)
			}
			if cookies, _ := st.Load(); len(cookies) == 0 {
				t.Fatalf("cookies not saved after 2FA")
			}
		})
	}
}

func TestLoginBadCodeClearsSession(t *testing.T) {
	srv := &fakeServer{password: "pw", validToken: "tok", methods: []string{"emailOtp"}, code: "42"}
	f, st := newFlow(t, srv)
	_ = st.Save([]*http.Cookie{{Name: "other", Value: "v", Path: "/", Domain: "x"}})

	res := f.Login(context.Background(), Credentials{"me", "pw"}, "41")
	if res.State != LoginFailed || res.Reason == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if cookies, _ := st.Load(); len(cookies) != 0 {
		t.Fatalf("session not cleared: %v", cookies)
	}
}

func TestLoginWrongPasswordFails(t *testing.T) {
	srv := &fakeServer{password: "pw", validToken: "tok"}
	f, _ := newFlow(t, srv)
	res := f.Login(context.Background(), Credentials{"me", "nope"}, "")
	if res.State != LoginFailed {
		t.Fatalf("state=%v want LoginFailed", res.State)
	}
	if f.Client() != nil {
		t.Fatalf("client installed on failure")
	}
}

func TestLoginExpiredStoredSessionRetries(t *testing.T) {
	srv := &fakeServer{password: "pw", validToken: "fresh"}
	f, st := newFlow(t, srv)
	_ = st.Save([]*http.Cookie{{Name: "auth", Value: "stale", Path: "/", Domain: "api.vrchat.cloud"}})

	res := f.Login(context.Background(), Credentials{"me", "pw"}, "")
	if res.State != Authenticated {
		t.Fatalf("unexpected result %+v", res)
	}
	cookies, _ := st.Load()
	if len(cookies) != 1 || cookies[0].Value != "fresh" {
		t.Fatalf("stored cookies=%v", cookies)
	}
}

func TestFriendsPage(t *testing.T) {
	srv := &fakeServer{password: "pw", validToken: "tok", friends: []vrchat.LimitedUser{
		{DisplayName: "A", Status: "active", Location: "wrld_1"},
	}}
	f, _ := newFlow(t, srv)
	if _, err := f.FriendsPage(context.Background(), 0, 10, false); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("err=%v want ErrNotLoggedIn", err)
	}
	f.Login(context.Background(), Credentials{"me", "pw"}, "")

	var p presence.Pager = f
	got, err := p.FriendsPage(context.Background(), 0, 10, false)
	if err != nil {
		t.Fatalf("FriendsPage: %v", err)
	}
	want := presence.Friend{DisplayName: "A", Status: "active", Location: "wrld_1"}
	if len(got) != 1 || got[0] != want {
		t.Fatalf("got %+v", got)
	}
}

func TestVRChatSessionSurvivesRestart(t *testing.T) {
	var basicCalls, cookieCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/1/auth/user", func(w http.ResponseWriter, r *http.Request) {
		if ck, err := r.Cookie("auth"); err == nil && ck.Value == "authcookie_1" {
			if r.Header.Get("Authorization") != "" {
				t.Errorf("basic credentials sent alongside session cookie")
			}
			cookieCalls.Add(1)
		} else {
			user, pass, ok := r.BasicAuth()
			if !ok || user != "me" || pass != "pw" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":{"message":"Invalid Username/Email or Password","status_code":401}}`))
				return
			}
			basicCalls.Add(1)
			http.SetCookie(w, &http.Cookie{Name: "auth", Value: "authcookie_1", Path: "/", MaxAge: 3600})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "usr_1", "displayName": "Me"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	base := vrchat.Config{BaseURL: srv.URL + "/api/1", Timeout: 2 * time.Second}
	path := filepath.Join(t.TempDir(), "cookies")
	creds := Credentials{Username: "me", Password: "pw"}

	first := New(VRChatFactory(base, logx.Nop()), session.New(path), logx.Nop())
	if res := first.Login(context.Background(), creds, ""); res.State != Authenticated || res.DisplayName != "Me" {
		t.Fatalf("first login %+v", res)
	}

	// A new flow over the same cookie file authenticates from the file alone.
	second := New(VRChatFactory(base, logx.Nop()), session.New(path), logx.Nop())
	if res := second.Login(context.Background(), creds, ""); res.State != Authenticated || res.DisplayName != "Me" {
		t.Fatalf("second login %+v", res)
	}
	if got := basicCalls.Load(); got != 1 {
		t.Fatalf("basic auth calls=%d want 1", got)
	}
	if got := cookieCalls.Load(); got != 1 {
		t.Fatalf("cookie auth calls=%d want 1", got)
	}
}

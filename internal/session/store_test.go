package session

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "cookies"))
}

func TestLoadMissingFile(t *testing.T) {
	s := newTestStore(t)
	cookies, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cookies != nil {
		t.Fatalf("expected no cookies, got %v", cookies)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	exp := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	in := []*http.Cookie{
		{Name: "auth", Value: "authcookie_abc-123", Path: "/", Domain: "api.vrchat.cloud", Expires: exp, Secure: true, HttpOnly: true},
		{Name: "twoFactorAuth", Value: `weird "quoted"; value`, Domain: "api.vrchat.cloud"},
	}
	if err := s.Save(in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("loaded %d cookies, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].Name != in[i].Name || out[i].Value != in[i].Value || out[i].Domain != in[i].Domain {
			t.Fatalf("cookie %d = %+v, want %+v", i, out[i], in[i])
		}
	}
	if !out[0].Expires.Equal(exp) || !out[0].Secure || !out[0].HttpOnly {
		t.Fatalf("attributes lost: %+v", out[0])
	}
	if out[1].Path != "/" {
		t.Fatalf("default path = %q, want /", out[1].Path)
	}

	st, err := os.Stat(s.Path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("perm = %v, want 0600", st.Mode().Perm())
	}
}

func TestLoadCorruptFileSelfHeals(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(s.Path, []byte("this is not a cookie jar\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var healed error
	s.OnHeal = func(err error) { healed = err }

	cookies, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cookies) != 0 {
		t.Fatalf("expected empty session, got %v", cookies)
	}
	if healed == nil {
		t.Fatal("expected OnHeal to be called")
	}

	b, err := os.ReadFile(s.Path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(b)) != lwpMagic {
		t.Fatalf("file not reset to empty jar: %q", b)
	}
	// A second load of the healed file is clean.
	cookies, err = s.Load()
	if err != nil || len(cookies) != 0 {
		t.Fatalf("second Load = %v, %v", cookies, err)
	}
}

func TestLoadMalformedCookieLineHeals(t *testing.T) {
	s := newTestStore(t)
	raw := lwpMagic + "\nSet-Cookie3: noequals; path=\"/\"\n"
	if err := os.WriteFile(s.Path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	cookies, err := s.Load()
	if err != nil || len(cookies) != 0 {
		t.Fatalf("Load = %v, %v", cookies, err)
	}
}

func TestLoadDropsExpired(t *testing.T) {
	s := newTestStore(t)
	past := time.Now().Add(-time.Hour)
	if err := s.Save([]*http.Cookie{{Name: "old", Value: "x", Expires: past}, {Name: "live", Value: "y"}}); err != nil {
		t.Fatal(err)
	}
	out, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Name != "live" {
		t.Fatalf("Load = %+v", out)
	}
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	if err := s.Remove(); err != nil {
		t.Fatalf("Remove on missing file: %v", err)
	}
	if err := s.Save([]*http.Cookie{{Name: "auth", Value: "v"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(s.Path); !os.IsNotExist(err) {
		t.Fatalf("file still present: %v", err)
	}
}

func TestLWPQuoting(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", `"plain"`},
		{`a"b`, `"a\"b"`},
		{`back\slash`, `"back\\slash"`},
		{"tab\there é", "\"tab\there é\""},
		{"\x01ctl", "\"\x01ctl\""},
	}
	for _, tt := range tests {
		got := quoteLWP(tt.in)
		if got != tt.want {
			t.Fatalf("quoteLWP(%q) = %q, want %q", tt.in, got, tt.want)
		}
		back, err := unquoteLWP(got)
		if err != nil || back != tt.in {
			t.Fatalf("unquoteLWP(%q) = %q, %v", got, back, err)
		}
	}
}

func TestDecodePythonWrittenJar(t *testing.T) {
	raw := "#LWP-Cookies-2.0\n" +
		`Set-Cookie3: auth="tok\\en\"x"; path="/"; domain="api.vrchat.cloud"; path_spec; expires="2099-01-02 03:04:05Z"; version=0` + "\n" +
		`Set-Cookie3: bare=value123; path="/"; domain="api.vrchat.cloud"; path_spec; discard; version=0` + "\n"
	got, err := decodeLWP(strings.NewReader(raw), time.Now())
	if err != nil {
		t.Fatalf("decodeLWP: %v", err)
	}
	if len(got) != 2 || got[0].Value != `tok\en"x` || got[1].Value != "value123" {
		t.Fatalf("cookies = %+v", got)
	}
	if !strings.Contains(string(encodeLWP(got[:1])), `auth="tok\\en\"x"`) {
		t.Fatalf("re-encoded = %s", encodeLWP(got[:1]))
	}
}

package tgui

import "testing"

func TestEsc(t *testing.T) {
	if got := Esc(`<Tom & "Jerry">`); got != "&lt;Tom &amp; &#34;Jerry&#34;&gt;" {
		t.Fatalf("Esc=%q", got)
	}
}

func TestLines(t *testing.T) {
	var l Lines
	l.Add(Raw("🟢"), Esc("a<b")).KV("Online", "3").Add("", Esc("x"))
	want := "🟢 a&lt;b\n<b>Online:</b> 3\nx"
	if got := l.H().String(); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestTruncRunes(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel…"},
		{"🟢🔴⚫", 2, "🟢🔴…"},
		{"x", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncRunes(tt.in, tt.n); got != tt.want {
			t.Fatalf("TruncRunes(%q,%d)=%q want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

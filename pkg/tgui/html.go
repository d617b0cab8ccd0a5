package tgui

import (
	"html"
	"strings"
)

// ParseModeHTML is Telegram's HTML parse mode name.
const ParseModeHTML = "HTML"

// H is HTML that is already safe for Telegram's HTML parse mode.
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

// Raw marks a string as already-safe HTML. Use sparingly.
func Raw(s string) H { return H(s) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + string(inner) + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// JoinH joins non-blank parts with sep.
func JoinH(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(string(p)) == "" {
			continue
		}
		ss = append(ss, string(p))
	}
	return H(strings.Join(ss, sep))
}

// Lines accumulates one HTML line per call.
type Lines struct {
	b strings.Builder
}

func (l *Lines) Add(parts ...H) *Lines {
	if l.b.Len() > 0 {
		l.b.WriteByte('\n')
	}
	l.b.WriteString(string(JoinH(" ", parts...)))
	return l
}

// KV adds "<b>key:</b> value".
func (l *Lines) KV(key, value string) *Lines {
	return l.Add(B(key+":"), Esc(value))
}

func (l *Lines) Len() int { return l.b.Len() }

func (l *Lines) H() H { return H(l.b.String()) }

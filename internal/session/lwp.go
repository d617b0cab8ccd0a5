package session

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// The on-disk format is the libwww-perl "Set-Cookie3" jar:
//
//	#LWP-Cookies-2.0
//	Set-Cookie3: auth="..."; path="/"; domain="api.vrchat.cloud"; path_spec; expires="2026-01-02 03:04:05Z"; version=0
const (
	lwpMagic      = "#LWP-Cookies-2.0"
	lwpLinePrefix = "Set-Cookie3:"
	lwpTimeLayout = "2006-01-02 15:04:05Z"
)

var errBadMagic = errors.New("missing " + lwpMagic + " header")

func encodeLWP(cookies []*http.Cookie) []byte {
	var b bytes.Buffer
	b.WriteString(lwpMagic)
	b.WriteByte('\n')
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		b.WriteString(lwpLinePrefix)
		b.WriteByte(' ')
		b.WriteString(c.Name)
		b.WriteByte('=')
		b.WriteString(quoteLWP(c.Value))
		path := c.Path
		if path == "" {
			path = "/"
		}
		b.WriteString("; path=")
		b.WriteString(quoteLWP(path))
		if c.Domain != "" {
			b.WriteString("; domain=")
			b.WriteString(quoteLWP(c.Domain))
		}
		b.WriteString("; path_spec")
		if !c.Expires.IsZero() {
			b.WriteString("; expires=")
			b.WriteString(quoteLWP(c.Expires.UTC().Format(lwpTimeLayout)))
		}
		if c.Secure {
			b.WriteString("; secure")
		}
		if c.HttpOnly {
			b.WriteString("; HttpOnly")
		}
		b.WriteString("; version=0\n")
	}
	return b.Bytes()
}

// decodeLWP parses a jar file. Expired cookies (relative to now) are dropped.
func decodeLWP(r io.Reader, now time.Time) ([]*http.Cookie, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	sawMagic := false
	var out []*http.Cookie
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if !sawMagic {
			if line == "" {
				continue
			}
			if !strings.HasPrefix(line, lwpMagic) {
				return nil, errBadMagic
			}
			sawMagic = true
			continue
		}
		if !strings.HasPrefix(line, lwpLinePrefix) {
			continue
		}
		c, err := parseLWPLine(strings.TrimSpace(strings.TrimPrefix(line, lwpLinePrefix)))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if !c.Expires.IsZero() && !c.Expires.After(now) {
			continue
		}
		out = append(out, c)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !sawMagic {
		return nil, errBadMagic
	}
	return out, nil
}

func parseLWPLine(s string) (*http.Cookie, error) {
	parts := splitLWPAttrs(s)
	if len(parts) == 0 {
		return nil, errors.New("empty cookie")
	}
	name, value, ok := strings.Cut(parts[0], "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return nil, fmt.Errorf("malformed cookie pair %q", parts[0])
	}
	v, err := unquoteLWP(strings.TrimSpace(value))
	if err != nil {
		return nil, err
	}
	c := &http.Cookie{Name: name, Value: v}

	for _, attr := range parts[1:] {
		k, raw, _ := strings.Cut(attr, "=")
		k = strings.ToLower(strings.TrimSpace(k))
		val, err := unquoteLWP(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		switch k {
		case "path":
			c.Path = val
		case "domain":
			c.Domain = val
		case "expires":
			t, err := time.Parse(lwpTimeLayout, val)
			if err != nil {
				return nil, fmt.Errorf("expires: %w", err)
			}
			c.Expires = t
		case "secure":
			c.Secure = true
		case "httponly":
			c.HttpOnly = true
		}
	}
	return c, nil
}

// splitLWPAttrs splits on ';' outside double quotes.
func splitLWPAttrs(s string) []string {
	var (
		out     []string
		cur     strings.Builder
		inQuote bool
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && inQuote:
			escaped = true
		case r == '"':
			inQuote = !inQuote
		case r == ';' && !inQuote:
			if p := strings.TrimSpace(cur.String()); p != "" {
				out = append(out, p)
			}
			cur.Reset()
			continue
		}
		cur.WriteRune(r)
	}
	if p := strings.TrimSpace(cur.String()); p != "" {
		out = append(out, p)
	}
	return out
}

// quoteLWP matches Python's http.cookiejar: only '"' and '\' are escaped.
func quoteLWP(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if c := s[i]; c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}

func unquoteLWP(s string) (string, error) {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		inner := s[1 : len(s)-1]
		var b strings.Builder
		b.Grow(len(inner))
		for i := 0; i < len(inner); i++ {
			c := inner[i]
			switch {
			case c == '\\' && i+1 < len(inner):
				i++
				c = inner[i]
			case c == '"':
				return "", fmt.Errorf("unescaped quote in %q", s)
			}
			b.WriteByte(c)
		}
		return b.String(), nil
	}
	if strings.ContainsAny(s, "\"") {
		return "", fmt.Errorf("unbalanced quote in %q", s)
	}
	return s, nil
}

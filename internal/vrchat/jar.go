package vrchat

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"sync"
	"time"
)

// recordingJar is a cookiejar.Jar that also keeps the full cookies it was
// given so they can be exported with their attributes (cookiejar.Cookies
// only returns name/value pairs).
type recordingJar struct {
	inner *cookiejar.Jar

	mu     sync.Mutex
	byName map[string]*http.Cookie
}

func newRecordingJar() *recordingJar {
	j, _ := cookiejar.New(nil) // only fails on a non-nil bad PublicSuffixList
	return &recordingJar{inner: j, byName: map[string]*http.Cookie{}}
}

func (j *recordingJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.inner.SetCookies(u, cookies)

	now := time.Now()
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		cp := *c
		if cp.Domain == "" {
			cp.Domain = u.Hostname()
		}
		if cp.MaxAge > 0 {
			cp.Expires = now.Add(time.Duration(cp.MaxAge) * time.Second)
			cp.MaxAge = 0
		}
		if cp.MaxAge < 0 || (!cp.Expires.IsZero() && !cp.Expires.After(now)) {
			delete(j.byName, cp.Name)
			continue
		}
		j.byName[cp.Name] = &cp
	}
}

func (j *recordingJar) Cookies(u *url.URL) []*http.Cookie { return j.inner.Cookies(u) }

func (j *recordingJar) export() []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*http.Cookie, 0, len(j.byName))
	for _, c := range j.byName {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

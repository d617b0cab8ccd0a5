package presence

import (
	"fmt"
	"sort"
	"strings"
)

// Event is one user-facing notification produced by Diff.
type Event struct {
	Kind     EventKind
	Rule     string // configured watch name
	Name     string // resolved display name
	Emoji    string // new glyph
	OldEmoji string // status_change only
	Channels []string
}

// Text renders the outbound message line.
func (e Event) Text() string {
	switch e.Kind {
	case EventOnline:
		return fmt.Sprintf("%s %s is online now!", e.Emoji, e.Name)
	case EventStatusChange:
		return fmt.Sprintf("%s status changed: %s -> %s", e.Name, e.OldEmoji, e.Emoji)
	default:
		return e.Name
	}
}

// DiffResult carries the events and the watch names that could not be
// compared this cycle.
type DiffResult struct {
	Events  []Event
	Skipped []string
}

// ResolveName finds the snapshot key for a configured name: the exact name
// when present, otherwise the first sorted key that contains it.
func ResolveName(s Snapshot, name string) (string, bool) {
	if _, ok := s[name]; ok {
		return name, true
	}
	if name == "" {
		return "", false
	}
	for _, k := range s.Names() {
		if strings.Contains(k, name) {
			return k, true
		}
	}
	return "", false
}

// Diff compares two snapshots under the given rules. It does not mutate
// either snapshot. An empty previous snapshot yields no events.
func Diff(prev, next Snapshot, rules []WatchRule) DiffResult {
	var res DiffResult
	if len(prev) == 0 {
		return res
	}

	sorted := append([]WatchRule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, r := range sorted {
		name, ok := ResolveName(next, r.Name)
		if !ok {
			res.Skipped = append(res.Skipped, r.Name)
			continue
		}
		old, ok := prev[name]
		if !ok {
			res.Skipped = append(res.Skipped, r.Name)
			continue
		}
		cur := next[name]

		online := false
		if r.Wants(EventOnline) && old.Status == StatusOffline && cur.Status != StatusOffline {
			online = true
			res.Events = append(res.Events, Event{
				Kind:     EventOnline,
				Rule:     r.Name,
				Name:     name,
				Emoji:    cur.Emoji(),
				Channels: r.Channels,
			})
		}
		if online || !r.Wants(EventStatusChange) {
			continue
		}
		statusChanged := old.Status != cur.Status
		crossedOffline := old.Location != cur.Location &&
			(old.Location == LocationOffline || cur.Location == LocationOffline)
		if statusChanged || crossedOffline {
			res.Events = append(res.Events, Event{
				Kind:     EventStatusChange,
				Rule:     r.Name,
				Name:     name,
				Emoji:    cur.Emoji(),
				OldEmoji: old.Emoji(),
				Channels: r.Channels,
			})
		}
	}
	return res
}

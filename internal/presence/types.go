package presence

import (
	"sort"

	kit "vrcnotify/internal/transport"
)

// Well-known status and location values.
const (
	StatusActive       = "active"
	StatusJoinMe       = "join me"
	StatusAskMe        = "ask me"
	StatusDoNotDisturb = "do not disturb"
	StatusOffline      = "offline"

	// LocationOffline is the location sentinel for a user who is not connected.
	LocationOffline = "offline"
)

// Friend is one entry of the friend list.
type Friend struct {
	DisplayName string
	Status      string
	Location    string
}

// Snapshot maps display name to presence. Display names are not stable ids;
// when the API returns duplicates the later entry wins.
type Snapshot map[string]Friend

// Names returns the display names in sorted order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Online counts friends whose location is not the offline sentinel.
func (s Snapshot) Online() int {
	n := 0
	for _, f := range s {
		if f.Location != LocationOffline {
			n++
		}
	}
	return n
}

// Clone returns a shallow copy that callers may mutate.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// EventKind is a subscribable event type.
type EventKind string

const (
	EventOnline       EventKind = "online"
	EventStatusChange EventKind = "status_change"
)

// WatchRule binds one configured friend name to event kinds and channels.
type WatchRule struct {
	Name     string
	Events   map[EventKind]bool
	Channels []string
}

func NewWatchRule(name string, events []string, channels []string) WatchRule {
	r := WatchRule{Name: name, Events: map[EventKind]bool{}, Channels: append([]string(nil), channels...)}
	for _, e := range events {
		r.Events[EventKind(e)] = true
	}
	return r
}

func (r WatchRule) Wants(k EventKind) bool { return r.Events[k] }

// ChannelDirectory resolves logical channel ids to delivery targets.
type ChannelDirectory map[string]kit.ChatTarget

// Resolve reports false for unknown or zero targets; callers skip those.
func (d ChannelDirectory) Resolve(id string) (kit.ChatTarget, bool) {
	t, ok := d[id]
	if !ok || t.IsZero() {
		return kit.ChatTarget{}, false
	}
	return t, true
}

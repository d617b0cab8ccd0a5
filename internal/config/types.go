package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Event kinds accepted in listen_friends.*.on_events.
const (
	EventOnline       = "online"
	EventStatusChange = "status_change"
)

type Config struct {
	Credentials           Credentials               `json:"credentials"`
	BotToken              string                    `json:"bot_token"`
	UpdateIntervalMinutes int                       `json:"update_interval_minutes"`
	Owners                []int64                   `json:"owners,omitempty"`
	ListenFriends         map[string]ListenFriend   `json:"listen_friends"`
	Channels              map[string]ChannelAddress `json:"channels"`

	Session  SessionConfig   `json:"session"`
	VRChat   VRChatConfig    `json:"vrchat"`
	Telegram TelegramConfig  `json:"telegram"`
	Logging  LoggingConfig   `json:"logging"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ListenFriend is the watch rule for one friend display name.
type ListenFriend struct {
	OnEvents   []string `json:"on_events"`
	ToChannels []string `json:"to_channels"`
}

// ChannelAddress is a Telegram chat id with an optional forum thread id.
//
// Accepted forms: a JSON number (-1001234567890) or a string
// ("-1001234567890" or "-1001234567890/42").
type ChannelAddress struct {
	ChatID   int64
	ThreadID int
}

func (c *ChannelAddress) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := ParseChannelAddress(s)
		if err != nil {
			return err
		}
		*c = v
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("channel: expected number or string, got %s", string(b))
	}
	id, err := n.Int64()
	if err != nil {
		return fmt.Errorf("channel: invalid chat id %q", n.String())
	}
	*c = ChannelAddress{ChatID: id}
	return nil
}

func (c ChannelAddress) MarshalJSON() ([]byte, error) {
	if c.ThreadID == 0 {
		return []byte(strconv.FormatInt(c.ChatID, 10)), nil
	}
	return json.Marshal(c.String())
}

func (c ChannelAddress) String() string {
	s := strconv.FormatInt(c.ChatID, 10)
	if c.ThreadID != 0 {
		s += "/" + strconv.Itoa(c.ThreadID)
	}
	return s
}

// ParseChannelAddress parses "chat_id" or "chat_id/thread_id".
func ParseChannelAddress(raw string) (ChannelAddress, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ChannelAddress{}, nil
	}
	chat, thread, hasThread := strings.Cut(s, "/")
	id, err := strconv.ParseInt(strings.TrimSpace(chat), 10, 64)
	if err != nil {
		return ChannelAddress{}, fmt.Errorf("channel: invalid chat id %q", chat)
	}
	out := ChannelAddress{ChatID: id}
	if hasThread {
		tid, err := strconv.Atoi(strings.TrimSpace(thread))
		if err != nil || tid < 0 {
			return ChannelAddress{}, fmt.Errorf("channel: invalid thread id %q", thread)
		}
		out.ThreadID = tid
	}
	return out, nil
}

type SessionConfig struct {
	// CookieFile defaults to "./cookies".
	CookieFile string `json:"cookie_file,omitempty"`
}

// VRChatConfig controls the presence API client.
//
// All durations are Go duration strings (e.g. "500ms", "10s").
type VRChatConfig struct {
	BaseURL        string `json:"base_url,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	PageSize       int    `json:"page_size,omitempty"`
	PageDelay      string `json:"page_delay,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
	RetryMax       *int   `json:"retry_max,omitempty"`
}

type TelegramConfig struct {
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// LogChat receives forwarded log records when logging.chat.enabled is set.
	LogChat string `json:"log_chat,omitempty"`
	// CommandWorkers bounds concurrent command handlers. Defaults to 2.
	CommandWorkers int `json:"command_workers,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// NotifierConfig controls the async notification pipeline.
//
// If the whole section is omitted the notifier runs with defaults.
type NotifierConfig struct {
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	DedupWindow   string `json:"dedup_window"`
	PersistDedup  bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	storage: { driver: sqlite, path: ./vrcnotify.db }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides for secrets. A .env file in the working directory is
// loaded first; variables already set in the process environment win.
const (
	EnvUsername = "VRCNOTIFY_USERNAME"
	EnvPassword = "VRCNOTIFY_PASSWORD"
	EnvBotToken = "VRCNOTIFY_BOT_TOKEN"
)

// Load reads, decodes, applies env overrides and validates the config at path.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads and strictly decodes the config file without validation.
func Parse(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(path, b)
}

// Decode decodes raw file contents; path is only used to pick the format.
func Decode(path string, data []byte) (*Config, error) {
	jb, format, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s config: %w", format, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvUsername)); v != "" {
		cfg.Credentials.Username = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		cfg.Credentials.Password = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvBotToken)); v != "" {
		cfg.BotToken = v
	}
}

// Validate checks required fields and value ranges. Any error aborts startup.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.BotToken) == "" {
		errs = append(errs, errors.New("bot_token is required"))
	}
	if strings.TrimSpace(c.Credentials.Username) == "" {
		errs = append(errs, errors.New("credentials.username is required"))
	}
	if c.Credentials.Password == "" {
		errs = append(errs, errors.New("credentials.password is required"))
	}
	if c.UpdateIntervalMinutes < 1 {
		errs = append(errs, fmt.Errorf("update_interval_minutes must be >= 1 (got %d)", c.UpdateIntervalMinutes))
	}

	for _, name := range sortedKeys(c.ListenFriends) {
		lf := c.ListenFriends[name]
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("listen_friends: empty friend name"))
		}
		for _, ev := range lf.OnEvents {
			if ev != EventOnline && ev != EventStatusChange {
				errs = append(errs, fmt.Errorf("listen_friends.%s.on_events: unknown event %q", name, ev))
			}
		}
	}

	if c.VRChat.PageSize < 0 {
		errs = append(errs, errors.New("vrchat.page_size must be >= 0"))
	}
	if c.VRChat.RetryMax != nil && *c.VRChat.RetryMax < 0 {
		errs = append(errs, errors.New("vrchat.retry_max must be >= 0"))
	}
	for path, raw := range map[string]string{
		"vrchat.page_delay":      c.VRChat.PageDelay,
		"vrchat.request_timeout": c.VRChat.RequestTimeout,
		"telegram.poll_timeout":  c.Telegram.PollTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := ParseChannelAddress(c.Telegram.LogChat); err != nil {
		errs = append(errs, fmt.Errorf("telegram.log_chat: %w", err))
	}

	if n := c.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			errs = append(errs, errors.New("notifier: workers/queue_size/rate_per_sec/retry_max must be >= 0"))
		}
		for path, raw := range map[string]string{
			"notifier.retry_base":      n.RetryBase,
			"notifier.retry_max_delay": n.RetryMaxDelay,
			"notifier.dedup_window":    n.DedupWindow,
		} {
			if _, err := ParseDurationField(path, raw); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, errors.New("storage.path is required when storage.driver=sqlite"))
			}
			if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
				errs = append(errs, err)
			}
		default:
			errs = append(errs, fmt.Errorf("unknown storage.driver: %s", s.Driver))
		}
	}

	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errors.Join(errs...)
}

// UnknownChannels lists channel ids referenced by listen_friends but missing
// from channels. These are skipped at delivery time; callers may warn.
func (c *Config) UnknownChannels() []string {
	seen := map[string]bool{}
	var out []string
	for _, name := range sortedKeys(c.ListenFriends) {
		for _, ch := range c.ListenFriends[name].ToChannels {
			if _, ok := c.Channels[ch]; ok || seen[ch] {
				continue
			}
			seen[ch] = true
			out = append(out, ch)
		}
	}
	return out
}

// FriendNames returns the watched friend names in sorted order.
func (c *Config) FriendNames() []string { return sortedKeys(c.ListenFriends) }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

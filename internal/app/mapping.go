package app

import (
	"fmt"
	"strings"
	"time"

	"vrcnotify/internal/config"
	"vrcnotify/internal/notifier"
	"vrcnotify/internal/presence"
	"vrcnotify/internal/storage"
	kit "vrcnotify/internal/transport"
	"vrcnotify/internal/vrchat"
	logx "vrcnotify/pkg/logx"
)

func mapLogging(cfg *config.Config) (logx.Config, error) {
	lc := cfg.Logging
	target, err := config.ParseChannelAddress(cfg.Telegram.LogChat)
	if err != nil {
		return logx.Config{}, fmt.Errorf("telegram.log_chat: %w", err)
	}
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:    lc.File.Enabled,
			Path:       lc.File.Path,
			MaxSizeMB:  lc.File.MaxSizeMB,
			MaxBackups: lc.File.MaxBackups,
		},
		Chat: logx.ChatConfig{
			Enabled:    lc.Chat.Enabled,
			Target:     kit.ChatTarget{ChatID: target.ChatID, ThreadID: target.ThreadID},
			MinLevel:   lc.Chat.MinLevel,
			RatePerSec: lc.Chat.RatePerSec,
		},
	}, nil
}

func mapVRChat(cfg *config.Config) (vrchat.Config, presence.FetchOptions, error) {
	vc := cfg.VRChat
	timeout, err := config.ParseDurationOrDefault("vrchat.request_timeout", vc.RequestTimeout, 15*time.Second)
	if err != nil {
		return vrchat.Config{}, presence.FetchOptions{}, err
	}
	delay := presence.DefaultPageDelay
	if strings.TrimSpace(vc.PageDelay) != "" {
		// An explicit "0s" disables the delay.
		if delay, err = config.ParseDurationField("vrchat.page_delay", vc.PageDelay); err != nil {
			return vrchat.Config{}, presence.FetchOptions{}, err
		}
	}
	retry := 1
	if vc.RetryMax != nil {
		retry = *vc.RetryMax
	}
	api := vrchat.Config{
		BaseURL:   vc.BaseURL,
		UserAgent: vc.UserAgent,
		Username:  cfg.Credentials.Username,
		Password:  cfg.Credentials.Password,
		Timeout:   timeout,
		RetryMax:  retry,
	}
	return api, presence.FetchOptions{PageSize: vc.PageSize, PageDelay: delay}, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{}, nil
	}
	out := notifier.Config{
		Workers:      n.Workers,
		QueueSize:    n.QueueSize,
		RatePerSec:   n.RatePerSec,
		RetryMax:     n.RetryMax,
		PersistDedup: n.PersistDedup,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	s := cfg.Storage
	if s == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", s.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(s.Path)
	if path == "" {
		path = "./vrcnotify.db"
	}
	return storage.Config{Driver: s.Driver, Path: path, BusyTimeout: busy}, nil
}

// mapWatch builds the watch rules (sorted by friend name) and the channel
// directory.
func mapWatch(cfg *config.Config) ([]presence.WatchRule, presence.ChannelDirectory) {
	rules := make([]presence.WatchRule, 0, len(cfg.ListenFriends))
	for _, name := range cfg.FriendNames() {
		lf := cfg.ListenFriends[name]
		rules = append(rules, presence.NewWatchRule(name, lf.OnEvents, lf.ToChannels))
	}
	dir := make(presence.ChannelDirectory, len(cfg.Channels))
	for id, addr := range cfg.Channels {
		dir[id] = kit.ChatTarget{ChatID: addr.ChatID, ThreadID: addr.ThreadID}
	}
	return rules, dir
}

// Package poller drives the periodic presence check: fetch, diff against the
// previous snapshot, and hand each alert to the notifier.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"vrcnotify/internal/eventbus"
	"vrcnotify/internal/presence"
	kit "vrcnotify/internal/transport"
	logx "vrcnotify/pkg/logx"
)

var ErrFetchFailed = errors.New("fetch failed")

// Source produces a full friend snapshot.
type Source interface {
	Fetch(ctx context.Context) (presence.Snapshot, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (presence.Snapshot, error)

func (f SourceFunc) Fetch(ctx context.Context) (presence.Snapshot, error) { return f(ctx) }

// PagerSource fetches both friend subsets through a presence.Pager.
func PagerSource(p presence.Pager, opt presence.FetchOptions) Source {
	return SourceFunc(func(ctx context.Context) (presence.Snapshot, error) {
		return presence.Fetch(ctx, p, opt)
	})
}

// Notifier accepts outbound alerts.
type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

type Config struct {
	Interval     time.Duration
	Rules        []presence.WatchRule
	Channels     presence.ChannelDirectory
	CycleTimeout time.Duration // 0 means no per-cycle deadline
}

// CycleReport summarizes one cycle. It is published on the event bus.
type CycleReport struct {
	At        time.Time     `json:"at"`
	Took      time.Duration `json:"took"`
	Friends   int           `json:"friends"`
	Online    int           `json:"online"`
	Seeded    bool          `json:"seeded,omitempty"`
	Events    int           `json:"events"`
	Delivered int           `json:"delivered"`
	Skipped   []string      `json:"skipped,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Poller owns the previous snapshot. Cycles never overlap.
type Poller struct {
	cfg    Config
	source Source
	notify Notifier
	bus    eventbus.Bus
	log    logx.Logger

	cycleMu sync.Mutex // serializes Cycle

	mu       sync.RWMutex
	prev     presence.Snapshot
	lastPoll time.Time
	last     CycleReport

	cron *cron.Cron
}

func New(cfg Config, source Source, notify Notifier, bus eventbus.Bus, log logx.Logger) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Poller{
		cfg:    cfg,
		source: source,
		notify: notify,
		bus:    bus,
		log:    log.With(logx.String("comp", "poller")),
	}
}

// Start runs a seeding cycle and then schedules one cycle per interval.
func (p *Poller) Start(ctx context.Context) error {
	if p.cron != nil {
		return nil
	}
	if err := p.Cycle(ctx); err != nil {
		p.log.Warn("initial fetch failed, will retry on schedule", logx.Err(err))
	}

	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{p.log}),
		cron.SkipIfStillRunning(cronLogger{p.log}),
	))
	spec := fmt.Sprintf("@every %s", p.cfg.Interval)
	if _, err := c.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		_ = p.Cycle(ctx)
	}); err != nil {
		return fmt.Errorf("schedule poll: %w", err)
	}
	c.Start()
	p.cron = c
	p.log.Info("polling scheduled", logx.Duration("interval", p.cfg.Interval), logx.Int("watched", len(p.cfg.Rules)))
	return nil
}

// Stop halts scheduling and waits for a running cycle until ctx is done.
func (p *Poller) Stop(ctx context.Context) {
	if p.cron == nil {
		return
	}
	done := p.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		p.log.Warn("poll cycle still running at shutdown")
	}
}

// Cycle performs one fetch/diff/notify pass. Errors are logged here; the
// returned error is informational.
func (p *Poller) Cycle(ctx context.Context) error {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	if p.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.CycleTimeout)
		defer cancel()
	}

	start := time.Now()
	rep := CycleReport{At: start}
	defer func() {
		rep.Took = time.Since(start)
		p.mu.Lock()
		p.last = rep
		p.mu.Unlock()
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Type: eventbus.PollCycle, Data: rep})
		}
	}()

	next, err := p.source.Fetch(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrFetchFailed, err)
		rep.Error = err.Error()
		p.log.Warn("poll cycle aborted", logx.Err(err))
		return err
	}
	rep.Friends, rep.Online = len(next), next.Online()

	p.mu.RLock()
	prev := p.prev
	p.mu.RUnlock()

	if len(prev) == 0 {
		rep.Seeded = true
		p.swap(next, start)
		p.log.Info("baseline snapshot taken", logx.Int("friends", rep.Friends), logx.Int("online", rep.Online))
		return nil
	}

	res := presence.Diff(prev, next, p.cfg.Rules)
	rep.Events, rep.Skipped = len(res.Events), res.Skipped
	for _, name := range res.Skipped {
		p.log.Debug("watched friend not in both snapshots", logx.String("friend", name))
	}

	for _, ev := range res.Events {
		text := ev.Text()
		for _, ch := range ev.Channels {
			target, ok := p.cfg.Channels.Resolve(ch)
			if !ok {
				p.log.Debug("unresolved channel", logx.String("channel", ch), logx.String("friend", ev.Name))
				continue
			}
			err := p.notify.Notify(ctx, kit.Notification{Channel: ch, Target: target, Text: text})
			if err != nil {
				p.log.Warn("enqueue failed", logx.String("channel", ch), logx.Err(err))
				continue
			}
			rep.Delivered++
		}
		p.log.Info("presence event", logx.String("kind", string(ev.Kind)), logx.String("friend", ev.Name))
	}

	p.swap(next, start)
	return nil
}

func (p *Poller) swap(next presence.Snapshot, at time.Time) {
	p.mu.Lock()
	p.prev = next
	p.lastPoll = at
	p.mu.Unlock()
}

// Snapshot returns a copy of the previous snapshot.
func (p *Poller) Snapshot() presence.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.prev.Clone()
}

// LastPoll is the start time of the last successful fetch (zero if none).
func (p *Poller) LastPoll() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastPoll
}

// LastReport returns the most recent cycle report, failed or not.
func (p *Poller) LastReport() CycleReport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// Rules returns the configured watch rules.
func (p *Poller) Rules() []presence.WatchRule { return p.cfg.Rules }

// cronLogger routes cron's own messages through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", keysAndValues))
}

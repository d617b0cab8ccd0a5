package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"vrcnotify/internal/auth"
	"vrcnotify/internal/commands"
	"vrcnotify/internal/config"
	"vrcnotify/internal/eventbus"
	"vrcnotify/internal/notifier"
	"vrcnotify/internal/poller"
	rtsup "vrcnotify/internal/runtime/supervisor"
	"vrcnotify/internal/session"
	"vrcnotify/internal/storage"
	kit "vrcnotify/internal/transport"
	"vrcnotify/internal/transport/telegram"
	logx "vrcnotify/pkg/logx"
)

const (
	loginTimeout = 60 * time.Second
	menuTimeout  = 10 * time.Second
)

type App struct {
	cfg *config.Config

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	flow    *auth.Flow
	notif   *notifier.Service
	poll    *poller.Poller
	router  *commands.Router

	updates chan kit.Update

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	started bool

	// running mirrors sup for readers that must not take mu.
	running atomic.Pointer[rtsup.Supervisor]
}

// New loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return build(cfg, false)
}

func build(cfg *config.Config, offline bool) (*App, error) {
	lc, err := mapLogging(cfg)
	if err != nil {
		return nil, err
	}
	// The chat sink needs the adapter, which needs a logger.
	sink := &lateSender{}
	logs, log := logx.New(lc, sink)

	a := &App{cfg: cfg, log: log, logs: logs, bus: eventbus.New()}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	a.adapter, err = telegram.New(telegram.Config{
		Token:       cfg.BotToken,
		PollTimeout: pollTimeout,
		Offline:     offline,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	sink.set(a.adapter)

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, log); err != nil {
		return nil, err
	}

	sessions := session.New(cfg.Session.CookieFile)
	sessions.OnHeal = func(err error) {
		log.Warn("cookie file was unreadable and has been reset", logx.String("path", sessions.Path), logx.Err(err))
	}

	api, fetch, err := mapVRChat(cfg)
	if err != nil {
		return nil, err
	}
	a.flow = auth.New(auth.VRChatFactory(api, log.With(logx.String("comp", "vrchat"))), sessions, log)

	nc, err := mapNotifier(cfg)
	if err != nil {
		return nil, err
	}
	a.notif = notifier.New(nc, a.adapter, log.With(logx.String("comp", "notifier")), a.bus, a.store)

	rules, dir := mapWatch(cfg)
	a.poll = poller.New(poller.Config{
		Interval:     time.Duration(cfg.UpdateIntervalMinutes) * time.Minute,
		Rules:        rules,
		Channels:     dir,
		CycleTimeout: 5 * time.Minute,
	}, poller.PagerSource(a.flow, fetch), a.notif, a.bus, log.With(logx.String("comp", "poller")))

	a.router = commands.NewRouter(a.adapter, log.With(logx.String("comp", "commands")),
		commands.WithBotName(a.adapter.Username()),
		commands.WithOwners(cfg.Owners),
		commands.WithWorkers(cfg.Telegram.CommandWorkers),
	)
	a.router.Register(commands.Builtins(commands.Deps{
		Auth:     a.flow,
		Presence: a.poll,
		Pager:    a.flow,
		Fetch:    fetch,
		Store:    a.store,
		Bus:      a.bus,
		Alerts:   a.notif,
		Tasks:    a.taskStats,
		Adapter:  a.adapter,
	}, a.router)...)

	a.updates = make(chan kit.Update, 256)
	ok = true
	return a, nil
}

// Start logs in with the configured credentials and brings up delivery,
// Telegram polling, command dispatch and the presence poller. A failed
// startup login is not fatal: an operator can retry with /login.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	if missing := a.cfg.UnknownChannels(); len(missing) > 0 {
		a.log.Warn("listen_friends references undefined channels", logx.Strings("channels", missing))
	}

	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	a.running.Store(a.sup)
	a.sup.Go0("events.log", a.logEvents)

	a.notif.Start(a.sup.Context())
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		a.abort(ctx)
		return fmt.Errorf("telegram: %w", err)
	}
	a.sup.Go("commands", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.GoRestart("commands.menu", func(c context.Context) error {
		mctx, cancel := context.WithTimeout(c, menuTimeout)
		defer cancel()
		if err := a.adapter.UpdateMenuCommands(mctx, a.router.Menu()); err != nil {
			a.log.Warn("failed to update command menu", logx.Err(err))
			return err
		}
		return nil
	}, rtsup.WithRestartBackoff(2*time.Second, 30*time.Second), rtsup.WithMaxRestarts(3))

	lctx, cancel := context.WithTimeout(a.sup.Context(), loginTimeout)
	res := a.flow.Login(lctx, auth.Credentials{
		Username: a.cfg.Credentials.Username,
		Password: a.cfg.Credentials.Password,
	}, "")
	cancel()
	switch res.State {
	case auth.Authenticated:
		a.log.Info("logged in", logx.String("user", res.DisplayName))
	case auth.TwoFactorRequired:
		a.log.Warn("login needs a verification code, send /login <username> <password> <code>")
	default:
		a.log.Warn("startup login failed", logx.String("reason", res.Reason))
	}

	if err := a.poll.Start(a.sup.Context()); err != nil {
		a.abort(ctx)
		_ = a.adapter.Stop(ctx)
		return err
	}
	a.started = true
	a.log.Info("app started", logx.String("bot", a.adapter.Username()), logx.Int("watched", len(a.poll.Rules())))
	return nil
}

// Stop tears components down in reverse start order and closes the log and
// storage sinks.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	if a.started {
		a.started = false
		a.poll.Stop(ctx)
		if err := a.adapter.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		a.notif.Stop(ctx)
		if err := a.sup.Stop(ctx); errors.Is(err, context.DeadlineExceeded) {
			errs = append(errs, err)
		} else if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("background task failed", logx.Err(err))
		}
		a.log.Info("app stopped")
	}
	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// taskStats merges supervisor counters for /status.
func (a *App) taskStats() []rtsup.Stats {
	out := a.adapter.Tasks()
	if sup := a.running.Load(); sup != nil {
		out = append(out, sup.Snapshot()...)
	}
	return out
}

func (a *App) abort(ctx context.Context) {
	a.notif.Stop(ctx)
	_ = a.sup.Stop(ctx)
}

func (a *App) closeResources() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
		a.store = nil
	}
	if a.logs != nil {
		if err := a.logs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("logs: %w", err))
		}
		a.logs = nil
	}
	return errors.Join(errs...)
}

func (a *App) logEvents(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			switch e.Type {
			case eventbus.DeliveryFailed:
				a.log.Warn("notification dropped", logx.Any("event", e.Data))
			default:
				a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	}
}

// lateSender forwards log chat records once the adapter exists.
type lateSender struct {
	p atomic.Pointer[telegram.Adapter]
}

func (s *lateSender) set(a *telegram.Adapter) { s.p.Store(a) }

func (s *lateSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a := s.p.Load()
	if a == nil {
		return kit.MessageRef{}, errors.New("telegram adapter not ready")
	}
	return a.SendText(ctx, to, text, opt)
}

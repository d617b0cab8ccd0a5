package notifier

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vrcnotify/internal/eventbus"
	"vrcnotify/internal/storage"
	kit "vrcnotify/internal/transport"
	logx "vrcnotify/pkg/logx"
)

type sent struct {
	to   kit.ChatTarget
	text string
}

type fakeSender struct {
	mu    sync.Mutex
	fails int // fail this many calls first
	calls int
	got   []sent
}

func (f *fakeSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return kit.MessageRef{}, errors.New("telegram down")
	}
	f.got = append(f.got, sent{to, text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.calls}, nil
}

func (f *fakeSender) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.got...)
}

func fastConfig() Config {
	return Config{RatePerSec: 1000, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
}

func stopNow(s *Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func note(text string) kit.Notification {
	return kit.Notification{Channel: "general", Target: kit.ChatTarget{ChatID: -100}, Text: text}
}

func TestNotifyDeliversInOrder(t *testing.T) {
	fs := &fakeSender{}
	s := New(fastConfig(), fs, logx.Nop(), nil, nil)
	s.Start(context.Background())

	for _, txt := range []string{"a", "b", "c"} {
		if err := s.Notify(context.Background(), note(txt)); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	stopNow(s)

	got := fs.messages()
	if len(got) != 3 || got[0].text != "a" || got[1].text != "b" || got[2].text != "c" {
		t.Fatalf("got %+v", got)
	}
	if h := s.History(); len(h) != 3 || h[2].Channel != "general" {
		t.Fatalf("history=%+v", h)
	}
}

func TestNotifyRetries(t *testing.T) {
	fs := &fakeSender{fails: 2}
	cfg := fastConfig()
	cfg.RetryMax = 2
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(cfg, fs, logx.Nop(), bus, nil)
	s.Start(context.Background())
	_ = s.Notify(context.Background(), note("x"))
	stopNow(s)

	if got := fs.messages(); len(got) != 1 {
		t.Fatalf("delivered=%d want 1", len(got))
	}
	e := <-events
	if e.Type != eventbus.DeliverySent || e.Data.(DeliveryEvent).Attempts != 3 {
		t.Fatalf("event=%+v", e)
	}
}

func TestNotifyGivesUp(t *testing.T) {
	fs := &fakeSender{fails: 10}
	cfg := fastConfig()
	cfg.RetryMax = 1
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(cfg, fs, logx.Nop(), bus, nil)
	s.Start(context.Background())
	_ = s.Notify(context.Background(), note("x"))
	stopNow(s)

	if fs.calls != 2 {
		t.Fatalf("calls=%d want 2", fs.calls)
	}
	if e := <-events; e.Type != eventbus.DeliveryFailed {
		t.Fatalf("event=%+v", e)
	}
}

func TestNotifyLifecycleErrors(t *testing.T) {
	s := New(fastConfig(), &fakeSender{}, logx.Nop(), nil, nil)
	if err := s.Notify(context.Background(), note("x")); !errors.Is(err, ErrDisabled) {
		t.Fatalf("before start: %v", err)
	}
	s.Start(context.Background())
	stopNow(s)
	if err := s.Notify(context.Background(), note("x")); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop: %v", err)
	}
}

func TestNotifyDedup(t *testing.T) {
	fs := &fakeSender{}
	cfg := fastConfig()
	cfg.DedupWindow = time.Hour
	s := New(cfg, fs, logx.Nop(), nil, nil)
	s.Start(context.Background())
	_ = s.Notify(context.Background(), note("same"))
	_ = s.Notify(context.Background(), note("same"))
	_ = s.Notify(context.Background(), note("other"))
	stopNow(s)

	if got := fs.messages(); len(got) != 2 {
		t.Fatalf("delivered=%+v want 2", got)
	}
}

func TestNotifyPersistentDedupAcrossRestart(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "s.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer st.Close()

	cfg := fastConfig()
	cfg.DedupWindow = time.Hour
	cfg.PersistDedup = true

	first := &fakeSender{}
	s := New(cfg, first, logx.Nop(), nil, st)
	s.Start(context.Background())
	_ = s.Notify(context.Background(), note("alert"))
	stopNow(s)

	second := &fakeSender{}
	s = New(cfg, second, logx.Nop(), nil, st)
	s.Start(context.Background())
	_ = s.Notify(context.Background(), note("alert"))
	stopNow(s)

	if len(first.messages()) != 1 || len(second.messages()) != 0 {
		t.Fatalf("first=%d second=%d", len(first.messages()), len(second.messages()))
	}
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}.withDefaults()
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %v outside jitter range", d)
	}
}

package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"vrcnotify/internal/eventbus"
	rtsup "vrcnotify/internal/runtime/supervisor"
	"vrcnotify/internal/storage"
	kit "vrcnotify/internal/transport"
	logx "vrcnotify/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Sender is the part of the transport adapter the notifier uses.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type job struct {
	n   kit.Notification
	key string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Service is safe for concurrent use. Start and Stop are each effective once.
type Service struct {
	cfg     Config
	sender  Sender
	log     logx.Logger
	bus     eventbus.Bus
	store   storage.Store
	limiter *rate.Limiter

	mu        sync.Mutex
	accepting bool
	queue     chan job
	persistCh chan dedupWrite
	sup       *rtsup.Supervisor
	inflight  sync.WaitGroup // Notify calls past the accepting check
	stopOnce  sync.Once

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		sender:  sender,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		store:   store,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:   map[string]time.Time{},
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || s.sender == nil {
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))

	if s.cfg.PersistDedup && s.store != nil && s.cfg.DedupWindow > 0 {
		s.persistCh = make(chan dedupWrite, 256)
		pch := s.persistCh
		s.sup.Go0("dedup.persist", func(c context.Context) { s.persistLoop(c, pch) })
	}
	q := s.queue
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return s.workerLoop(c, q)
		})
	}
	s.log.Debug("notifier started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop stops intake and lets workers drain the queue until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.queue == nil {
			s.mu.Unlock()
			return
		}
		s.accepting = false
		q, pch, sup := s.queue, s.persistCh, s.sup
		s.mu.Unlock()

		s.inflight.Wait()
		close(q)
		if pch != nil {
			close(pch)
		}

		if err := sup.Wait(ctx); err != nil && errors.Is(err, ctx.Err()) {
			s.log.Warn("notifier drain timed out", logx.Int("pending", len(q)))
		}
		_ = sup.Stop(ctx)
	})
}

// Notify enqueues n. A deduplicated message returns nil without sending.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.Text == "" || n.Target.IsZero() {
		return nil
	}

	s.mu.Lock()
	if s.queue == nil {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	q, pch := s.queue, s.persistCh
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	key := dedupKey(n)
	if s.cfg.DedupWindow > 0 && !s.dedupAllow(ctx, key, pch) {
		s.publish(eventbus.DeliveryDeduped, n, key, 0, nil)
		return nil
	}

	select {
	case q <- job{n: n, key: key}:
		return nil
	default:
		s.publish(eventbus.DeliveryFailed, n, key, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

// History returns recently delivered messages, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(n kit.Notification) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Channel: n.Channel, Text: n.Text})
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-q:
			if !ok {
				return nil
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	attempts := 1 + s.cfg.RetryMax
	log := s.log.With(logx.String("channel", j.n.Channel), logx.String("target", j.n.Target.String()))

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		_, err := s.sender.SendText(cctx, j.n.Target, j.n.Text, j.n.Options)
		cancel()
		if err == nil {
			s.appendHistory(j.n)
			s.publish(eventbus.DeliverySent, j.n, j.key, attempt, nil)
			return
		}
		lastErr = err
		log.Debug("send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(s.cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	log.Warn("notification dropped", logx.Err(lastErr), logx.Int("attempts", attempts))
	s.publish(eventbus.DeliveryFailed, j.n, j.key, attempts, lastErr)
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := s.store.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) publish(typ string, n kit.Notification, key string, attempts int, err error) {
	if s.bus == nil {
		return
	}
	ev := DeliveryEvent{Channel: n.Channel, ChatID: n.Target.ChatID, ThreadID: n.Target.ThreadID, Key: key, Attempts: attempts}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func dedupKey(n kit.Notification) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d:%d|%s", n.Target.ChatID, n.Target.ThreadID, n.Text)
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupAllow reports whether key may be sent now, and if so starts a new
// suppression window for it.
func (s *Service) dedupAllow(ctx context.Context, key string, pch chan<- dedupWrite) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if s.cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(s.cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > s.cfg.DedupMaxEntries {
		var oldest string
		var oldestT time.Time
		for k, u := range s.dedup {
			if oldest == "" || u.Before(oldestT) {
				oldest, oldestT = k, u
			}
		}
		delete(s.dedup, oldest)
	}
	s.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1), jittered by
// 0.7..1.3 and capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}

package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"feedspy/internal/eventbus"
	rtsup "feedspy/internal/runtime/supervisor"
	"feedspy/internal/storage"
	kit "feedspy/internal/transport"
	logx "feedspy/pkg/logx"
	"feedspy/pkg/tgui"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historySize = 300

type job struct {
	endpoint string
	target   kit.ChatTarget
	text     string
	// plain is the fallback when the rich text is rejected by the transport.
	plain     string
	parseMode string
	key       string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	store   storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	// lanes holds one queue per worker. An endpoint always maps to the same
	// lane, so its sends (and their retries) stay in enqueue order.
	lanes    []chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// dmu serializes check-and-set on the dedup cache.
	dmu   sync.Mutex
	dedup *expirable.LRU[string, time.Time]

	persistCh chan dedupWrite

	sent, deduped, dropped, failed atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{adapter: adapter, log: log, bus: bus, store: store}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 7 * 24 * time.Hour
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 100000
	}

	prev := s.cfg
	s.cfg = cfg
	// Token bucket: burst = rate per sec.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)

	s.dmu.Lock()
	if s.dedup == nil || prev.DedupWindow != cfg.DedupWindow || prev.DedupMaxEntries != cfg.DedupMaxEntries {
		next := expirable.NewLRU[string, time.Time](cfg.DedupMaxEntries, nil, cfg.DedupWindow)
		if s.dedup != nil {
			for _, k := range s.dedup.Keys() {
				if until, ok := s.dedup.Peek(k); ok {
					next.Add(k, until)
				}
			}
		}
		s.dedup = next
	}
	s.dmu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.lanes != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	workers := s.cfg.Workers
	laneSize := max(1, s.cfg.QueueSize/workers)
	s.lanes = make([]chan job, workers)
	for i := range s.lanes {
		s.lanes[i] = make(chan job, laneSize)
	}
	s.accepting = true
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	sup, lanes, pch, st := s.sup, s.lanes, s.persistCh, s.store
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch, st)
			return s.exitReason(c)
		}, rtsup.WithPublishFirstError(true))
	}
	for i, q := range lanes {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return s.exitReason(c)
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", workers))
}

// exitReason classifies a loop exit: clean on shutdown, an error otherwise.
func (s *Service) exitReason(c context.Context) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if c.Err() != nil {
		return c.Err()
	}
	return errors.New("notifier loop exited unexpectedly")
}

// Stop refuses new sends and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	lanes, pch, sup := s.lanes, s.persistCh, s.sup
	if lanes == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		for _, q := range lanes {
			close(q)
		}
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.lanes, s.persistCh, s.stopDone, s.sup = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// SendDeduped delivers rich (falling back to plain) to endpoint unless key
// was already delivered within the dedup window. Repeats return nil.
func (s *Service) SendDeduped(ctx context.Context, endpoint, plain, rich, key string) error {
	text, mode := rich, "HTML"
	if text == "" {
		text, mode = plain, ""
	}
	return s.enqueue(ctx, job{endpoint: endpoint, text: text, plain: plain, parseMode: mode, key: key})
}

// SendPlain delivers text without dedup.
func (s *Service) SendPlain(ctx context.Context, endpoint, text string) error {
	text = tgui.TruncRunes(text, tgui.MaxMessageRunes)
	return s.enqueue(ctx, job{endpoint: endpoint, text: text, plain: text})
}

// NotifyAdmins sends msg to every admin endpoint. Failures are logged.
func (s *Service) NotifyAdmins(ctx context.Context, msg string) {
	s.mu.Lock()
	admins := append([]string(nil), s.cfg.AdminEndpoints...)
	s.mu.Unlock()
	for _, ep := range admins {
		if err := s.SendPlain(ctx, ep, msg); err != nil {
			s.log.Warn("admin notify failed", logx.String("endpoint", ep), logx.Err(err))
		}
	}
}

// SendLog implements logx.Sender.
func (s *Service) SendLog(ctx context.Context, text string) error {
	s.mu.Lock()
	admins := append([]string(nil), s.cfg.AdminEndpoints...)
	s.mu.Unlock()
	var errs []error
	for _, ep := range admins {
		errs = append(errs, s.SendPlain(ctx, ep, text))
	}
	return errors.Join(errs...)
}

func (s *Service) enqueue(ctx context.Context, j job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := kit.ParseEndpoint(j.endpoint)
	if err != nil {
		return err
	}
	j.target = target
	if strings.TrimSpace(j.text) == "" {
		return nil
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.lanes == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q, window, persist, st, pch := laneFor(s.lanes, j.endpoint), s.cfg.DedupWindow, s.cfg.PersistDedup, s.store, s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if j.key != "" && !s.dedupAllow(ctx, j.key, window, persist, st, pch) {
		s.deduped.Add(1)
		return nil
	}

	select {
	case q <- j:
		return nil
	default:
		// Let a later attempt deliver this key.
		if j.key != "" {
			s.dmu.Lock()
			s.dedup.Remove(j.key)
			s.dmu.Unlock()
		}
		s.dropped.Add(1)
		s.publish(eventbus.DeliveryDropped, j, ErrQueueFull)
		return ErrQueueFull
	}
}

func laneFor(lanes []chan job, endpoint string) chan job {
	h := fnv.New32a()
	_, _ = h.Write([]byte(endpoint))
	return lanes[h.Sum32()%uint32(len(lanes))]
}

func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, persist bool, st storage.Store, pch chan dedupWrite) bool {
	now := time.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup.Get(key); ok && now.Before(until) {
		return false
	}

	// Cross-restart dedup is best effort.
	if persist && st != nil {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dedup.Add(key, until)
			return false
		}
	}

	until := now.Add(window)
	s.dedup.Add(key, until)
	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := st.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, ad := s.cfg, s.limiter, s.adapter
	s.mu.Unlock()
	if ad == nil {
		return
	}

	text, mode := j.text, j.parseMode
	var lastErr error
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := ad.SendText(callCtx, j.target, text, &kit.SendOptions{ParseMode: mode, DisablePreview: true})
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.appendHistory(j.endpoint, text)
			s.publish(eventbus.DeliverySent, j, nil)
			return
		}
		lastErr = err
		s.log.Debug("send failed", logx.String("endpoint", j.endpoint), logx.Int("attempt", attempt), logx.Err(err))

		// Rich text the transport cannot parse goes out as plain text.
		if mode != "" && j.plain != "" {
			text, mode = j.plain, ""
		}
		if attempt > cfg.RetryMax {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	s.failed.Add(1)
	s.log.Warn("delivery failed", logx.String("endpoint", j.endpoint), logx.String("key", j.key), logx.Err(lastErr))
	s.publish(eventbus.DeliveryFailed, j, lastErr)
}

func (s *Service) publish(typ string, j job, err error) {
	ev := DeliveryEvent{Endpoint: j.endpoint, Key: j.key, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	eventbus.Publish(s.bus, typ, ev)
}

func (s *Service) appendHistory(endpoint, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Endpoint: endpoint, Text: text})
	if n := len(s.history) - historySize; n > 0 {
		s.history = s.history[n:]
	}
	s.hmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	lanes := s.lanes
	s.mu.Unlock()
	s.hmu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	snap := Snapshot{
		Sent:    s.sent.Load(),
		Deduped: s.deduped.Load(),
		Dropped: s.dropped.Load(),
		Failed:  s.failed.Load(),
		History: h,
	}
	for _, q := range lanes {
		snap.QueueLen += len(q)
		snap.QueueCap += cap(q)
	}
	return snap
}

// retryDelay is base * 2^(attempt-1) with 0.7..1.3 jitter, capped.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}

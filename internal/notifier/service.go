package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"castbot/internal/domain"
	"castbot/internal/eventbus"
	rtsup "castbot/internal/runtime/supervisor"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type job struct {
	r domain.FailureReport
	// dedupKey is computed at enqueue time for cheap per-worker processing.
	dedupKey string
}

// Service implements domain.Reporter: queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	sender  kit.TextSender
	reports domain.ReportLog
	bus     eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	sent    atomic.Uint64
	failed  atomic.Uint64
	deduped atomic.Uint64
	dropped atomic.Uint64

	// Reports persisted outside the worker queue, flushed by a short-lived goroutine.
	pending  chan domain.FailureReport
	flushing atomic.Bool
}

const pendingSize = 256

func New(cfg Config, sender kit.TextSender, reports domain.ReportLog, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender:  sender,
		reports: reports,
		log:     log,
		bus:     bus,
		dedup:   map[string]time.Time{},
		pending: make(chan domain.FailureReport, pendingSize),
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the notifier's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
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
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent. The queue size and worker count are fixed until the next Start.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
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
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		// notifier failures should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
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
		// Wait for in-flight enqueues to finish, then close the queue so workers can drain.
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())
		s.flushPending()

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop internal loops.
		sup.Cancel()
	}
}

// Notify queues r for persistence and admin delivery. It never blocks and
// never touches the report log on the caller's goroutine.
func (s *Service) Notify(r domain.FailureReport) {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		// Not running: keep the durable record at least.
		if !s.persistLater(r) {
			s.dropped.Add(1)
		}
		return
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- job{r: r, dedupKey: dedupKey(r)}:
	default:
		s.dropped.Add(1)
		s.log.Warn("report dropped (queue full)", logx.String("kind", string(r.Kind)), logx.Int64("destination", r.Destination))
		s.persistLater(r)
	}
}

// persistLater hands r to the pending backlog and makes sure a flusher runs.
// It reports false when the backlog is full and r was not kept.
func (s *Service) persistLater(r domain.FailureReport) bool {
	if s.reports == nil {
		return true
	}
	select {
	case s.pending <- r:
	default:
		s.log.Warn("report not persisted (backlog full)", logx.String("kind", string(r.Kind)), logx.Int64("destination", r.Destination))
		return false
	}
	if s.flushing.CompareAndSwap(false, true) {
		go s.flushLoop()
	}
	return true
}

// flushLoop exits once the backlog is empty. A report pushed after the flag
// is cleared either sees the flag free and starts a new loop, or is picked up here.
func (s *Service) flushLoop() {
	for {
		select {
		case r := <-s.pending:
			s.persist(context.Background(), r)
		default:
			s.flushing.Store(false)
			if len(s.pending) == 0 || !s.flushing.CompareAndSwap(false, true) {
				return
			}
		}
	}
}

// flushPending persists whatever is still pending on the calling goroutine.
func (s *Service) flushPending() {
	for {
		select {
		case r := <-s.pending:
			s.persist(context.Background(), r)
		default:
			return
		}
	}
}

func (s *Service) persist(ctx context.Context, r domain.FailureReport) {
	if s.reports == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.reports.AppendReport(cctx, r); err != nil {
		s.log.Warn("report append failed", logx.String("kind", string(r.Kind)), logx.Err(err))
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
			s.handle(ctx, j)
		}
	}
}

func (s *Service) handle(ctx context.Context, j job) {
	s.persist(ctx, j.r)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if !cfg.Enabled || s.sender == nil || len(cfg.Targets) == 0 {
		return
	}
	if cfg.DedupWindow > 0 && !s.dedupAllow(j.dedupKey, cfg.DedupWindow, cfg.DedupMaxEntries) {
		s.deduped.Add(1)
		return
	}
	text := prefixForLevel(j.r.Kind.Level()) + j.r.String()
	for _, to := range cfg.Targets {
		s.sendWithRetry(ctx, cfg, to, text, j.dedupKey)
	}
	eventbus.Emit(s.bus, eventbus.ReportSent, j.r)
}

func (s *Service) sendWithRetry(ctx context.Context, cfg Config, to kit.ChatTarget, text, key string) {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.sender.SendText(callCtx, to, text, &kit.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			s.sent.Add(1)
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts || kit.IsPermanent(err) {
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
	s.log.Warn("admin notification failed", logx.Int64("chat_id", to.ChatID), logx.Err(lastErr))
	now := time.Now()
	eventbus.Emit(s.bus, eventbus.NotifierFailed, NotificationEvent{ChatID: to.ChatID, ThreadID: to.ThreadID, Key: key, At: now, Error: lastErr.Error()})
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	queued := 0
	if s.queue != nil {
		queued = len(s.queue)
	}
	s.mu.Unlock()
	return Stats{Queued: queued, Sent: s.sent.Load(), Failed: s.failed.Load(), Deduped: s.deduped.Load(), Dropped: s.dropped.Load()}
}

func prefixForLevel(level string) string {
	switch level {
	case "ERROR":
		return "🚨 "
	case "WARN":
		return "⚠️ "
	default:
		return "ℹ️ "
	}
}

// dedupKey ignores the error text and timestamp so repeats of the same
// incident collapse into one message.
func dedupKey(r domain.FailureReport) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%d|%s|%s", r.Kind, r.Destination, r.Instance, r.NewHolder)
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, max int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// Remove entries with earliest expiry until within cap.
	for max > 0 && len(s.dedup) > max {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// Exponential backoff: base * 2^(attempt-1)
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

var _ domain.Reporter = (*Service)(nil)

// Package dispatch delivers scheduled jobs: it re-checks the fencing token
// before every attempt, paces sends, retries transient failures and turns
// terminal ones into failure reports.
package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"castbot/internal/domain"
	"castbot/internal/eventbus"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type Config struct {
	InstanceID string
	Workers    int

	// GlobalRate is the bot-wide send rate in messages per second.
	GlobalRate  float64
	GlobalBurst int
	// PerChatInterval is the minimum spacing between sends to one chat.
	PerChatInterval time.Duration
	PerChatBurst    int

	Retry        RetryPolicy
	SendTimeout  time.Duration
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.GlobalRate <= 0 {
		c.GlobalRate = 25
	}
	if c.GlobalBurst <= 0 {
		c.GlobalBurst = 5
	}
	if c.PerChatInterval <= 0 {
		c.PerChatInterval = 3 * time.Second
	}
	if c.PerChatBurst <= 0 {
		c.PerChatBurst = 1
	}
	c.Retry = c.Retry.withDefaults()
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	return c
}

// Fencing is the lease view the dispatcher needs. *lease.Manager implements it.
type Fencing interface {
	Renew(ctx context.Context, destination int64, instanceID string, token int64) (domain.Lease, error)
	Release(ctx context.Context, destination int64, instanceID string) error
}

// Quarantiner keeps a failed destination from being re-claimed locally. *lease.Keeper implements it.
type Quarantiner interface {
	Quarantine(destination int64)
}

type Stats struct {
	Queued      int    `json:"queued"`
	Capacity    int    `json:"capacity"`
	Dropped     uint64 `json:"dropped"`
	InFlight    int32  `json:"in_flight"`
	Sent        uint64 `json:"sent"`
	Stale       uint64 `json:"stale"`
	Retries     uint64 `json:"retries"`
	Failed      uint64 `json:"failed"`
	Unavailable uint64 `json:"unavailable"`
}

type chatLimiter struct {
	lim  *rate.Limiter
	used time.Time
}

type Dispatcher struct {
	queue    *Queue
	fence    Fencing
	quar     Quarantiner
	sender   transport.Sender
	reporter domain.Reporter
	log      logx.Logger
	bus      eventbus.Bus

	mu     sync.Mutex
	cfg    Config
	global *rate.Limiter
	chats  map[int64]*chatLimiter
	// unavailable remembers destination -> token already reported as unavailable.
	unavailable map[int64]int64

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) error

	inFlight atomic.Int32
	sent     atomic.Uint64
	stale    atomic.Uint64
	retries  atomic.Uint64
	failed   atomic.Uint64
	unavail  atomic.Uint64
}

func New(cfg Config, q *Queue, fence Fencing, quar Quarantiner, sender transport.Sender, reporter domain.Reporter, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if reporter == nil {
		reporter = domain.ReporterFunc(func(domain.FailureReport) {})
	}
	d := &Dispatcher{
		queue:       q,
		fence:       fence,
		quar:        quar,
		sender:      sender,
		reporter:    reporter,
		log:         log,
		bus:         bus,
		cfg:         cfg,
		global:      rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		chats:       map[int64]*chatLimiter{},
		unavailable: map[int64]int64{},
		sleep:       sleepCtx,
	}
	q.OnDrop(func(job domain.DeliveryJob) {
		d.log.Warn("job dropped (queue full)", logx.Int64("destination", job.Destination), logx.String("job", job.ID))
		eventbus.Emit(d.bus, eventbus.JobDropped, job)
	})
	return d
}

// Apply swaps rate limits and retry policy. Worker count needs a restart.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	defer d.mu.Unlock()
	cfg.Workers = d.cfg.Workers
	cfg.InstanceID = d.cfg.InstanceID
	d.cfg = cfg
	d.global.SetLimit(rate.Limit(cfg.GlobalRate))
	d.global.SetBurst(cfg.GlobalBurst)
	for _, cl := range d.chats {
		cl.lim.SetLimit(rate.Every(cfg.PerChatInterval))
		cl.lim.SetBurst(cfg.PerChatBurst)
	}
}

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Start launches the workers. They run until Stop or ctx ends.
func (d *Dispatcher) Start(ctx context.Context) {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.cancel != nil {
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	cfg := d.config()
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(wctx, i)
	}
	d.log.Info("dispatcher started", logx.Int("workers", cfg.Workers), logx.Int("queue_cap", d.queue.Cap()))
}

// Stop closes intake and lets workers drain queued jobs until DrainTimeout
// (or ctx) runs out, then cancels whatever is still in flight.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.queue.Close()
	d.runMu.Lock()
	cancel := d.cancel
	d.runMu.Unlock()
	if cancel == nil {
		return nil
	}

	start := time.Now()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(d.config().DrainTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-done:
	case <-timer.C:
		err = fmt.Errorf("dispatch: drain timeout, %d jobs abandoned", d.queue.Len()+int(d.inFlight.Load()))
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()
	<-done
	d.log.Info("dispatcher stopped", logx.Duration("took", time.Since(start)), logx.Uint64("sent", d.sent.Load()))
	return err
}

func (d *Dispatcher) worker(ctx context.Context, idx int) {
	defer d.wg.Done()
	// Per-worker RNG: avoids global lock contention when many jobs retry concurrently.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	jobs := d.queue.Jobs()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-jobs:
			d.inFlight.Add(1)
			d.runJob(ctx, job, rng)
			d.inFlight.Add(-1)
		case <-d.queue.Closed():
			// Drain what is left, then exit.
			select {
			case job := <-jobs:
				d.inFlight.Add(1)
				d.runJob(ctx, job, rng)
				d.inFlight.Add(-1)
			default:
				return
			}
		}
	}
}

// runJob isolates one job so a panic cannot take down the worker.
func (d *Dispatcher) runJob(ctx context.Context, job domain.DeliveryJob, rng *rand.Rand) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("job panic", logx.Int64("destination", job.Destination), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			d.failed.Add(1)
			d.raise(domain.FailureReport{Kind: domain.ReportDeliveryFailed, Destination: job.Destination, Attempts: job.Attempt, Err: fmt.Sprintf("panic: %v", r)})
		}
	}()
	d.Process(ctx, job, rng)
}

// Process runs the attempt loop for one job.
func (d *Dispatcher) Process(ctx context.Context, job domain.DeliveryJob, rng *rand.Rand) {
	cfg := d.config()
	self := cfg.InstanceID
	to := transport.ChatTarget{ChatID: job.Destination}
	log := d.log.With(logx.Int64("destination", job.Destination), logx.String("job", job.ID), logx.Int64("token", job.Token))

	for attempt := 1; ; attempt++ {
		job.Attempt = attempt
		if err := d.pace(ctx, job.Destination); err != nil {
			return
		}
		// The fence is checked after pacing so a reassignment during the wait is seen.
		if _, err := d.fence.Renew(ctx, job.Destination, self, job.Token); err != nil {
			if ctx.Err() != nil {
				return
			}
			d.stale.Add(1)
			log.Debug("stale job dropped", logx.Int("attempt", attempt), logx.Err(err))
			eventbus.Emit(d.bus, eventbus.JobStale, job)
			return
		}

		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := d.sender.SendContent(sctx, to, job.Payload)
		cancel()
		if err == nil {
			d.sent.Add(1)
			log.Debug("job sent", logx.Int("attempt", attempt), logx.String("kind", string(job.Kind)))
			eventbus.Emit(d.bus, eventbus.JobSent, job)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if transport.IsPermanent(err) {
			d.destinationUnavailable(ctx, job, err)
			return
		}
		if attempt > cfg.Retry.Max {
			d.failed.Add(1)
			log.Warn("delivery failed", logx.Int("attempts", attempt), logx.Err(err))
			d.raise(domain.FailureReport{Kind: domain.ReportDeliveryFailed, Destination: job.Destination, Instance: self, Attempts: attempt, Err: err.Error()})
			return
		}

		delay := backoffDelayWithHint(cfg.Retry, attempt, err, rng)
		d.retries.Add(1)
		log.Debug("send retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		eventbus.Emit(d.bus, eventbus.JobRetry, job)
		if err := d.sleep(ctx, delay); err != nil {
			return
		}
	}
}

func (d *Dispatcher) destinationUnavailable(ctx context.Context, job domain.DeliveryJob, err error) {
	self := d.config().InstanceID
	if d.quar != nil {
		d.quar.Quarantine(job.Destination)
	}
	if rerr := d.fence.Release(ctx, job.Destination, self); rerr != nil {
		d.log.Warn("release after permanent failure failed", logx.Int64("destination", job.Destination), logx.Err(rerr))
	}

	d.mu.Lock()
	reported := d.unavailable[job.Destination] == job.Token
	d.unavailable[job.Destination] = job.Token
	d.mu.Unlock()
	if reported {
		return
	}
	d.unavail.Add(1)
	d.log.Warn("destination unavailable", logx.Int64("destination", job.Destination), logx.Err(err))
	d.raise(domain.FailureReport{Kind: domain.ReportDestinationUnavailable, Destination: job.Destination, Instance: self, Attempts: job.Attempt, Err: err.Error()})
}

// pace waits for the per-chat limiter, then the global one.
func (d *Dispatcher) pace(ctx context.Context, chatID int64) error {
	if err := d.chatLimiter(chatID).Wait(ctx); err != nil {
		return err
	}
	return d.global.Wait(ctx)
}

func (d *Dispatcher) chatLimiter(chatID int64) *rate.Limiter {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	cl, ok := d.chats[chatID]
	if !ok {
		cl = &chatLimiter{lim: rate.NewLimiter(rate.Every(d.cfg.PerChatInterval), d.cfg.PerChatBurst)}
		d.chats[chatID] = cl
		if len(d.chats) > 1024 {
			d.pruneChatsLocked(now)
		}
	}
	cl.used = now
	return cl.lim
}

func (d *Dispatcher) pruneChatsLocked(now time.Time) {
	idle := 10 * d.cfg.PerChatInterval
	for id, cl := range d.chats {
		if now.Sub(cl.used) > idle {
			delete(d.chats, id)
		}
	}
}

func (d *Dispatcher) raise(r domain.FailureReport) {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	eventbus.Emit(d.bus, eventbus.ReportRaised, r)
	d.reporter.Notify(r)
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:      d.queue.Len(),
		Capacity:    d.queue.Cap(),
		Dropped:     d.queue.Dropped(),
		InFlight:    d.inFlight.Load(),
		Sent:        d.sent.Load(),
		Stale:       d.stale.Load(),
		Retries:     d.retries.Load(),
		Failed:      d.failed.Load(),
		Unavailable: d.unavail.Load(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

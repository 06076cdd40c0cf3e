// Package schedule decides when each held destination receives its next post
// and turns due destinations into delivery jobs.
package schedule

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"castbot/internal/domain"
	"castbot/internal/eventbus"
	"castbot/internal/lease"
	logx "castbot/pkg/logx"
)

type Config struct {
	InstanceID      string
	Tick            time.Duration
	DefaultInterval time.Duration
	MaxJitter       time.Duration
	Timezone        string
	OpTimeout       time.Duration
}

// Holdings is the set of leases this instance owns.
type Holdings interface {
	Held() []lease.Held
	Lookup(destination int64) (lease.Held, bool)
}

type Composer interface {
	Regular(c domain.CategoryContent) domain.Payload
	Welcome(c domain.CategoryContent) domain.Payload
}

// Submitter accepts jobs for delivery. The dispatch queue implements it.
type Submitter interface {
	Submit(ctx context.Context, job domain.DeliveryJob) error
}

// Plan is the next-send bookkeeping for one held destination.
type Plan struct {
	Destination int64     `json:"destination"`
	Category    string    `json:"category"`
	Token       int64     `json:"token"`
	Spec        string    `json:"spec"`
	Next        time.Time `json:"next"`
	Last        time.Time `json:"last,omitempty"`
}

type plan struct {
	Plan
	sched cron.Schedule
}

type Scheduler struct {
	held    Holdings
	content domain.ContentStore
	sel     Composer
	out     Submitter
	live    lease.Liveness
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time

	mu    sync.Mutex
	cfg   Config
	loc   *time.Location
	rng   *rand.Rand
	plans map[int64]*plan

	stopped atomic.Bool
	sent    atomic.Uint64
	skipped atomic.Uint64
}

func New(cfg Config, held Holdings, content domain.ContentStore, sel Composer, out Submitter, live lease.Liveness, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		held:    held,
		content: content,
		sel:     sel,
		out:     out,
		live:    live,
		log:     log,
		bus:     bus,
		now:     time.Now,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		plans:   map[int64]*plan{},
	}
	s.Apply(cfg)
	return s
}

// SetClock replaces time.Now. Tests only.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Apply swaps the hot-reloadable settings. Existing plans keep their next
// send time; new values apply from the following computation.
func (s *Scheduler) Apply(cfg Config) {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = time.Hour
	}
	if cfg.MaxJitter < 0 {
		cfg.MaxJitter = 0
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 3 * time.Second
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		}
	}
	s.mu.Lock()
	s.cfg = cfg
	s.loc = loc
	s.mu.Unlock()
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.config().Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Stop makes the scheduler stop producing jobs. Run keeps ticking idle until
// its context ends.
func (s *Scheduler) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		s.log.Info("scheduler stopped", logx.Uint64("submitted", s.sent.Load()))
	}
}

func (s *Scheduler) selfLive() bool {
	return s.live == nil || s.live.Status(s.config().InstanceID) == domain.StatusLive
}

// Tick schedules every held destination and submits the ones that are due.
func (s *Scheduler) Tick(ctx context.Context) {
	if s.stopped.Load() || !s.selfLive() {
		return
	}
	now := s.now()
	held := s.held.Held()

	s.mu.Lock()
	keep := make(map[int64]struct{}, len(held))
	for _, h := range held {
		keep[h.Lease.Destination] = struct{}{}
	}
	for d := range s.plans {
		if _, ok := keep[d]; !ok {
			delete(s.plans, d)
		}
	}
	s.mu.Unlock()

	for _, h := range held {
		if ctx.Err() != nil || s.stopped.Load() {
			return
		}
		p := s.planFor(ctx, h, now)
		if p == nil || now.Before(p.Next) {
			continue
		}
		s.fire(ctx, h, now)
	}
}

// planFor returns the plan for h, computing a fresh one when ownership or
// category changed.
func (s *Scheduler) planFor(ctx context.Context, h lease.Held, now time.Time) *plan {
	s.mu.Lock()
	p := s.plans[h.Lease.Destination]
	if p != nil && p.Token == h.Lease.Token && p.Category == h.Destination.Category {
		out := *p
		s.mu.Unlock()
		return &out
	}
	s.mu.Unlock()

	spec := ""
	c, err := s.loadContent(ctx, h.Destination.Category)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.log.Warn("content load failed", logx.Int64("destination", h.Lease.Destination), logx.String("category", h.Destination.Category), logx.Err(err))
			return nil
		}
	} else {
		spec = c.Schedule
	}

	np := &plan{Plan: Plan{
		Destination: h.Lease.Destination,
		Category:    h.Destination.Category,
		Token:       h.Lease.Token,
	}}
	s.reschedule(np, spec, now)
	s.mu.Lock()
	s.plans[h.Lease.Destination] = np
	out := *np
	s.mu.Unlock()
	s.log.Debug("destination scheduled",
		logx.Int64("destination", np.Destination),
		logx.Int64("token", np.Token),
		logx.String("spec", np.Spec),
		logx.Time("next", np.Next),
	)
	return &out
}

// reschedule compiles spec when it changed and sets the next send time with jitter.
func (s *Scheduler) reschedule(p *plan, spec string, now time.Time) {
	cfg := s.config()
	if p.sched == nil || p.Spec != spec {
		sched, err := Compile(spec, cfg.DefaultInterval)
		if err != nil {
			s.log.Warn("invalid category schedule, using default interval", logx.String("category", p.Category), logx.String("spec", spec), logx.Err(err))
			sched = cron.Every(cfg.DefaultInterval)
		}
		p.sched = sched
		p.Spec = spec
	}
	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	p.Next = p.sched.Next(now.In(loc)).Add(s.jitter(cfg.MaxJitter))
}

func (s *Scheduler) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.rng.Int63n(int64(max)))
}

func (s *Scheduler) fire(ctx context.Context, h lease.Held, now time.Time) {
	dest := h.Lease.Destination
	c, err := s.loadContent(ctx, h.Destination.Category)

	s.mu.Lock()
	p := s.plans[dest]
	s.mu.Unlock()
	if p == nil {
		return
	}
	spec := p.Spec
	if err == nil {
		spec = c.Schedule
	}
	np := *p
	np.Last = now
	s.reschedule(&np, spec, now)
	s.mu.Lock()
	if cur := s.plans[dest]; cur == p {
		s.plans[dest] = &np
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("content load failed", logx.Int64("destination", dest), logx.String("category", h.Destination.Category), logx.Err(err))
		return
	}
	payload := s.sel.Regular(c)
	if payload.IsEmpty() {
		s.skipped.Add(1)
		s.log.Debug("empty payload skipped", logx.Int64("destination", dest), logx.String("category", c.Slug))
		return
	}
	s.submit(ctx, domain.DeliveryJob{
		ID:          uuid.NewString(),
		Kind:        domain.JobRegular,
		Destination: dest,
		Category:    c.Slug,
		Token:       h.Lease.Token,
		Payload:     payload,
		ScheduledAt: now,
	})
}

// Welcome handles a member-join update. Destinations this instance does not
// hold are ignored so only the lease holder greets.
func (s *Scheduler) Welcome(ctx context.Context, chatID int64) error {
	if s.stopped.Load() || !s.selfLive() {
		return nil
	}
	h, ok := s.held.Lookup(chatID)
	if !ok {
		return nil
	}
	c, err := s.loadContent(ctx, h.Destination.Category)
	if err != nil {
		return err
	}
	payload := s.sel.Welcome(c)
	if payload.IsEmpty() {
		return nil
	}
	return s.submit(ctx, domain.DeliveryJob{
		ID:          uuid.NewString(),
		Kind:        domain.JobWelcome,
		Destination: chatID,
		Category:    c.Slug,
		Token:       h.Lease.Token,
		Payload:     payload,
		ScheduledAt: s.now(),
	})
}

func (s *Scheduler) submit(ctx context.Context, job domain.DeliveryJob) error {
	if err := s.out.Submit(ctx, job); err != nil {
		if ctx.Err() == nil {
			s.log.Warn("job submit failed", logx.Int64("destination", job.Destination), logx.String("job", job.ID), logx.Err(err))
		}
		return err
	}
	s.sent.Add(1)
	eventbus.Emit(s.bus, eventbus.JobScheduled, job)
	return nil
}

func (s *Scheduler) loadContent(ctx context.Context, category string) (domain.CategoryContent, error) {
	cctx, cancel := context.WithTimeout(ctx, s.config().OpTimeout)
	defer cancel()
	return s.content.GetCategoryContent(cctx, category)
}

// Plans returns the current per-destination schedule ordered by destination.
func (s *Scheduler) Plans() []Plan {
	s.mu.Lock()
	out := make([]Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p.Plan)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}

type Stats struct {
	Submitted uint64 `json:"submitted"`
	Skipped   uint64 `json:"skipped"`
	Stopped   bool   `json:"stopped"`
}

func (s *Scheduler) Stats() Stats {
	return Stats{Submitted: s.sent.Load(), Skipped: s.skipped.Load(), Stopped: s.stopped.Load()}
}

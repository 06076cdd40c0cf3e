package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"castbot/internal/domain"
	logx "castbot/pkg/logx"
	"castbot/pkg/systemd"
)

type EmitterConfig struct {
	InstanceID string
	Scope      []string
	Interval   time.Duration
	OpTimeout  time.Duration
}

// Emitter writes this instance's heartbeat on a fixed interval and mirrors
// its lifecycle to systemd.
type Emitter struct {
	store  domain.HeartbeatStore
	cfg    EmitterConfig
	log    logx.Logger
	notify systemd.Notifier
	now    func() time.Time

	startedAt time.Time

	// beatMu serializes writes so a periodic beat never lands after the
	// final stopped one.
	beatMu sync.Mutex

	mu       sync.Mutex
	phase    domain.Phase
	lastBeat time.Time
	failures atomic.Uint64
}

type EmitterOption func(*Emitter)

func WithNotifier(n systemd.Notifier) EmitterOption {
	return func(e *Emitter) { e.notify = n }
}

func WithEmitterClock(now func() time.Time) EmitterOption {
	return func(e *Emitter) { e.now = now }
}

func NewEmitter(store domain.HeartbeatStore, cfg EmitterConfig, log logx.Logger, opts ...EmitterOption) *Emitter {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 3 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Emitter{
		store:  store,
		cfg:    cfg,
		log:    log,
		notify: systemd.Default,
		now:    time.Now,
		phase:  domain.PhaseStarting,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.startedAt = e.now()
	return e
}

// Run beats immediately and then every Interval until ctx is canceled.
func (e *Emitter) Run(ctx context.Context) error {
	t := time.NewTicker(e.cfg.Interval)
	defer t.Stop()
	for {
		if e.Phase() == domain.PhaseStopped {
			return nil
		}
		if err := e.Beat(ctx); err == nil {
			_, _ = e.notify.Watchdog()
		} else if ctx.Err() == nil {
			e.log.Warn("heartbeat write failed", logx.Err(err), logx.Uint64("failures", e.failures.Load()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Beat writes one heartbeat with the current phase.
func (e *Emitter) Beat(ctx context.Context) error {
	e.beatMu.Lock()
	defer e.beatMu.Unlock()
	e.mu.Lock()
	phase := e.phase
	e.mu.Unlock()

	now := e.now()
	hb := domain.Heartbeat{
		InstanceID: e.cfg.InstanceID,
		Scope:      e.cfg.Scope,
		Phase:      phase,
		StartedAt:  e.startedAt,
		BeatAt:     now,
	}
	wctx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
	defer cancel()
	if err := e.store.UpsertHeartbeat(wctx, hb); err != nil {
		e.failures.Add(1)
		return err
	}
	e.mu.Lock()
	e.lastBeat = now
	e.mu.Unlock()
	return nil
}

// MarkRunning switches the phase to running, beats, and signals READY.
func (e *Emitter) MarkRunning(ctx context.Context) error {
	e.setPhase(domain.PhaseRunning)
	if err := e.Beat(ctx); err != nil {
		return err
	}
	if ok, err := e.notify.Ready(); err != nil {
		e.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		e.log.Debug("sd_notify ready sent")
	}
	return nil
}

// Stop writes a final stopped beat so peers can fail over without waiting
// for the timeout. Run returns on its next tick.
func (e *Emitter) Stop(ctx context.Context) error {
	_, _ = e.notify.Stopping()
	e.setPhase(domain.PhaseStopped)
	return e.Beat(ctx)
}

func (e *Emitter) setPhase(p domain.Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

func (e *Emitter) Phase() domain.Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Emitter) LastBeat() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastBeat
}

func (e *Emitter) Failures() uint64 { return e.failures.Load() }

func (e *Emitter) StartedAt() time.Time { return e.startedAt }

package heartbeat

import (
	"context"
	"sort"
	"sync"
	"time"

	"castbot/internal/domain"
	"castbot/internal/eventbus"
	logx "castbot/pkg/logx"
)

type MonitorConfig struct {
	Tick      time.Duration
	Timeout   time.Duration
	DeadGrace time.Duration
	OpTimeout time.Duration
}

// Transition is a status change observed on one poll.
type Transition struct {
	Instance domain.BotInstance
	From     domain.InstanceStatus
	To       domain.InstanceStatus
}

// Snapshot is the monitor's view of every known instance at one point in time.
type Snapshot struct {
	At        time.Time
	Instances []domain.BotInstance
}

func (s Snapshot) Get(id string) (domain.BotInstance, bool) {
	for _, b := range s.Instances {
		if b.ID == id {
			return b, true
		}
	}
	return domain.BotInstance{}, false
}

func (s Snapshot) WithStatus(st domain.InstanceStatus) []domain.BotInstance {
	var out []domain.BotInstance
	for _, b := range s.Instances {
		if b.Status == st {
			out = append(out, b)
		}
	}
	return out
}

// Listener is called after every successful poll, in registration order.
type Listener interface {
	OnTick(ctx context.Context, snap Snapshot, transitions []Transition)
}

// Monitor turns durable heartbeats into instance statuses:
//
//	Starting  phase starting and fresh
//	Live      age <= Timeout
//	Suspect   Timeout < age <= Timeout+DeadGrace
//	Dead      age > Timeout+DeadGrace, or phase stopped
//
// The move into Dead is reported once per outage.
type Monitor struct {
	store domain.HeartbeatStore
	cfg   MonitorConfig
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	mu        sync.RWMutex
	state     map[string]domain.BotInstance
	polledAt  time.Time
	listeners []Listener
}

func NewMonitor(store domain.HeartbeatStore, cfg MonitorConfig, log logx.Logger, bus eventbus.Bus) *Monitor {
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.DeadGrace < 0 {
		cfg.DeadGrace = 0
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 3 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{store: store, cfg: cfg, log: log, bus: bus, now: time.Now, state: map[string]domain.BotInstance{}}
}

// SetClock replaces time.Now. Tests only.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

func (m *Monitor) AddListener(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

func (m *Monitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.cfg.Tick)
	defer t.Stop()
	for {
		if err := m.Poll(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("heartbeat poll failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Poll reads all heartbeats, advances statuses and notifies listeners.
// On a store error the previous view is kept and listeners are not called.
func (m *Monitor) Poll(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, m.cfg.OpTimeout)
	hbs, err := m.store.ListHeartbeats(rctx)
	cancel()
	if err != nil {
		return err
	}
	transitions := m.Observe(m.now(), hbs)
	for _, tr := range transitions {
		m.logTransition(tr)
		eventbus.Emit(m.bus, eventbus.InstanceStatusChanged, tr)
	}

	snap := m.Snapshot()
	m.mu.RLock()
	ls := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, l := range ls {
		l.OnTick(ctx, snap, transitions)
	}
	return nil
}

// Observe applies one set of heartbeats at now and returns the status changes.
func (m *Monitor) Observe(now time.Time, hbs []domain.Heartbeat) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(hbs))
	var out []Transition
	for _, hb := range hbs {
		if hb.InstanceID == "" {
			continue
		}
		seen[hb.InstanceID] = struct{}{}
		next := domain.BotInstance{
			ID:            hb.InstanceID,
			Scope:         hb.Scope,
			Status:        m.classify(hb, now),
			LastHeartbeat: hb.BeatAt,
			StartedAt:     hb.StartedAt,
		}
		prev, known := m.state[hb.InstanceID]
		m.state[hb.InstanceID] = next
		if known && prev.Status == next.Status {
			continue
		}
		out = append(out, Transition{Instance: next, From: prev.Status, To: next.Status})
	}
	for id := range m.state {
		if _, ok := seen[id]; !ok {
			delete(m.state, id)
		}
	}
	m.polledAt = now
	sort.Slice(out, func(i, j int) bool { return out[i].Instance.ID < out[j].Instance.ID })
	return out
}

func (m *Monitor) classify(hb domain.Heartbeat, now time.Time) domain.InstanceStatus {
	if hb.Phase == domain.PhaseStopped {
		return domain.StatusDead
	}
	age := now.Sub(hb.BeatAt)
	switch {
	case age > m.cfg.Timeout+m.cfg.DeadGrace:
		return domain.StatusDead
	case age > m.cfg.Timeout:
		return domain.StatusSuspect
	case hb.Phase == domain.PhaseStarting:
		return domain.StatusStarting
	default:
		return domain.StatusLive
	}
}

func (m *Monitor) logTransition(tr Transition) {
	fields := []logx.Field{
		logx.String("instance", tr.Instance.ID),
		logx.String("from", string(tr.From)),
		logx.String("to", string(tr.To)),
		logx.Time("last_heartbeat", tr.Instance.LastHeartbeat),
	}
	switch tr.To {
	case domain.StatusDead:
		m.log.Warn("instance dead", fields...)
	case domain.StatusSuspect:
		m.log.Info("instance suspect", fields...)
	default:
		if tr.From == domain.StatusDead || tr.From == domain.StatusSuspect {
			m.log.Info("instance recovered", fields...)
			return
		}
		m.log.Debug("instance status", fields...)
	}
}

// Status implements lease.Liveness. Unknown instances return "".
func (m *Monitor) Status(id string) domain.InstanceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state[id].Status
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := Snapshot{At: m.polledAt, Instances: make([]domain.BotInstance, 0, len(m.state))}
	for _, b := range m.state {
		snap.Instances = append(snap.Instances, b)
	}
	sort.Slice(snap.Instances, func(i, j int) bool { return snap.Instances[i].ID < snap.Instances[j].ID })
	return snap
}

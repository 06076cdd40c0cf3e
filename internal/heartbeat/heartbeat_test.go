package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"castbot/internal/domain"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

var t0 = time.Unix(1_700_000_000, 0)

func newMonitor() *Monitor {
	return NewMonitor(nil, MonitorConfig{Timeout: 30 * time.Second, DeadGrace: 10 * time.Second}, logx.Nop(), nil)
}

func TestClassify(t *testing.T) {
	t.Parallel()
	m := newMonitor()
	tests := []struct {
		name  string
		phase domain.Phase
		age   time.Duration
		want  domain.InstanceStatus
	}{
		{"fresh running", domain.PhaseRunning, time.Second, domain.StatusLive},
		{"fresh starting", domain.PhaseStarting, time.Second, domain.StatusStarting},
		{"at timeout", domain.PhaseRunning, 30 * time.Second, domain.StatusLive},
		{"past timeout", domain.PhaseRunning, 31 * time.Second, domain.StatusSuspect},
		{"stale starting", domain.PhaseStarting, 35 * time.Second, domain.StatusSuspect},
		{"end of grace", domain.PhaseRunning, 40 * time.Second, domain.StatusSuspect},
		{"past grace", domain.PhaseRunning, 41 * time.Second, domain.StatusDead},
		{"stopped", domain.PhaseStopped, 0, domain.StatusDead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hb := domain.Heartbeat{InstanceID: "a", Phase: tt.phase, BeatAt: t0}
			if got := m.classify(hb, t0.Add(tt.age)); got != tt.want {
				t.Fatalf("classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestObserveDeadTransitionOnce(t *testing.T) {
	t.Parallel()
	m := newMonitor()
	hbs := []domain.Heartbeat{{InstanceID: "a", Phase: domain.PhaseRunning, BeatAt: t0}}

	if tr := m.Observe(t0, hbs); len(tr) != 1 || tr[0].To != domain.StatusLive {
		t.Fatalf("first observe = %+v", tr)
	}
	if tr := m.Observe(t0.Add(35*time.Second), hbs); len(tr) != 1 || tr[0].To != domain.StatusSuspect {
		t.Fatalf("suspect observe = %+v", tr)
	}
	tr := m.Observe(t0.Add(45*time.Second), hbs)
	if len(tr) != 1 || tr[0].From != domain.StatusSuspect || tr[0].To != domain.StatusDead {
		t.Fatalf("dead observe = %+v", tr)
	}
	if tr := m.Observe(t0.Add(90*time.Second), hbs); len(tr) != 0 {
		t.Fatalf("dead reported twice: %+v", tr)
	}
	if m.Status("a") != domain.StatusDead {
		t.Fatalf("status = %s", m.Status("a"))
	}

	hbs[0].BeatAt = t0.Add(100 * time.Second)
	tr = m.Observe(t0.Add(101*time.Second), hbs)
	if len(tr) != 1 || tr[0].From != domain.StatusDead || tr[0].To != domain.StatusLive {
		t.Fatalf("recovery = %+v", tr)
	}
}

func TestObserveForgetsRemovedInstances(t *testing.T) {
	t.Parallel()
	m := newMonitor()
	m.Observe(t0, []domain.Heartbeat{{InstanceID: "a", BeatAt: t0, Phase: domain.PhaseRunning}, {InstanceID: "b", BeatAt: t0, Phase: domain.PhaseRunning}})
	m.Observe(t0, []domain.Heartbeat{{InstanceID: "a", BeatAt: t0, Phase: domain.PhaseRunning}})
	if m.Status("b") != "" {
		t.Fatalf("removed instance still tracked: %s", m.Status("b"))
	}
	snap := m.Snapshot()
	if len(snap.Instances) != 1 || snap.Instances[0].ID != "a" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

type recorder struct {
	mu    sync.Mutex
	ticks int
	last  []Transition
}

func (r *recorder) OnTick(_ context.Context, _ Snapshot, tr []Transition) {
	r.mu.Lock()
	r.ticks++
	r.last = tr
	r.mu.Unlock()
}

type brokenHeartbeats struct{ domain.HeartbeatStore }

func (brokenHeartbeats) ListHeartbeats(context.Context) ([]domain.Heartbeat, error) {
	return nil, errors.New("database is locked")
}

func TestPollNotifiesListeners(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	_ = st.UpsertHeartbeat(ctx, domain.Heartbeat{InstanceID: "a", Phase: domain.PhaseRunning, BeatAt: t0})

	m := NewMonitor(st, MonitorConfig{Timeout: 30 * time.Second}, logx.Nop(), nil)
	m.SetClock(func() time.Time { return t0.Add(time.Second) })
	rec := &recorder{}
	m.AddListener(rec)
	if err := m.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if rec.ticks != 1 || len(rec.last) != 1 || rec.last[0].Instance.ID != "a" {
		t.Fatalf("listener saw %d ticks, %+v", rec.ticks, rec.last)
	}

	broken := NewMonitor(brokenHeartbeats{}, MonitorConfig{}, logx.Nop(), nil)
	broken.AddListener(rec)
	if err := broken.Poll(ctx); err == nil {
		t.Fatal("expected store error")
	}
	if rec.ticks != 1 {
		t.Fatal("listener called after failed poll")
	}
}

func TestEmitterLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	var (
		mu     sync.Mutex
		states []string
	)
	notify := func(state string) (bool, error) {
		mu.Lock()
		states = append(states, state)
		mu.Unlock()
		return true, nil
	}
	now := t0
	e := NewEmitter(st, EmitterConfig{InstanceID: "a", Scope: []string{"news"}}, logx.Nop(),
		WithNotifier(notify), WithEmitterClock(func() time.Time { return now }))

	phaseOf := func() domain.Phase {
		hbs, err := st.ListHeartbeats(ctx)
		if err != nil || len(hbs) != 1 {
			t.Fatalf("heartbeats = %v, %v", hbs, err)
		}
		return hbs[0].Phase
	}

	if err := e.Beat(ctx); err != nil {
		t.Fatal(err)
	}
	if phaseOf() != domain.PhaseStarting {
		t.Fatal("first beat should be starting")
	}
	now = now.Add(time.Second)
	if err := e.MarkRunning(ctx); err != nil {
		t.Fatal(err)
	}
	if phaseOf() != domain.PhaseRunning || !e.LastBeat().Equal(now) {
		t.Fatalf("phase = %s, last = %v", phaseOf(), e.LastBeat())
	}
	if err := e.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if phaseOf() != domain.PhaseStopped {
		t.Fatal("stop did not write a stopped beat")
	}
	if err := e.Run(ctx); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != "READY=1" || states[1] != "STOPPING=1" {
		t.Fatalf("sd_notify states = %v", states)
	}
}

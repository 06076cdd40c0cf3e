package failover

import (
	"context"
	"sync"
	"testing"
	"time"

	"castbot/internal/domain"
	"castbot/internal/heartbeat"
	"castbot/internal/lease"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

var t0 = time.Unix(1_700_000_000, 0)

type reports struct {
	mu  sync.Mutex
	got []domain.FailureReport
}

func (r *reports) Notify(rep domain.FailureReport) {
	r.mu.Lock()
	r.got = append(r.got, rep)
	r.mu.Unlock()
}

func (r *reports) kinds() []domain.ReportKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ReportKind, 0, len(r.got))
	for _, rep := range r.got {
		out = append(out, rep.Kind)
	}
	return out
}

type fixture struct {
	st  *storage.Memory
	mgr *lease.Manager
	rep *reports
	c   *Coordinator
}

func newFixture(t *testing.T, self string, dests ...domain.Destination) *fixture {
	t.Helper()
	st := storage.NewMemory()
	for _, d := range dests {
		if err := st.PutDestination(context.Background(), d); err != nil {
			t.Fatal(err)
		}
	}
	mgr := lease.NewManager(st, lease.Config{TTL: time.Minute}, logx.Nop(), nil, lease.WithClock(func() time.Time { return t0 }))
	rep := &reports{}
	return &fixture{st: st, mgr: mgr, rep: rep, c: New(Config{InstanceID: self}, mgr, st, rep, logx.Nop(), nil)}
}

func (f *fixture) lease(t *testing.T, dest int64) domain.Lease {
	t.Helper()
	l, ok, err := f.mgr.Get(context.Background(), dest)
	if err != nil || !ok {
		t.Fatalf("lease %d: ok=%v err=%v", dest, ok, err)
	}
	return l
}

func inst(id string, st domain.InstanceStatus, beat time.Duration, scope ...string) domain.BotInstance {
	return domain.BotInstance{ID: id, Status: st, Scope: scope, LastHeartbeat: t0.Add(beat)}
}

func TestFailoverWithinOneTick(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "b",
		domain.Destination{ChatID: -1, Category: "news", Active: true},
		domain.Destination{ChatID: -2, Category: "memes", Active: true},
	)
	old1, _ := f.mgr.Acquire(ctx, -1, "dead")
	old2, _ := f.mgr.Acquire(ctx, -2, "dead")

	snap := heartbeat.Snapshot{At: t0, Instances: []domain.BotInstance{
		inst("b", domain.StatusLive, 2*time.Second, "news"),
		inst("c", domain.StatusLive, time.Second),
		inst("dead", domain.StatusDead, -time.Hour),
	}}
	f.c.OnTick(ctx, snap, nil)

	if !f.c.IsLeader() {
		t.Fatal("coordinator did not take leadership")
	}
	l1, l2 := f.lease(t, -1), f.lease(t, -2)
	// Equal load, b has the fresher heartbeat.
	if l1.Holder != "b" || l1.Token <= old1.Token {
		t.Fatalf("-1 = %+v", l1)
	}
	// Only c (global scope) serves memes.
	if l2.Holder != "c" || l2.Token <= old2.Token {
		t.Fatalf("-2 = %+v", l2)
	}
	if got := f.rep.kinds(); len(got) != 2 || got[0] != domain.ReportInstanceFailover || got[1] != domain.ReportInstanceFailover {
		t.Fatalf("reports = %v", got)
	}

	f.c.OnTick(ctx, snap, nil)
	if got := f.rep.kinds(); len(got) != 2 {
		t.Fatalf("second tick raised reports: %v", got)
	}
}

func TestFailoverSpreadsByLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "b",
		domain.Destination{ChatID: -1, Category: "news", Active: true},
		domain.Destination{ChatID: -2, Category: "news", Active: true},
	)
	_, _ = f.mgr.Acquire(ctx, -1, "dead")
	_, _ = f.mgr.Acquire(ctx, -2, "dead")

	snap := heartbeat.Snapshot{Instances: []domain.BotInstance{
		inst("b", domain.StatusLive, 0),
		inst("c", domain.StatusLive, 0),
		inst("dead", domain.StatusDead, -time.Hour),
	}}
	f.c.OnTick(ctx, snap, nil)
	if a, b := f.lease(t, -1).Holder, f.lease(t, -2).Holder; a == b {
		t.Fatalf("both destinations moved to %s", a)
	}
}

func TestNoHealthyInstanceThenRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "b", domain.Destination{ChatID: -2, Category: "memes", Active: true})
	_, _ = f.mgr.Acquire(ctx, -2, "dead")

	snap := heartbeat.Snapshot{Instances: []domain.BotInstance{
		inst("b", domain.StatusLive, 0, "news"),
		inst("dead", domain.StatusDead, -time.Hour),
	}}
	f.c.OnTick(ctx, snap, nil)
	f.c.OnTick(ctx, snap, nil)

	if l := f.lease(t, -2); l.Holder != "" || l.Active(t0) {
		t.Fatalf("lease not revoked: %+v", l)
	}
	if got := f.rep.kinds(); len(got) != 1 || got[0] != domain.ReportNoHealthyInstance {
		t.Fatalf("reports = %v", got)
	}
	if p := f.c.Pending(); len(p) != 1 || p[0] != -2 {
		t.Fatalf("pending = %v", p)
	}

	snap.Instances = append(snap.Instances, inst("c", domain.StatusLive, 0, "memes"))
	f.c.OnTick(ctx, snap, nil)
	if l := f.lease(t, -2); l.Holder != "c" {
		t.Fatalf("pending destination not retried: %+v", l)
	}
	got := f.rep.kinds()
	if len(got) != 2 || got[1] != domain.ReportInstanceFailover {
		t.Fatalf("reports = %v", got)
	}
	f.rep.mu.Lock()
	last := f.rep.got[1]
	f.rep.mu.Unlock()
	if last.Instance != "dead" || last.NewHolder != "c" {
		t.Fatalf("failover report = %+v", last)
	}
	if len(f.c.Pending()) != 0 {
		t.Fatal("pending not cleared")
	}
}

func TestOnlyLeaderActs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "b", domain.Destination{ChatID: -1, Category: "news", Active: true})
	_, _ = f.mgr.Acquire(ctx, lease.CoordinatorKey, "x")
	_, _ = f.mgr.Acquire(ctx, -1, "dead")

	snap := heartbeat.Snapshot{Instances: []domain.BotInstance{
		inst("b", domain.StatusLive, 0),
		inst("x", domain.StatusLive, 0),
		inst("dead", domain.StatusDead, -time.Hour),
	}}
	f.c.OnTick(ctx, snap, nil)
	if f.c.IsLeader() || f.lease(t, -1).Holder != "dead" {
		t.Fatal("follower acted")
	}

	// The leader itself dies: b takes over before the coordinator lease expires.
	snap.Instances[1].Status = domain.StatusDead
	f.c.OnTick(ctx, snap, nil)
	if !f.c.IsLeader() {
		t.Fatal("dead leader not superseded")
	}
	if f.lease(t, -1).Holder != "b" {
		t.Fatalf("-1 = %+v", f.lease(t, -1))
	}
}

func TestNoLeadershipWhileNotLive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, "b")
	snap := heartbeat.Snapshot{Instances: []domain.BotInstance{inst("b", domain.StatusLive, 0)}}
	f.c.OnTick(ctx, snap, nil)
	if !f.c.IsLeader() {
		t.Fatal("not leader")
	}
	snap.Instances[0].Status = domain.StatusSuspect
	f.c.OnTick(ctx, snap, nil)
	if f.c.IsLeader() {
		t.Fatal("suspect instance kept leadership")
	}
	if l := f.lease(t, lease.CoordinatorKey); l.Holder != "" {
		t.Fatalf("coordinator lease not released: %+v", l)
	}
}

func TestPickCandidate(t *testing.T) {
	t.Parallel()
	snap := heartbeat.Snapshot{Instances: []domain.BotInstance{
		inst("a", domain.StatusLive, 0, "news"),
		inst("b", domain.StatusLive, time.Second, "news"),
		inst("c", domain.StatusSuspect, 2*time.Second),
		inst("d", domain.StatusLive, 0, "memes"),
	}}
	tests := []struct {
		name     string
		category string
		load     map[string]int
		want     string
		ok       bool
	}{
		{"freshest heartbeat", "news", nil, "b", true},
		{"fewest leases", "news", map[string]int{"b": 2, "a": 1}, "a", true},
		{"id tiebreak", "memes", nil, "d", true},
		{"nobody", "sports", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := pickCandidate(snap, tt.category, tt.load)
			if ok != tt.ok || got.ID != tt.want {
				t.Fatalf("pick = %q %v, want %q %v", got.ID, ok, tt.want, tt.ok)
			}
		})
	}
}

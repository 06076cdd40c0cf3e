package lease

import (
	"context"
	"testing"
	"time"

	"castbot/internal/domain"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

type staticLiveness map[string]domain.InstanceStatus

func (s staticLiveness) Status(id string) domain.InstanceStatus { return s[id] }

func seed(t *testing.T, st *storage.Memory, dests ...domain.Destination) {
	t.Helper()
	for _, d := range dests {
		if err := st.PutDestination(context.Background(), d); err != nil {
			t.Fatal(err)
		}
	}
}

func TestKeeperClaimsWithinScope(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	seed(t, st,
		domain.Destination{ChatID: -1, Category: "news", Active: true},
		domain.Destination{ChatID: -2, Category: "memes", Active: true},
		domain.Destination{ChatID: -3, Category: "news", Active: false},
		domain.Destination{ChatID: -4, Category: "memes", AssignedInstance: "a", Active: true},
		domain.Destination{ChatID: -5, Category: "news", AssignedInstance: "b", Active: true},
	)
	clk := newClock()
	m := newManager(st, clk)
	live := staticLiveness{"a": domain.StatusLive, "b": domain.StatusLive}
	k := NewKeeper(KeeperConfig{InstanceID: "a", Scope: []string{"news"}}, m, st, live, logx.Nop(), nil)

	k.Tick(ctx)

	got := map[int64]bool{}
	for _, h := range k.Held() {
		got[h.Lease.Destination] = true
	}
	// -1 in scope, -4 explicitly assigned; -2 out of scope, -3 inactive, -5 assigned to a live peer.
	if len(got) != 2 || !got[-1] || !got[-4] {
		t.Fatalf("held = %v", got)
	}
}

func TestKeeperTakesOrphanOfDeadAssignee(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	seed(t, st, domain.Destination{ChatID: -9, Category: "news", AssignedInstance: "b", Active: true})
	m := newManager(st, newClock())
	live := staticLiveness{"a": domain.StatusLive, "b": domain.StatusDead}
	k := NewKeeper(KeeperConfig{InstanceID: "a"}, m, st, live, logx.Nop(), nil)

	k.Tick(ctx)
	if h, ok := k.Lookup(-9); !ok || h.Lease.Holder != "a" {
		t.Fatalf("orphan not claimed: %+v %v", h, ok)
	}
}

func TestKeeperDoesNotClaimWhileNotLive(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seed(t, st, domain.Destination{ChatID: -1, Category: "news", Active: true})
	m := newManager(st, newClock())
	k := NewKeeper(KeeperConfig{InstanceID: "a"}, m, st, staticLiveness{"a": domain.StatusStarting}, logx.Nop(), nil)

	k.Tick(context.Background())
	if len(k.Held()) != 0 {
		t.Fatalf("claimed while starting: %v", k.Held())
	}
}

func TestKeeperDropsLostLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	seed(t, st, domain.Destination{ChatID: -1, Category: "news", Active: true})
	clk := newClock()
	m := newManager(st, clk)
	live := staticLiveness{"a": domain.StatusLive, "b": domain.StatusLive}
	k := NewKeeper(KeeperConfig{InstanceID: "a"}, m, st, live, logx.Nop(), nil)

	k.Tick(ctx)
	if len(k.Held()) != 1 {
		t.Fatal("nothing claimed")
	}
	if _, err := m.Reassign(ctx, -1, "b"); err != nil {
		t.Fatal(err)
	}
	k.Tick(ctx)
	if len(k.Held()) != 0 {
		t.Fatalf("lost lease still held: %v", k.Held())
	}
}

func TestKeeperQuarantineAndReleaseAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	seed(t, st,
		domain.Destination{ChatID: -1, Category: "news", Active: true},
		domain.Destination{ChatID: -2, Category: "news", Active: true},
	)
	clk := newClock()
	m := newManager(st, clk)
	k := NewKeeper(KeeperConfig{InstanceID: "a", Quarantine: time.Hour}, m, st, staticLiveness{"a": domain.StatusLive}, logx.Nop(), nil)

	k.Tick(ctx)
	k.Quarantine(-1)
	if err := m.Release(ctx, -1, "a"); err != nil {
		t.Fatal(err)
	}
	k.Tick(ctx)
	if _, ok := k.Lookup(-1); ok {
		t.Fatal("quarantined destination re-claimed")
	}

	clk.Advance(2 * time.Hour)
	k.Tick(ctx)
	if _, ok := k.Lookup(-1); !ok {
		t.Fatal("destination not re-claimed after quarantine")
	}

	if err := k.ReleaseAll(ctx); err != nil {
		t.Fatal(err)
	}
	if len(k.Held()) != 0 {
		t.Fatal("leases still held after ReleaseAll")
	}
	leases, _ := m.List(ctx)
	for _, l := range leases {
		if l.Holder != "" {
			t.Fatalf("lease still held in store: %+v", l)
		}
	}
	k.Tick(ctx)
	if len(k.Held()) != 0 {
		t.Fatal("keeper claimed after ReleaseAll")
	}
}

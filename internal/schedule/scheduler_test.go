package schedule

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"castbot/internal/domain"
	"castbot/internal/lease"
	"castbot/internal/selector"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeHoldings struct {
	mu   sync.Mutex
	held map[int64]lease.Held
}

func (f *fakeHoldings) set(dest int64, token int64, category string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held == nil {
		f.held = map[int64]lease.Held{}
	}
	f.held[dest] = lease.Held{
		Lease:       domain.Lease{Destination: dest, Holder: "a", Token: token},
		Destination: domain.Destination{ChatID: dest, Category: category, Active: true},
	}
}

func (f *fakeHoldings) Held() []lease.Held {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]lease.Held, 0, len(f.held))
	for _, h := range f.held {
		out = append(out, h)
	}
	return out
}

func (f *fakeHoldings) Lookup(dest int64) (lease.Held, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.held[dest]
	return h, ok
}

type sink struct {
	mu   sync.Mutex
	jobs []domain.DeliveryJob
}

func (s *sink) Submit(_ context.Context, job domain.DeliveryJob) error {
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type liveness map[string]domain.InstanceStatus

func (l liveness) Status(id string) domain.InstanceStatus { return l[id] }

type harness struct {
	now   time.Time
	held  *fakeHoldings
	out   *sink
	store *storage.Memory
	s     *Scheduler
}

func newHarness(t *testing.T, cfg Config, live liveness) *harness {
	t.Helper()
	st := storage.NewMemory()
	err := st.PutCategory(context.Background(), domain.CategoryContent{
		Slug:     "news",
		Schedule: "10m",
		Copy:     []domain.CopyItem{{ID: 1, Text: "hello", Weight: 1}},
		Welcome:  domain.WelcomeConfig{Mode: domain.WelcomeText, Text: "welcome"},
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = st.PutCategory(context.Background(), domain.CategoryContent{Slug: "empty"})

	h := &harness{now: t0, held: &fakeHoldings{}, out: &sink{}, store: st}
	cfg.InstanceID = "a"
	cfg.Timezone = "UTC"
	h.s = New(cfg, h.held, st, selector.New(rand.NewSource(1)), h.out, live, logx.Nop(), nil)
	h.s.SetClock(func() time.Time { return h.now })
	return h
}

func TestSchedulerFiresWhenDue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{}, liveness{"a": domain.StatusLive})
	h.held.set(-1, 3, "news")

	h.s.Tick(ctx)
	if h.out.count() != 0 {
		t.Fatal("job submitted before schedule")
	}
	plans := h.s.Plans()
	if len(plans) != 1 || !plans[0].Next.Equal(t0.Add(10*time.Minute)) {
		t.Fatalf("plans = %+v", plans)
	}

	h.now = t0.Add(10 * time.Minute)
	h.s.Tick(ctx)
	if h.out.count() != 1 {
		t.Fatalf("jobs = %d", h.out.count())
	}
	job := h.out.jobs[0]
	if job.Token != 3 || job.Kind != domain.JobRegular || job.Destination != -1 || job.ID == "" {
		t.Fatalf("job = %+v", job)
	}
	if job.Payload.Copy == nil || job.Payload.Copy.Text != "hello" {
		t.Fatalf("payload = %+v", job.Payload)
	}
	if next := h.s.Plans()[0].Next; !next.Equal(t0.Add(20 * time.Minute)) {
		t.Fatalf("next = %v", next)
	}

	h.s.Tick(ctx)
	if h.out.count() != 1 {
		t.Fatal("fired twice in the same period")
	}
}

func TestSchedulerRecomputesOnNewToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{}, liveness{"a": domain.StatusLive})
	h.held.set(-1, 1, "news")
	h.s.Tick(ctx)

	h.now = t0.Add(5 * time.Minute)
	h.held.set(-1, 2, "news")
	h.s.Tick(ctx)
	p := h.s.Plans()[0]
	if p.Token != 2 || !p.Next.Equal(t0.Add(15*time.Minute)) {
		t.Fatalf("plan = %+v", p)
	}

	h.now = t0.Add(15 * time.Minute)
	h.s.Tick(ctx)
	if h.out.count() != 1 || h.out.jobs[0].Token != 2 {
		t.Fatalf("jobs = %+v", h.out.jobs)
	}
}

func TestSchedulerIdleUnlessLive(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, liveness{"a": domain.StatusSuspect})
	h.held.set(-1, 1, "news")
	h.s.Tick(context.Background())
	if len(h.s.Plans()) != 0 {
		t.Fatal("suspect instance scheduled")
	}
}

func TestSchedulerSkipsEmptyPayload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{DefaultInterval: time.Minute}, liveness{"a": domain.StatusLive})
	h.held.set(-1, 1, "empty")
	h.s.Tick(ctx)
	h.now = t0.Add(time.Minute)
	h.s.Tick(ctx)
	if h.out.count() != 0 {
		t.Fatalf("empty payload submitted: %+v", h.out.jobs)
	}
	if st := h.s.Stats(); st.Skipped != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSchedulerDropsReleasedDestinations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{}, liveness{"a": domain.StatusLive})
	h.held.set(-1, 1, "news")
	h.s.Tick(ctx)
	h.held.mu.Lock()
	delete(h.held.held, -1)
	h.held.mu.Unlock()
	h.s.Tick(ctx)
	if len(h.s.Plans()) != 0 {
		t.Fatal("plan kept for a destination no longer held")
	}
}

func TestSchedulerJitterBounds(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{MaxJitter: 30 * time.Second}, liveness{"a": domain.StatusLive})
	for i := 0; i < 200; i++ {
		j := h.s.jitter(30 * time.Second)
		if j < 0 || j >= 30*time.Second {
			t.Fatalf("jitter %v out of range", j)
		}
	}
	if h.s.jitter(0) != 0 {
		t.Fatal("jitter without max")
	}
}

func TestWelcomeAndStop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{}, liveness{"a": domain.StatusLive})
	h.held.set(-1, 7, "news")

	if err := h.s.Welcome(ctx, -99); err != nil || h.out.count() != 0 {
		t.Fatalf("welcome for foreign chat: err=%v jobs=%d", err, h.out.count())
	}
	if err := h.s.Welcome(ctx, -1); err != nil {
		t.Fatal(err)
	}
	if h.out.count() != 1 {
		t.Fatal("welcome not submitted")
	}
	job := h.out.jobs[0]
	if job.Kind != domain.JobWelcome || job.Token != 7 || job.Payload.Copy == nil || job.Payload.Copy.Text != "welcome" {
		t.Fatalf("welcome job = %+v", job)
	}

	h.s.Stop()
	h.now = t0.Add(time.Hour)
	h.s.Tick(ctx)
	_ = h.s.Welcome(ctx, -1)
	if h.out.count() != 1 {
		t.Fatal("jobs produced after Stop")
	}
}

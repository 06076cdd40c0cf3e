package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"castbot/internal/domain"
	"castbot/internal/lease"
	"castbot/internal/storage"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type scriptedSender struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedSender) SendContent(ctx context.Context, to transport.ChatTarget, p domain.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	if len(s.errs) > 1 {
		s.errs = s.errs[1:]
	}
	return err
}

func (s *scriptedSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type quarantine struct {
	mu    sync.Mutex
	dests []int64
}

func (q *quarantine) Quarantine(d int64) {
	q.mu.Lock()
	q.dests = append(q.dests, d)
	q.mu.Unlock()
}

type collected struct {
	mu  sync.Mutex
	got []domain.FailureReport
}

func (c *collected) Notify(r domain.FailureReport) {
	c.mu.Lock()
	c.got = append(c.got, r)
	c.mu.Unlock()
}

func (c *collected) all() []domain.FailureReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.FailureReport(nil), c.got...)
}

type fixture struct {
	mgr    *lease.Manager
	sender *scriptedSender
	quar   *quarantine
	rep    *collected
	d      *Dispatcher
	delays []time.Duration
}

func newFixture(t *testing.T, errs ...error) *fixture {
	t.Helper()
	f := &fixture{
		mgr:    lease.NewManager(storage.NewMemory(), lease.Config{TTL: time.Minute}, logx.Nop(), nil),
		sender: &scriptedSender{errs: errs},
		quar:   &quarantine{},
		rep:    &collected{},
	}
	cfg := Config{
		InstanceID:      "a",
		GlobalRate:      1000,
		GlobalBurst:     100,
		PerChatInterval: time.Millisecond,
		PerChatBurst:    100,
		Retry:           RetryPolicy{Max: 2, Base: time.Millisecond, MaxDelay: 10 * time.Millisecond},
	}
	f.d = New(cfg, NewQueue(8, PolicyBlock), f.mgr, f.quar, f.sender, f.rep, logx.Nop(), nil)
	f.d.sleep = func(ctx context.Context, d time.Duration) error {
		f.delays = append(f.delays, d)
		return ctx.Err()
	}
	return f
}

func (f *fixture) job(t *testing.T, dest int64) domain.DeliveryJob {
	t.Helper()
	l, err := f.mgr.Acquire(context.Background(), dest, "a")
	if err != nil {
		t.Fatal(err)
	}
	return domain.DeliveryJob{ID: "j", Kind: domain.JobRegular, Destination: dest, Token: l.Token, Payload: domain.Payload{Copy: &domain.CopyItem{Text: "x"}}}
}

func rng() *rand.Rand { return rand.New(rand.NewSource(1)) }

func TestStaleTokenNeverSends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	job := f.job(t, -1)
	if _, err := f.mgr.Reassign(ctx, -1, "b"); err != nil {
		t.Fatal(err)
	}
	f.d.Process(ctx, job, rng())
	if f.sender.count() != 0 {
		t.Fatal("stale job was sent")
	}
	if st := f.d.Stats(); st.Stale != 1 || st.Sent != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if len(f.rep.all()) != 0 {
		t.Fatal("stale job raised a report")
	}
}

func TestReassignDuringPacingNeverSends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	job := f.job(t, -5)

	// An exhausted per-chat bucket holds the job for ~300ms before its send.
	lim := rate.NewLimiter(rate.Every(300*time.Millisecond), 1)
	lim.Allow()
	f.d.mu.Lock()
	f.d.chats[-5] = &chatLimiter{lim: lim, used: time.Now()}
	f.d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.d.Process(ctx, job, rng())
	}()
	time.Sleep(50 * time.Millisecond)
	if _, err := f.mgr.Reassign(ctx, -5, "b"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
	}

	if f.sender.count() != 0 {
		t.Fatal("job sent after its lease was reassigned")
	}
	if st := f.d.Stats(); st.Stale != 1 || st.Sent != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestTransientThenSuccess(t *testing.T) {
	t.Parallel()
	timeout := transport.Transient(errors.New("timeout"), 0)
	f := newFixture(t, timeout, timeout, nil)
	f.d.Process(context.Background(), f.job(t, -1), rng())

	if f.sender.count() != 3 {
		t.Fatalf("attempts = %d", f.sender.count())
	}
	if st := f.d.Stats(); st.Sent != 1 || st.Retries != 2 {
		t.Fatalf("stats = %+v", st)
	}
	if len(f.rep.all()) != 0 {
		t.Fatalf("reports = %+v", f.rep.all())
	}
}

func TestRetriesExhausted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, transport.Transient(errors.New("bad gateway"), 0))
	f.d.Process(context.Background(), f.job(t, -1), rng())

	if f.sender.count() != 3 {
		t.Fatalf("attempts = %d, want 1 + RetryMax", f.sender.count())
	}
	reps := f.rep.all()
	if len(reps) != 1 || reps[0].Kind != domain.ReportDeliveryFailed || reps[0].Attempts != 3 || reps[0].Destination != -1 {
		t.Fatalf("reports = %+v", reps)
	}
}

func TestRetryAfterHonored(t *testing.T) {
	t.Parallel()
	f := newFixture(t, transport.Transient(errors.New("flood"), 5*time.Second), nil)
	f.d.Process(context.Background(), f.job(t, -1), rng())
	if len(f.delays) != 1 || f.delays[0] < 5*time.Second {
		t.Fatalf("delays = %v", f.delays)
	}
}

func TestPermanentFailureReleasesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, transport.Permanent(errors.New("chat not found"), "chat not found"))
	job := f.job(t, -1)
	f.d.Process(ctx, job, rng())
	f.d.Process(ctx, job, rng())

	if f.sender.count() != 1 {
		t.Fatalf("sends = %d", f.sender.count())
	}
	l, _, _ := f.mgr.Get(ctx, -1)
	if l.Holder != "" || l.Token <= job.Token {
		t.Fatalf("lease not released: %+v", l)
	}
	if len(f.quar.dests) != 1 || f.quar.dests[0] != -1 {
		t.Fatalf("quarantined = %v", f.quar.dests)
	}
	reps := f.rep.all()
	if len(reps) != 1 || reps[0].Kind != domain.ReportDestinationUnavailable {
		t.Fatalf("reports = %+v", reps)
	}
}

func TestQueuePolicies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	q := NewQueue(2, PolicyDropOldest)
	var evicted []string
	q.OnDrop(func(j domain.DeliveryJob) { evicted = append(evicted, j.ID) })
	for _, id := range []string{"1", "2", "3"} {
		if err := q.Submit(ctx, domain.DeliveryJob{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	if q.Dropped() != 1 || len(evicted) != 1 || evicted[0] != "1" {
		t.Fatalf("dropped=%d evicted=%v", q.Dropped(), evicted)
	}
	if j := <-q.Jobs(); j.ID != "2" {
		t.Fatalf("head = %s", j.ID)
	}

	b := NewQueue(1, PolicyBlock)
	_ = b.Submit(ctx, domain.DeliveryJob{ID: "1"})
	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := b.Submit(cctx, domain.DeliveryJob{ID: "2"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("blocked submit err = %v", err)
	}
	b.Close()
	if err := b.Submit(ctx, domain.DeliveryJob{ID: "3"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("submit after close = %v", err)
	}
	if ParsePolicy("DROP_OLDEST") != PolicyDropOldest || ParsePolicy("") != PolicyBlock {
		t.Fatal("ParsePolicy")
	}
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	for i := int64(1); i <= 5; i++ {
		if err := f.d.queue.Submit(ctx, f.job(t, -i)); err != nil {
			t.Fatal(err)
		}
	}
	f.d.Start(ctx)
	if err := f.d.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := f.d.Stats().Sent; got != 5 {
		t.Fatalf("sent = %d, want 5", got)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{Base: time.Second, MaxDelay: 5 * time.Second, Jitter: 0.2}
	tests := []struct {
		retry int
		lo    time.Duration
		hi    time.Duration
	}{
		{1, 800 * time.Millisecond, 1200 * time.Millisecond},
		{2, 1600 * time.Millisecond, 2400 * time.Millisecond},
		{5, 4 * time.Second, 5 * time.Second},
	}
	r := rng()
	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			d := backoffDelay(p, tt.retry, r)
			if d < tt.lo || d > tt.hi {
				t.Fatalf("retry %d: delay %v outside [%v, %v]", tt.retry, d, tt.lo, tt.hi)
			}
		}
	}
}

package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"castbot/internal/domain"
	"castbot/internal/eventbus"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type textCall struct {
	to   kit.ChatTarget
	text string
}

type fakeText struct {
	mu    sync.Mutex
	fails int
	err   error
	calls []textCall
}

func (f *fakeText) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, textCall{to: to, text: text})
	if f.fails > 0 {
		f.fails--
		return f.err
	}
	return nil
}

func (f *fakeText) sent() []textCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]textCall(nil), f.calls...)
}

func testConfig() Config {
	return Config{
		Enabled:     true,
		Targets:     []kit.ChatTarget{{ChatID: 10}, {ChatID: 20, ThreadID: 3}},
		Workers:     1,
		QueueSize:   16,
		RatePerSec:  1000,
		RetryMax:    2,
		RetryBase:   time.Millisecond,
		DedupWindow: time.Minute,
	}
}

func drain(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestNotifyPersistsAndSendsToEveryTarget(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	tx := &fakeText{}
	s := New(testConfig(), tx, store, logx.Nop(), nil)
	s.Start(context.Background())

	s.Notify(domain.FailureReport{Kind: domain.ReportInstanceFailover, Destination: -100, Instance: "a", NewHolder: "b"})
	drain(t, s)

	calls := tx.sent()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if calls[1].to.ThreadID != 3 {
		t.Fatalf("thread not kept: %+v", calls[1].to)
	}
	if !strings.Contains(calls[0].text, "-100") {
		t.Fatalf("text = %q", calls[0].text)
	}
	reps, err := store.RecentReports(context.Background(), 10)
	if err != nil || len(reps) != 1 {
		t.Fatalf("reports = %v err=%v", reps, err)
	}
	if st := s.Stats(); st.Sent != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestNotifyDedupsRepeatsButPersistsAll(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	tx := &fakeText{}
	cfg := testConfig()
	cfg.Targets = cfg.Targets[:1]
	s := New(cfg, tx, store, logx.Nop(), nil)
	s.Start(context.Background())

	r := domain.FailureReport{Kind: domain.ReportNoHealthyInstance, Destination: -1, Instance: "a"}
	for i := 0; i < 3; i++ {
		r.Err = "attempt " + string(rune('a'+i))
		s.Notify(r)
	}
	s.Notify(domain.FailureReport{Kind: domain.ReportNoHealthyInstance, Destination: -2, Instance: "a"})
	drain(t, s)

	if got := len(tx.sent()); got != 2 {
		t.Fatalf("sends = %d, want 2", got)
	}
	if st := s.Stats(); st.Deduped != 2 {
		t.Fatalf("stats = %+v", st)
	}
	reps, _ := store.RecentReports(context.Background(), 10)
	if len(reps) != 4 {
		t.Fatalf("persisted = %d, want 4", len(reps))
	}
}

func TestSendRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	tx := &fakeText{fails: 2, err: kit.Transient(errors.New("timeout"), 0)}
	cfg := testConfig()
	cfg.Targets = cfg.Targets[:1]
	s := New(cfg, tx, nil, logx.Nop(), nil)
	s.Start(context.Background())
	s.Notify(domain.FailureReport{Kind: domain.ReportDeliveryFailed, Destination: -1})
	drain(t, s)

	if got := len(tx.sent()); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	if st := s.Stats(); st.Sent != 1 || st.Failed != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSendStopsOnPermanentError(t *testing.T) {
	t.Parallel()
	tx := &fakeText{fails: 5, err: kit.Permanent(errors.New("blocked"), "bot was blocked")}
	cfg := testConfig()
	cfg.Targets = cfg.Targets[:1]
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	s := New(cfg, tx, nil, logx.Nop(), bus)
	s.Start(context.Background())
	s.Notify(domain.FailureReport{Kind: domain.ReportDeliveryFailed, Destination: -1})
	drain(t, s)

	if got := len(tx.sent()); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
	if st := s.Stats(); st.Failed != 1 {
		t.Fatalf("stats = %+v", st)
	}
	select {
	case e := <-events:
		if e.Type != eventbus.NotifierFailed || e.Data.(NotificationEvent).ChatID != 10 {
			t.Fatalf("event = %+v", e)
		}
	default:
		t.Fatal("no failure event")
	}
}

func TestDisabledStillPersists(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	tx := &fakeText{}
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, tx, store, logx.Nop(), nil)

	// Not started: the report still reaches the log.
	s.Notify(domain.FailureReport{Kind: domain.ReportDestinationUnavailable, Destination: -7})
	s.Start(context.Background())
	s.Notify(domain.FailureReport{Kind: domain.ReportDestinationUnavailable, Destination: -8})
	drain(t, s)

	if len(tx.sent()) != 0 {
		t.Fatal("disabled notifier sent messages")
	}
	waitReports(t, store, 2)
}

func waitReports(t *testing.T, store domain.ReportLog, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		reps, err := store.RecentReports(context.Background(), 100)
		if err != nil {
			t.Fatal(err)
		}
		if len(reps) == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("persisted = %d, want %d", len(reps), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// stuckLog blocks every append until its context ends.
type stuckLog struct{ appends atomic.Int32 }

func (l *stuckLog) AppendReport(ctx context.Context, _ domain.FailureReport) error {
	l.appends.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (l *stuckLog) RecentReports(context.Context, int) ([]domain.FailureReport, error) {
	return nil, nil
}

func TestNotifyDoesNotWaitOnReportLog(t *testing.T) {
	t.Parallel()
	log := &stuckLog{}
	cfg := testConfig()
	cfg.QueueSize = 1
	s := New(cfg, &fakeText{}, log, logx.Nop(), nil)

	tests := []struct {
		name  string
		setup func()
	}{
		{"not started", func() {}},
		// One worker stuck on the log and a full queue push Notify onto the overflow path.
		{"queue full", func() { s.Start(context.Background()) }},
	}
	for _, tt := range tests {
		tt.setup()
		start := time.Now()
		for i := 0; i < 5; i++ {
			s.Notify(domain.FailureReport{Kind: domain.ReportDeliveryFailed, Destination: int64(-i)})
		}
		if took := time.Since(start); took > 500*time.Millisecond {
			t.Fatalf("%s: Notify took %v", tt.name, took)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for log.appends.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no report reached the log")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	tests := []struct {
		attempt int
		lo, hi  time.Duration
	}{
		{1, 70 * time.Millisecond, 130 * time.Millisecond},
		{2, 140 * time.Millisecond, 260 * time.Millisecond},
		{10, 700 * time.Millisecond, time.Second},
	}
	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			if d := retryDelay(cfg, tt.attempt); d < tt.lo || d > tt.hi {
				t.Fatalf("attempt %d: %v outside [%v, %v]", tt.attempt, d, tt.lo, tt.hi)
			}
		}
	}
}

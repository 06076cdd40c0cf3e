package adapter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "castbot/internal/runtime/supervisor"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	HTTPTimeout time.Duration
	ParseMode   string
	// ButtonsText is sent as the message body when a payload carries only buttons.
	ButtonsText string
}

// Adapter is the Telegram implementation of transport.Adapter on telebot.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     botAPI
	joins   atomic.Value // stores (chan<- kit.JoinEvent)
	runMu   sync.Mutex
	running bool

	// sup owns adapter internal goroutines (poll loop, drop logger, stop watcher).
	// It is created on Start() and cancelled on Stop().
	sup *rtsup.Supervisor

	droppedJoins uint64
}

// botAPI is the subset of *tele.Bot the adapter uses.
type botAPI interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Handle(endpoint interface{}, h tele.HandlerFunc, m ...tele.MiddlewareFunc)
	Start()
	Stop()
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpTimeout := cfg.HTTPTimeout
	if httpTimeout <= 0 {
		httpTimeout = timeout + 10*time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
		Client: &http.Client{Timeout: httpTimeout},
	})
	if err != nil {
		return nil, err
	}
	return newWithBot(cfg, log, b), nil
}

func newWithBot(cfg Config, log logx.Logger, b botAPI) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.ButtonsText) == "" {
		cfg.ButtonsText = "👇"
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- kit.JoinEvent
	a.joins.Store(nilOut)
	a.registerHandlers()
	return a
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel. Start() may swap it.
	a.bot.Handle(tele.OnUserJoined, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		ev := kit.JoinEvent{ChatID: m.Chat.ID, At: time.Now()}
		if u := m.UserJoined; u != nil {
			ev.UserID = u.ID
			ev.Username = u.Username
			if u.IsBot {
				return nil
			}
		}
		a.forwardJoin(ev)
		return nil
	})
}

func (a *Adapter) forwardJoin(ev kit.JoinEvent) {
	out, _ := a.joins.Load().(chan<- kit.JoinEvent)
	if out == nil {
		return
	}
	select {
	case out <- ev:
	default:
		atomic.AddUint64(&a.droppedJoins, 1)
	}
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) Start(ctx context.Context, joins chan<- kit.JoinEvent) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.joins.Store(joins)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// adapter errors should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// Periodic summary for dropped join updates (avoid noisy per-update logs).
	sup.Go0("joins.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.flushDropped(joins)
				return
			case <-ticker.C:
				a.flushDropped(joins)
			}
		}
	})

	// Ensure we stop telebot when the adapter context is cancelled.
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Telebot's Start() is a long-running loop. In some failure modes it can
	// exit unexpectedly; run it under a restart loop so the adapter self-heals.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		// Restart if Start() returns while context is still active.
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) flushDropped(joins chan<- kit.JoinEvent) {
	if n := atomic.SwapUint64(&a.droppedJoins, 0); n > 0 {
		a.log.Warn("join updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(joins)))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	// Best-effort graceful stop. Never block shutdown for too long on Telegram long-poll.
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.JoinEvent
	a.joins.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	a.log.Info("stopping")
	if sup != nil {
		sup.Cancel()
	}
	// telebot Stop is expected to be fast; run it async just in case.
	go a.bot.Stop()

	if sup == nil {
		return nil
	}
	// Grace window: keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

var _ kit.Adapter = (*Adapter)(nil)

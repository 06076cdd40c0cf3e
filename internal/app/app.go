package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"castbot/internal/config"
	"castbot/internal/dispatch"
	"castbot/internal/eventbus"
	"castbot/internal/failover"
	"castbot/internal/heartbeat"
	"castbot/internal/lease"
	"castbot/internal/notifier"
	rtsup "castbot/internal/runtime/supervisor"
	"castbot/internal/schedule"
	"castbot/internal/selector"
	"castbot/internal/status"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	telegram "castbot/internal/transport/telegram/adapter"
	logx "castbot/pkg/logx"
	"castbot/pkg/systemd"
)

// App wires one castbot instance: heartbeat, leases, failover, scheduling,
// delivery, admin notifications and the status server.
type App struct {
	id    string
	scope []string
	cfgm  *config.Manager
	sup   *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	transport kit.Adapter

	leases  *lease.Manager
	keeper  *lease.Keeper
	monitor *heartbeat.Monitor
	emitter *heartbeat.Emitter
	coord   *failover.Coordinator
	queue   *dispatch.Queue
	disp    *dispatch.Dispatcher
	sched   *schedule.Scheduler
	notif   *notifier.Service
	status  *status.Server

	// monCancel stops the monitor loop (and with it failover decisions)
	// before leases are released on shutdown.
	monCancel context.CancelFunc

	joins chan kit.JoinEvent
}

// New loads cfgPath and builds every component. instanceID overrides
// instance.id from the file; when both are empty a random id is used.
func New(cfgPath, instanceID string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO").With(logx.String("comp", "config")))
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg), nil)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	store, err := storage.Open(scfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}
	tg, err := telegram.New(tcfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}

	a, err := build(cfgm, cfg, instanceID, logs, log, store, tg, systemd.Default)
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func resolveInstanceID(flagID, cfgID string) (string, bool) {
	if id := strings.TrimSpace(flagID); id != "" {
		return id, false
	}
	if id := strings.TrimSpace(cfgID); id != "" {
		return id, false
	}
	return uuid.NewString(), true
}

func build(cfgm *config.Manager, cfg *config.Config, instanceID string, logs *logx.Service, log logx.Logger, store storage.Store, tx kit.Adapter, sd systemd.Notifier) (*App, error) {
	id, generated := resolveInstanceID(instanceID, cfg.Instance.ID)
	log = log.With(logx.String("instance", id))
	if generated {
		log.Warn("no instance id configured; using a random one (leases will not survive a restart)")
	}
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	sv, err := mapSupervision(cfg, id)
	if err != nil {
		return nil, err
	}
	schedCfg, err := mapSchedulerConfig(cfg, id)
	if err != nil {
		return nil, err
	}
	dispCfg, err := mapDispatcherConfig(cfg, id)
	if err != nil {
		return nil, err
	}
	notifCfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	statusCfg, err := mapStatusConfig(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	leases := lease.NewManager(store, sv.lease, comp("lease"), bus)
	monitor := heartbeat.NewMonitor(store, sv.monitor, comp("monitor"), bus)
	keeper := lease.NewKeeper(sv.keeper, leases, store, monitor, comp("keeper"), bus)
	emitter := heartbeat.NewEmitter(store, sv.emitter, comp("heartbeat"), heartbeat.WithNotifier(sd))

	notif := notifier.New(notifCfg, tx, store, comp("notifier"), bus)
	coord := failover.New(failover.Config{InstanceID: id}, leases, store, notif, comp("failover"), bus)
	monitor.AddListener(coord)

	size, policy := mapQueue(cfg)
	queue := dispatch.NewQueue(size, policy)
	disp := dispatch.New(dispCfg, queue, leases, keeper, tx, notif, comp("dispatch"), bus)
	sched := schedule.New(schedCfg, keeper, store, selector.New(nil), queue, monitor, comp("schedule"), bus)

	if logs != nil {
		logs.SetSender(logSender{tx: tx})
	}

	a := &App{
		id:        id,
		scope:     sv.keeper.Scope,
		cfgm:      cfgm,
		log:       log,
		logs:      logs,
		bus:       bus,
		store:     store,
		transport: tx,
		leases:    leases,
		keeper:    keeper,
		monitor:   monitor,
		emitter:   emitter,
		coord:     coord,
		queue:     queue,
		disp:      disp,
		sched:     sched,
		notif:     notif,
		joins:     make(chan kit.JoinEvent, 256),
	}
	a.status = status.New(statusCfg, status.Sources{
		InstanceID: id,
		StartedAt:  emitter.StartedAt(),
		Instances:  monitor,
		Leases:     leases,
		Leader:     coord,
		Held:       keeper,
		Beats:      emitter,
		Dispatcher: disp,
		Schedule:   sched,
		Notifier:   notif,
		Reports:    store,
		Supervisors: map[string]func() *rtsup.Supervisor{
			"app":      func() *rtsup.Supervisor { return a.sup },
			"notifier": notif.Supervisor,
		},
	}, comp("status"))
	return a, nil
}

// ID is the instance id this process heartbeats and leases under.
func (a *App) ID() string { return a.id }

// Done is closed when the app's run context ends, e.g. after a fatal
// component error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal component error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(true),
	)
	run := a.sup.Context()

	a.notif.Start(run)

	a.sup.Go("heartbeat.emitter", a.emitter.Run)
	monCtx, monCancel := context.WithCancel(run)
	a.monCancel = monCancel
	a.sup.Go("heartbeat.monitor", func(context.Context) error { return a.monitor.Run(monCtx) })
	a.sup.Go("lease.keeper", a.keeper.Run)

	a.disp.Start(run)
	a.sup.Go("schedule", a.sched.Run)

	if err := a.transport.Start(run, a.joins); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("start telegram: %w", err)
	}
	a.sup.Go0("joins", a.welcomeLoop)

	a.status.Start(run)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	// A failed first beat is not fatal: Run keeps beating on its interval.
	if err := a.emitter.MarkRunning(run); err != nil {
		a.log.Warn("initial heartbeat failed", logx.Err(err))
	}
	a.log.Info("app started", logx.Strings("scope", a.scope))
	return nil
}

func (a *App) welcomeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.joins:
			if err := a.sched.Welcome(ctx, ev.ChatID); err != nil && ctx.Err() == nil {
				a.log.Warn("welcome failed", logx.Int64("destination", ev.ChatID), logx.Err(err))
			}
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes the hot-reloadable parts of newCfg into the running
// components. Sections that need a restart are only reported.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect", logx.Strings("sections", restart))
	}

	if a.logs != nil {
		a.logs.Apply(mapLogConfig(newCfg))
	}
	if c, err := mapSchedulerConfig(newCfg, a.id); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(c)
	}
	if c, err := mapDispatcherConfig(newCfg, a.id); err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(c)
	}
	if c, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(c)
	}
	if c, err := mapStatusConfig(newCfg); err != nil {
		a.log.Warn("invalid status config; keeping previous", logx.Err(err))
	} else {
		a.status.Reconfigure(ctx, c)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts down in dependency order: no new jobs, drain deliveries, hand
// leases back, resign leadership, publish a stopped heartbeat, then tear
// down transport and storage. Every step is bounded by its own budget and
// by ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("scheduler", time.Second, func(context.Context) error { a.sched.Stop(); return nil })
	step("dispatcher", 12*time.Second, a.disp.Stop)
	step("monitor", time.Second, func(context.Context) error { a.monCancel(); return nil })
	step("leases", 3*time.Second, a.keeper.ReleaseAll)
	step("failover", 2*time.Second, a.coord.Resign)
	step("heartbeat", 2*time.Second, a.emitter.Stop)
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })

	// Everything that needed the run context is done; unwind the rest.
	a.sup.Cancel()
	step("telegram", 2*time.Second, a.transport.Stop)
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

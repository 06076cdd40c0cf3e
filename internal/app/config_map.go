package app

import (
	"strings"
	"time"

	"castbot/internal/config"
	"castbot/internal/dispatch"
	"castbot/internal/heartbeat"
	"castbot/internal/lease"
	"castbot/internal/notifier"
	"castbot/internal/schedule"
	"castbot/internal/status"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	"castbot/internal/transport/telegram/adapter"
	logx "castbot/pkg/logx"
)

const defaultStatusAddr = "127.0.0.1:8086"

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     l.Telegram.ChatID,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busy,
		MaxConns:    cfg.Storage.MaxConns,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (adapter.Config, error) {
	poll, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if err != nil {
		return adapter.Config{}, err
	}
	httpTimeout, err := config.ParseDurationField("telegram.http_timeout", cfg.Telegram.HTTPTimeout)
	if err != nil {
		return adapter.Config{}, err
	}
	return adapter.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: poll,
		HTTPTimeout: httpTimeout,
		ParseMode:   cfg.Telegram.ParseMode,
		ButtonsText: cfg.Telegram.ButtonsText,
	}, nil
}

// supervision is everything derived from the shared timing options.
type supervision struct {
	lease   lease.Config
	keeper  lease.KeeperConfig
	monitor heartbeat.MonitorConfig
	emitter heartbeat.EmitterConfig
}

func mapSupervision(cfg *config.Config, id string) (supervision, error) {
	t, err := cfg.Timings()
	if err != nil {
		return supervision{}, err
	}
	quarantine, err := config.ParseDurationField("dispatcher.quarantine", cfg.Dispatcher.Quarantine)
	if err != nil {
		return supervision{}, err
	}
	scope := append([]string(nil), cfg.Instance.Scope...)
	return supervision{
		lease: lease.Config{TTL: t.LeaseTTL, OpTimeout: t.OpTimeout},
		keeper: lease.KeeperConfig{
			InstanceID:    id,
			Scope:         scope,
			RenewInterval: t.HeartbeatInterval,
			Quarantine:    quarantine,
		},
		monitor: heartbeat.MonitorConfig{
			Tick:      t.MonitorTick,
			Timeout:   t.HeartbeatTimeout,
			DeadGrace: t.DeadGrace,
			OpTimeout: t.OpTimeout,
		},
		emitter: heartbeat.EmitterConfig{
			InstanceID: id,
			Scope:      scope,
			Interval:   t.HeartbeatInterval,
			OpTimeout:  t.OpTimeout,
		},
	}, nil
}

func mapSchedulerConfig(cfg *config.Config, id string) (schedule.Config, error) {
	s := cfg.Scheduler
	out := schedule.Config{InstanceID: id, Timezone: strings.TrimSpace(s.Timezone)}
	var err error
	if out.Tick, err = config.ParseDurationField("scheduler.tick", s.Tick); err != nil {
		return schedule.Config{}, err
	}
	if out.DefaultInterval, err = config.ParseDurationField("scheduler.default_interval", s.DefaultInterval); err != nil {
		return schedule.Config{}, err
	}
	if out.MaxJitter, err = config.ParseDurationField("scheduler.max_jitter", s.MaxJitter); err != nil {
		return schedule.Config{}, err
	}
	t, err := cfg.Timings()
	if err != nil {
		return schedule.Config{}, err
	}
	out.OpTimeout = t.OpTimeout
	return out, nil
}

// queueShape is fixed for the life of the process.
func mapQueue(cfg *config.Config) (int, dispatch.Policy) {
	size := cfg.Dispatcher.QueueSize
	if size <= 0 {
		size = 256
	}
	return size, dispatch.ParsePolicy(cfg.Dispatcher.QueuePolicy)
}

func mapDispatcherConfig(cfg *config.Config, id string) (dispatch.Config, error) {
	d := cfg.Dispatcher
	out := dispatch.Config{
		InstanceID:   id,
		Workers:      d.Workers,
		GlobalRate:   float64(d.GlobalRate),
		GlobalBurst:  d.GlobalBurst,
		PerChatBurst: d.PerChatBurst,
		Retry:        dispatch.RetryPolicy{Max: 3},
	}
	if d.RetryMax != nil {
		out.Retry.Max = *d.RetryMax
	}
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"dispatcher.per_chat_interval", d.PerChatInterval, &out.PerChatInterval},
		{"dispatcher.retry_base", d.RetryBase, &out.Retry.Base},
		{"dispatcher.retry_max_delay", d.RetryMaxDelay, &out.Retry.MaxDelay},
		{"dispatcher.send_timeout", d.SendTimeout, &out.SendTimeout},
		{"dispatcher.drain_timeout", d.DrainTimeout, &out.DrainTimeout},
	}
	for _, f := range fields {
		v, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return dispatch.Config{}, err
		}
		*f.dst = v
	}
	return out, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{}, nil
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
	}
	for _, id := range n.AdminChats {
		out.Targets = append(out.Targets, kit.ChatTarget{ChatID: id, ThreadID: n.ThreadID})
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapStatusConfig(cfg *config.Config) (status.Config, error) {
	s := cfg.Status
	addr := strings.TrimSpace(s.Addr)
	if addr == "" {
		addr = defaultStatusAddr
	}
	out := status.Config{
		Enabled:       s.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(s.Token),
		AllowInsecure: s.AllowInsecure,
		Pprof:         s.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("status.read_timeout", s.ReadTimeout); err != nil {
		return status.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("status.write_timeout", s.WriteTimeout); err != nil {
		return status.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("status.idle_timeout", s.IdleTimeout); err != nil {
		return status.Config{}, err
	}
	return out, nil
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate reports every problem found in cfg, joined into one error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(fmt.Errorf("telegram.token: required (or set %s)", EnvTelegramToken))
	}
	for _, s := range cfg.Instance.Scope {
		if strings.TrimSpace(s) == "" {
			add(errors.New("instance.scope: empty category slug"))
			break
		}
	}

	t, err := cfg.Timings()
	add(err)
	if err == nil {
		if min := t.HeartbeatInterval + t.HeartbeatTimeout + t.DeadGrace; t.LeaseTTL < min {
			add(fmt.Errorf("lease_ttl: %s is shorter than heartbeat_interval + heartbeat_timeout + dead_grace (%s)", t.LeaseTTL, min))
		}
		if t.HeartbeatInterval >= t.HeartbeatTimeout {
			add(fmt.Errorf("heartbeat_timeout: %s must exceed heartbeat_interval %s", t.HeartbeatTimeout, t.HeartbeatInterval))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add(errors.New("storage.path: required for sqlite"))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(fmt.Errorf("storage.dsn: required for postgres (or set %s)", EnvStorageDSN))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)

	add(durations(
		[2]string{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		[2]string{"telegram.http_timeout", cfg.Telegram.HTTPTimeout},
		[2]string{"scheduler.tick", cfg.Scheduler.Tick},
		[2]string{"scheduler.default_interval", cfg.Scheduler.DefaultInterval},
		[2]string{"scheduler.max_jitter", cfg.Scheduler.MaxJitter},
		[2]string{"dispatcher.per_chat_interval", cfg.Dispatcher.PerChatInterval},
		[2]string{"dispatcher.retry_base", cfg.Dispatcher.RetryBase},
		[2]string{"dispatcher.retry_max_delay", cfg.Dispatcher.RetryMaxDelay},
		[2]string{"dispatcher.send_timeout", cfg.Dispatcher.SendTimeout},
		[2]string{"dispatcher.drain_timeout", cfg.Dispatcher.DrainTimeout},
		[2]string{"dispatcher.quarantine", cfg.Dispatcher.Quarantine},
		[2]string{"status.read_timeout", cfg.Status.ReadTimeout},
		[2]string{"status.write_timeout", cfg.Status.WriteTimeout},
		[2]string{"status.idle_timeout", cfg.Status.IdleTimeout},
	))

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	d := cfg.Dispatcher
	switch strings.ToLower(strings.TrimSpace(d.QueuePolicy)) {
	case "", "block", "drop_oldest":
	default:
		add(fmt.Errorf("dispatcher.queue_policy: unknown policy %q", d.QueuePolicy))
	}
	if d.Workers < 0 || d.QueueSize < 0 || d.GlobalRate < 0 || d.GlobalBurst < 0 || d.PerChatBurst < 0 {
		add(errors.New("dispatcher: counts and rates must be >= 0"))
	}
	if d.RetryMax != nil && *d.RetryMax < 0 {
		add(errors.New("dispatcher.retry_max: must be >= 0"))
	}

	if n := cfg.Notifier; n != nil {
		if n.Enabled && len(n.AdminChats) == 0 {
			add(errors.New("notifier.admin_chats: required when notifier is enabled"))
		}
		for _, id := range n.AdminChats {
			if id == 0 {
				add(errors.New("notifier.admin_chats: chat id 0 is invalid"))
				break
			}
		}
		add(durations(
			[2]string{"notifier.retry_base", n.RetryBase},
			[2]string{"notifier.retry_max_delay", n.RetryMaxDelay},
			[2]string{"notifier.dedup_window", n.DedupWindow},
		))
	}

	if cfg.Logging.Telegram.Enabled && cfg.Logging.Telegram.ChatID == 0 {
		add(errors.New("logging.telegram.chat_id: required when the telegram sink is enabled"))
	}
	return errors.Join(errs...)
}

func durations(pairs ...[2]string) error {
	var errs []error
	for _, p := range pairs {
		if _, err := ParseDurationField(p[0], p[1]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

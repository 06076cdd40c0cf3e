package config

import (
	"reflect"
	"sort"
	"strings"

	logx "castbot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	restart := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Instance, newCfg.Instance) {
		changed = append(changed, "instance")
		restart = append(restart, "instance")
		attrs = append(attrs, logx.Strings("instance.scope", newCfg.Instance.Scope))
	}

	// Telegram (never log token)
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		strings.TrimSpace(ot.HTTPTimeout) != strings.TrimSpace(nt.HTTPTimeout) ||
		ot.ParseMode != nt.ParseMode || ot.ButtonsText != nt.ButtonsText {
		changed = append(changed, "telegram")
		restart = append(restart, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Storage (never log dsn)
	oldS, newS := oldCfg.Storage, newCfg.Storage
	if !strings.EqualFold(strings.TrimSpace(oldS.Driver), strings.TrimSpace(newS.Driver)) ||
		oldS.Path != newS.Path || oldS.DSN != newS.DSN ||
		strings.TrimSpace(oldS.BusyTimeout) != strings.TrimSpace(newS.BusyTimeout) || oldS.MaxConns != newS.MaxConns {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
		)
	}

	oldT, newT := timingsOf(oldCfg), timingsOf(newCfg)
	if oldT != newT {
		changed = append(changed, "timing")
		restart = append(restart, "timing")
		attrs = append(attrs,
			logx.String("heartbeat_interval", newT[0]),
			logx.String("heartbeat_timeout", newT[1]),
			logx.String("dead_grace", newT[2]),
			logx.String("lease_ttl", newT[3]),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.default_interval", strings.TrimSpace(newCfg.Scheduler.DefaultInterval)),
			logx.String("scheduler.max_jitter", strings.TrimSpace(newCfg.Scheduler.MaxJitter)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	od, nd := oldCfg.Dispatcher, newCfg.Dispatcher
	if !reflect.DeepEqual(od, nd) {
		changed = append(changed, "dispatcher")
		// Worker count and queue shape are fixed for the life of the process.
		if od.Workers != nd.Workers || od.QueueSize != nd.QueueSize || od.QueuePolicy != nd.QueuePolicy {
			restart = append(restart, "dispatcher.queue")
		}
		attrs = append(attrs,
			logx.Int("dispatcher.global_rate", nd.GlobalRate),
			logx.String("dispatcher.per_chat_interval", strings.TrimSpace(nd.PerChatInterval)),
			logx.String("dispatcher.retry_base", strings.TrimSpace(nd.RetryBase)),
		)
	}

	if !reflect.DeepEqual(derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)) {
		changed = append(changed, "notifier")
		n := derefNotifier(newCfg.Notifier)
		attrs = append(attrs,
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Int("notifier.admin_chats", len(n.AdminChats)),
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
		)
	}

	// Status (never log token)
	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", strings.TrimSpace(newCfg.Status.Addr)),
			logx.Bool("status.token_set", strings.TrimSpace(newCfg.Status.Token) != ""),
			logx.Bool("status.pprof", newCfg.Status.Pprof),
		)
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}

func timingsOf(c *Config) [6]string {
	return [6]string{
		strings.TrimSpace(c.HeartbeatInterval),
		strings.TrimSpace(c.HeartbeatTimeout),
		strings.TrimSpace(c.DeadGrace),
		strings.TrimSpace(c.LeaseTTL),
		strings.TrimSpace(c.MonitorTick),
		strings.TrimSpace(c.OpTimeout),
	}
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

package config

// Config is the on-disk configuration of one castbot instance (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "15s", "2m"). Empty
// or "0s" values fall back to the documented default.
type Config struct {
	Instance InstanceConfig `json:"instance"`
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	// HeartbeatInterval is how often this instance writes its heartbeat and
	// renews its leases. Default "15s".
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
	// HeartbeatTimeout is the heartbeat age after which an instance is Suspect.
	// Default "45s".
	HeartbeatTimeout string `json:"heartbeat_timeout,omitempty"`
	// DeadGrace is how long an instance stays Suspect before it is declared
	// Dead and its destinations fail over. Default "30s".
	DeadGrace string `json:"dead_grace,omitempty"`
	// LeaseTTL must be at least heartbeat_interval + heartbeat_timeout +
	// dead_grace so a Live holder never loses a lease to expiry. Default "90s".
	LeaseTTL string `json:"lease_ttl,omitempty"`
	// MonitorTick is how often heartbeats are polled. Default "5s".
	MonitorTick string `json:"monitor_tick,omitempty"`
	// OpTimeout bounds every single store call. Default "3s".
	OpTimeout string `json:"op_timeout,omitempty"`

	Scheduler  SchedulerConfig  `json:"scheduler"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	// Notifier may be omitted; admin notifications are then disabled but
	// failure reports are still persisted.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Status   StatusConfig    `json:"status,omitempty"`
}

// InstanceConfig identifies this process in the fleet.
//
// ID may be left empty and passed with -instance instead. Scope lists the
// category slugs this instance serves; empty means every category.
type InstanceConfig struct {
	ID    string   `json:"id,omitempty"`
	Scope []string `json:"scope,omitempty"`
}

type TelegramConfig struct {
	// Token may also come from CASTBOT_TELEGRAM_TOKEN (which wins when set).
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"` // default "10s"
	HTTPTimeout string `json:"http_timeout,omitempty"` // default "30s"
	ParseMode   string `json:"parse_mode,omitempty"`
	// ButtonsText is sent when a payload has only buttons.
	ButtonsText string `json:"buttons_text,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the shared store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./castbot.db" }
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	// DSN may also come from CASTBOT_STORAGE_DSN.
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int    `json:"max_conns,omitempty"`
}

// SchedulerConfig controls when regular posts are produced.
//
// Defaults: tick "1s", default_interval "1h", max_jitter "0s", timezone local.
type SchedulerConfig struct {
	Tick            string `json:"tick,omitempty"`
	DefaultInterval string `json:"default_interval,omitempty"`
	MaxJitter       string `json:"max_jitter,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
}

// DispatcherConfig controls delivery workers, pacing and retries.
//
// Defaults: workers 4, queue_size 256, queue_policy "block", global_rate 25,
// global_burst 5, per_chat_interval "3s", per_chat_burst 1, retry_max 3,
// retry_base "1s", retry_max_delay "30s", send_timeout "15s",
// drain_timeout "10s", quarantine "30m".
type DispatcherConfig struct {
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	QueuePolicy     string `json:"queue_policy,omitempty"` // block | drop_oldest
	GlobalRate      int    `json:"global_rate,omitempty"`
	GlobalBurst     int    `json:"global_burst,omitempty"`
	PerChatInterval string `json:"per_chat_interval,omitempty"`
	PerChatBurst    int    `json:"per_chat_burst,omitempty"`
	RetryMax        *int   `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DrainTimeout    string `json:"drain_timeout,omitempty"`
	Quarantine      string `json:"quarantine,omitempty"`
}

// NotifierConfig controls the admin notification pipeline.
type NotifierConfig struct {
	Enabled         bool    `json:"enabled"`
	AdminChats      []int64 `json:"admin_chats"`
	ThreadID        int     `json:"thread_id,omitempty"`
	Workers         int     `json:"workers,omitempty"`
	QueueSize       int     `json:"queue_size,omitempty"`
	RatePerSec      int     `json:"rate_per_sec,omitempty"`
	RetryMax        int     `json:"retry_max,omitempty"`
	RetryBase       string  `json:"retry_base,omitempty"`
	RetryMaxDelay   string  `json:"retry_max_delay,omitempty"`
	DedupWindow     string  `json:"dedup_window,omitempty"`
	DedupMaxEntries int     `json:"dedup_max_entries,omitempty"`
}

// StatusConfig controls the read-only status HTTP server.
//
// Prefer binding to localhost. A non-loopback addr needs a token or
// allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:8086"
	Token         string `json:"token,omitempty"` // bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "castbot/pkg/logx"
)

const minimalJSON = `{
  "instance": {"id": "a", "scope": ["news"]},
  "telegram": {"token": "t"},
  "logging": {"level": "info", "console": true},
  "storage": {"driver": "memory"},
  "scheduler": {},
  "dispatcher": {}
}`

const minimalYAML = `
instance:
  id: a
  scope: [news]
telegram:
  token: t
logging:
  level: info
storage:
  driver: sqlite
  path: ./castbot.db
heartbeat_interval: 10s
scheduler:
  default_interval: 30m
dispatcher:
  queue_policy: drop_oldest
  retry_max: 0
notifier:
  enabled: true
  admin_chats: [-1001]
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDecodeJSONAndYAML(t *testing.T) {
	jc, err := Decode("c.json", []byte(minimalJSON))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if jc.Instance.ID != "a" || jc.Telegram.Token != "t" {
		t.Fatalf("json cfg = %+v", jc)
	}

	yc, err := Decode("c.yaml", []byte(minimalYAML))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if yc.Dispatcher.RetryMax == nil || *yc.Dispatcher.RetryMax != 0 {
		t.Fatalf("explicit retry_max 0 lost: %v", yc.Dispatcher.RetryMax)
	}
	if yc.Notifier == nil || len(yc.Notifier.AdminChats) != 1 || yc.Notifier.AdminChats[0] != -1001 {
		t.Fatalf("notifier = %+v", yc.Notifier)
	}
	if err := Validate(yc); err != nil {
		t.Fatalf("validate yaml: %v", err)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	if _, err := Decode("c.json", []byte(`{"bogus": 1}`)); err == nil {
		t.Fatal("unknown field accepted")
	}
	if _, err := Decode("c.json", []byte(minimalJSON+minimalJSON)); err == nil {
		t.Fatal("trailing data accepted")
	}
	if _, err := Decode("c.yml", []byte("instance: [")); err == nil {
		t.Fatal("broken yaml accepted")
	}
}

// Not parallel: mutates the process environment.
func TestEnvOverridesToken(t *testing.T) {
	t.Setenv(EnvTelegramToken, "from-env")
	cfg, err := Decode("c.json", []byte(minimalJSON))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
}

func TestTimingsDefaults(t *testing.T) {
	t.Parallel()
	tm, err := (&Config{HeartbeatInterval: "10s"}).Timings()
	if err != nil {
		t.Fatal(err)
	}
	want := Timings{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  DefaultHeartbeatTimeout,
		DeadGrace:         DefaultDeadGrace,
		LeaseTTL:          DefaultLeaseTTL,
		MonitorTick:       DefaultMonitorTick,
		OpTimeout:         DefaultOpTimeout,
	}
	if tm != want {
		t.Fatalf("timings = %+v, want %+v", tm, want)
	}
	if _, err := (&Config{DeadGrace: "soon"}).Timings(); err == nil {
		t.Fatal("bad duration accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		c, err := Decode("c.json", []byte(minimalJSON))
		if err != nil {
			t.Fatal(err)
		}
		c.Telegram.Token = "t"
		return c
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"ok", func(c *Config) {}, ""},
		{"no token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"short ttl", func(c *Config) { c.LeaseTTL = "60s" }, "lease_ttl"},
		{"exact ttl", func(c *Config) { c.LeaseTTL = "90s" }, ""},
		{"timeout below interval", func(c *Config) { c.HeartbeatTimeout = "10s"; c.LeaseTTL = "10m" }, "heartbeat_timeout"},
		{"sqlite without path", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.path"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"bad policy", func(c *Config) { c.Dispatcher.QueuePolicy = "lifo" }, "queue_policy"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"bad jitter", func(c *Config) { c.Scheduler.MaxJitter = "-1s" }, "scheduler.max_jitter"},
		{"notifier without chats", func(c *Config) { c.Notifier = &NotifierConfig{Enabled: true} }, "notifier.admin_chats"},
		{"log sink without chat", func(c *Config) { c.Logging.Telegram.Enabled = true }, "logging.telegram.chat_id"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tt.mutate(c)
			err := Validate(c)
			switch {
			case tt.want == "" && err != nil:
				t.Fatalf("unexpected error: %v", err)
			case tt.want != "" && (err == nil || !strings.Contains(err.Error(), tt.want)):
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestManagerReloadPublishes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := writeFile(t, "castbot.json", minimalJSON)
	m := NewManager(path, logx.Nop())
	if _, err := m.Load(ctx); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if _, err := m.Reload(ctx); !errors.Is(err, ErrUnchanged) {
		t.Fatalf("reload of same content: %v", err)
	}

	changed := strings.Replace(minimalJSON, `"scheduler": {}`, `"scheduler": {"max_jitter": "5m"}`, 1)
	if err := os.WriteFile(path, []byte(changed), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-sub:
		if got.Scheduler.MaxJitter != "5m" {
			t.Fatalf("published = %+v", got.Scheduler)
		}
	default:
		t.Fatal("nothing published")
	}

	// Invalid revisions are rejected and the committed config is kept.
	bad := strings.Replace(changed, `"dispatcher": {}`, `"dispatcher": {}, "lease_ttl": "1s"`, 1)
	if err := os.WriteFile(path, []byte(bad), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(ctx); err == nil {
		t.Fatal("invalid config accepted")
	}
	if m.Get().Scheduler.MaxJitter != "5m" || m.Get().LeaseTTL != "" {
		t.Fatal("committed config replaced by a rejected one")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json", logx.Nop())
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-sub; got != b {
		t.Fatal("slow subscriber did not get the newest config")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg, _ := Decode("c.json", []byte(minimalJSON))
	newCfg, _ := Decode("c.json", []byte(minimalJSON))
	newCfg.Telegram.Token = "rotated"
	newCfg.Scheduler.MaxJitter = "1m"
	newCfg.Dispatcher.Workers = 8

	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "dispatcher,scheduler,telegram" {
		t.Fatalf("changed = %v", changed)
	}
	if strings.Join(restart, ",") != "dispatcher.queue,telegram" {
		t.Fatalf("restart = %v", restart)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
}

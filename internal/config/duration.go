package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHeartbeatTimeout  = 45 * time.Second
	DefaultDeadGrace         = 30 * time.Second
	DefaultLeaseTTL          = 90 * time.Second
	DefaultMonitorTick       = 5 * time.Second
	DefaultOpTimeout         = 3 * time.Second
)

// Timings are the resolved supervision durations.
type Timings struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DeadGrace         time.Duration
	LeaseTTL          time.Duration
	MonitorTick       time.Duration
	OpTimeout         time.Duration
}

// Timings parses the top-level timing options, applying defaults.
func (c *Config) Timings() (Timings, error) {
	var (
		t   Timings
		err error
	)
	fields := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"heartbeat_interval", c.HeartbeatInterval, DefaultHeartbeatInterval, &t.HeartbeatInterval},
		{"heartbeat_timeout", c.HeartbeatTimeout, DefaultHeartbeatTimeout, &t.HeartbeatTimeout},
		{"dead_grace", c.DeadGrace, DefaultDeadGrace, &t.DeadGrace},
		{"lease_ttl", c.LeaseTTL, DefaultLeaseTTL, &t.LeaseTTL},
		{"monitor_tick", c.MonitorTick, DefaultMonitorTick, &t.MonitorTick},
		{"op_timeout", c.OpTimeout, DefaultOpTimeout, &t.OpTimeout},
	}
	for _, f := range fields {
		if *f.dst, err = ParseDurationOrDefault(f.path, f.raw, f.def); err != nil {
			return Timings{}, err
		}
	}
	return t, nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

package config

import "encoding/json"

// Config is the daemon configuration. All durations are Go duration
// strings ("500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Host       HostConfig       `json:"host"`
	Conditions ConditionsConfig `json:"conditions"`

	// RateLimits maps a rule id to its sliding-window limit.
	RateLimits     map[string]RateLimitConfig `json:"rate_limits,omitempty"`
	RateLimitStore *RateLimitStoreConfig      `json:"rate_limit_store,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`

	// Workers maps a work id to a built-in handler.
	Workers  map[string]WorkerConfig `json:"workers,omitempty"`
	Triggers []TriggerConfig         `json:"triggers,omitempty"`

	Admin *AdminConfig `json:"admin,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the work scheduler.
//
// Defaults (when fields are omitted/zero):
//   - max_wait_step: "30s"
//   - abandon_grace: "5s"
//   - history_size: 100
//   - backoff: {"kind": "fixed", "delay": "30s"}
type SchedulerConfig struct {
	MaxWaitStep  string        `json:"max_wait_step,omitempty"`
	AbandonGrace string        `json:"abandon_grace,omitempty"`
	HistorySize  int           `json:"history_size,omitempty"`
	Backoff      BackoffConfig `json:"backoff"`

	// Trigger timezone (IANA, e.g. "Asia/Jakarta").
	Timezone string `json:"timezone,omitempty"`
}

type BackoffConfig struct {
	Kind   string  `json:"kind,omitempty"` // "fixed" | "exponential"
	Delay  string  `json:"delay,omitempty"`
	Base   string  `json:"base,omitempty"`
	Max    string  `json:"max,omitempty"`
	Jitter float64 `json:"jitter,omitempty"`
}

// HostConfig bounds the execution budgets granted to work.
type HostConfig struct {
	// Budget is how long one grant lasts. Empty or "0s" means unlimited.
	Budget        string  `json:"budget,omitempty"`
	MaxConcurrent int     `json:"max_concurrent,omitempty"`
	GrantRate     float64 `json:"grant_rate,omitempty"`
	GrantBurst    int     `json:"grant_burst,omitempty"`
}

type ConditionsConfig struct {
	// ProbeAddr is a host:port dialed to decide connectivity. Empty disables
	// probing and leaves connectivity at its initial value.
	ProbeAddr     string `json:"probe_addr,omitempty"`
	ProbeInterval string `json:"probe_interval,omitempty"`
	ProbeTimeout  string `json:"probe_timeout,omitempty"`

	// Initial values; both default to true.
	InitialConnected  *bool `json:"initial_connected,omitempty"`
	InitialForeground *bool `json:"initial_foreground,omitempty"`
}

type RateLimitConfig struct {
	Rate     int    `json:"rate"`
	Interval string `json:"interval"`
}

// RateLimitStoreConfig selects where hit histories live.
//
// Example:
//
//	"rate_limit_store": { "driver": "redis", "addr": "127.0.0.1:6379", "prefix": "bgwork:rl:" }
type RateLimitStoreConfig struct {
	Driver   string `json:"driver"` // "memory" | "redis"
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// StorageConfig controls the optional attempt history.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/bgwork.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type WorkerConfig struct {
	Kind    string            `json:"kind"`            // "log" | "webhook"
	Class   string            `json:"class,omitempty"` // "serial" | "concurrent"
	URL     string            `json:"url,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type TriggerConfig struct {
	Name               string          `json:"name"`
	Schedule           string          `json:"schedule"`
	WorkID             string          `json:"work_id"`
	RateLimitIDs       []string        `json:"rate_limit_ids,omitempty"`
	MinDelay           string          `json:"min_delay,omitempty"`
	RequiresNetwork    bool            `json:"requires_network,omitempty"`
	RequiresForeground bool            `json:"requires_foreground,omitempty"`
	Flags              []string        `json:"flags,omitempty"`
	Options            json.RawMessage `json:"options,omitempty"`
}

// AdminConfig controls the optional operator HTTP endpoint (status,
// manual dispatch, condition overrides, pprof).
//
// Security:
//   - Prefer binding to localhost (default 127.0.0.1:6060).
//   - A non-loopback addr requires token or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
}

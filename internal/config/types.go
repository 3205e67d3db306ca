package config

// Config is the whole eventd configuration. It is read once at startup and
// then watched; sections marked live are applied without a restart.
//
// All durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Profile selects an entry of Profiles. EVENTD_PROFILE overrides it.
	Profile  string                   `json:"profile,omitempty"`
	Profiles map[string]ProfileConfig `json:"profiles,omitempty"`
	Database DatabaseConfig           `json:"database"`

	Dispatcher DispatcherConfig          `json:"dispatcher"`
	Categories map[string]CategoryConfig `json:"categories,omitempty"`
	Jobs       []JobConfig               `json:"jobs,omitempty"`

	Probe   ProbeConfig   `json:"probe"`
	Monitor MonitorConfig `json:"monitor"`
	Storage StorageConfig `json:"storage"`
	Journal JournalConfig `json:"journal"`
	Alerts  AlertsConfig  `json:"alerts"`
	Sentry  SentryConfig  `json:"sentry"`
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

// ProfileConfig is a deployment profile. Only the fields it sets override
// the base database section.
type ProfileConfig struct {
	Database DatabaseConfig `json:"database"`
}

// DatabaseConfig is the backing host the connectivity probe watches.
//
// Password is never logged.
type DatabaseConfig struct {
	Host           string `json:"host,omitempty"`
	Port           int    `json:"port,omitempty"`
	Name           string `json:"name,omitempty"`
	User           string `json:"user,omitempty"`
	Password       string `json:"password,omitempty"`
	SSLMode        string `json:"sslmode,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

// DispatcherConfig (live).
//
// Defaults:
//   - pool_size: 4
//   - tick_every: "5s"
//   - sweep_every: "1s"
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
//   - max_pending: 1024
//   - stop_grace: "3s"
type DispatcherConfig struct {
	PoolSize       int    `json:"pool_size,omitempty"`
	TickEvery      string `json:"tick_every,omitempty"`
	SweepEvery     string `json:"sweep_every,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	MaxPending     int    `json:"max_pending,omitempty"`
	StopGrace      string `json:"stop_grace,omitempty"`
	// MaxThreadRuntime seeds the management override, in seconds. 0 leaves it unset.
	MaxThreadRuntime int64 `json:"max_thread_runtime,omitempty"`
}

// CategoryConfig overrides one category (live). Exclusive is a pointer so an
// omitted value keeps the built-in table entry.
type CategoryConfig struct {
	Exclusive *bool  `json:"exclusive,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// JobConfig is an interval job that runs an external command.
//
// Every accepts a Go duration or HH:MM.
type JobConfig struct {
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Every    string   `json:"every"`
	Command  []string `json:"command"`
	Dir      string   `json:"dir,omitempty"`
	Env      []string `json:"env,omitempty"`
	Source   string   `json:"source,omitempty"`
	Disabled bool     `json:"disabled,omitempty"`
}

// ProbeConfig controls the database connectivity probe.
type ProbeConfig struct {
	Enabled bool   `json:"enabled"`
	Every   string `json:"every,omitempty"`   // default "30s"
	Timeout string `json:"timeout,omitempty"` // default "5s"
}

// MonitorConfig controls the HTTP monitoring surface.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9470").
//   - Binding to a non-loopback address requires a token or allow_insecure.
type MonitorConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:9470"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig selects the journal backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./eventd.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // sqlite (default) | file | none
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type JournalConfig struct {
	Enabled    bool   `json:"enabled"`
	Retention  string `json:"retention,omitempty"`   // default "168h"
	PruneEvery string `json:"prune_every,omitempty"` // default "1h"
}

type AlertsConfig struct {
	OnTimeout      bool           `json:"on_timeout"`
	OnFailure      bool           `json:"on_failure"`
	OnConnectivity bool           `json:"on_connectivity"`
	PerMinute      int            `json:"per_minute,omitempty"` // default 6
	Burst          int            `json:"burst,omitempty"`      // default 3
	Telegram       TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type SentryConfig struct {
	DSN         string  `json:"dsn,omitempty"`
	Environment string  `json:"environment,omitempty"`
	SampleRate  float64 `json:"sample_rate,omitempty"`
}

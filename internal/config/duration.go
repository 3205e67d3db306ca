package config

import (
	"fmt"
	"strings"
	"time"

	"eventd/internal/category"
)

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

// Resolved holds the parsed, defaulted values the runtime consumes.
type Resolved struct {
	Profile        string
	Database       DatabaseConfig
	ConnectTimeout time.Duration

	PoolSize         int
	TickEvery        time.Duration
	SweepEvery       time.Duration
	DefaultTimeout   time.Duration
	StopGrace        time.Duration
	HistorySize      int
	MaxPending       int
	MaxThreadRuntime int64
	CategoryTimeouts map[category.Category]time.Duration
	Table            category.Table

	ProbeEvery   time.Duration
	ProbeTimeout time.Duration

	MonitorAddr  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	StorageDriver string
	StoragePath   string
	BusyTimeout   time.Duration
	Retention     time.Duration
	PruneEvery    time.Duration

	AlertsPerMinute int
	AlertsBurst     int
}

// Resolve parses every duration and applies defaults.
func Resolve(cfg *Config) (Resolved, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var (
		r   Resolved
		err error
	)
	first := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, e := ParseDurationOrDefault(path, raw, def)
		first(e)
		return d
	}

	r.Profile = cfg.ActiveProfile()
	r.Database, err = cfg.ResolveDatabase(r.Profile)
	r.ConnectTimeout = dur("database.connect_timeout", r.Database.ConnectTimeout, 5*time.Second)

	d := cfg.Dispatcher
	r.PoolSize = d.PoolSize
	if r.PoolSize <= 0 {
		r.PoolSize = 4
	}
	r.TickEvery = dur("dispatcher.tick_every", d.TickEvery, 5*time.Second)
	r.SweepEvery = dur("dispatcher.sweep_every", d.SweepEvery, time.Second)
	r.DefaultTimeout = dur("dispatcher.default_timeout", d.DefaultTimeout, 0)
	r.StopGrace = dur("dispatcher.stop_grace", d.StopGrace, 3*time.Second)
	r.HistorySize = d.HistorySize
	r.MaxPending = d.MaxPending
	r.MaxThreadRuntime = d.MaxThreadRuntime

	r.CategoryTimeouts = map[category.Category]time.Duration{}
	overrides := map[string]bool{}
	for name, cc := range cfg.Categories {
		c, e := category.Parse(name)
		if e != nil {
			first(fmt.Errorf("categories.%s: %w", name, e))
			continue
		}
		if t := dur("categories."+name+".timeout", cc.Timeout, 0); t > 0 {
			r.CategoryTimeouts[c] = t
		}
		if cc.Exclusive != nil {
			overrides[name] = *cc.Exclusive
		}
	}
	tbl, e := category.DefaultTable().WithOverrides(overrides)
	first(e)
	r.Table = tbl

	r.ProbeEvery = dur("probe.every", cfg.Probe.Every, 30*time.Second)
	r.ProbeTimeout = dur("probe.timeout", cfg.Probe.Timeout, 5*time.Second)

	r.MonitorAddr = strings.TrimSpace(cfg.Monitor.Addr)
	if r.MonitorAddr == "" {
		r.MonitorAddr = "127.0.0.1:9470"
	}
	r.ReadTimeout = dur("monitor.read_timeout", cfg.Monitor.ReadTimeout, 10*time.Second)
	r.WriteTimeout = dur("monitor.write_timeout", cfg.Monitor.WriteTimeout, 0)
	r.IdleTimeout = dur("monitor.idle_timeout", cfg.Monitor.IdleTimeout, 60*time.Second)

	r.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if r.StorageDriver == "" {
		r.StorageDriver = "sqlite"
	}
	r.StoragePath = strings.TrimSpace(cfg.Storage.Path)
	if r.StoragePath == "" {
		r.StoragePath = "./eventd.db"
	}
	r.BusyTimeout = dur("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	r.Retention = dur("journal.retention", cfg.Journal.Retention, 7*24*time.Hour)
	r.PruneEvery = dur("journal.prune_every", cfg.Journal.PruneEvery, time.Hour)

	r.AlertsPerMinute = cfg.Alerts.PerMinute
	if r.AlertsPerMinute <= 0 {
		r.AlertsPerMinute = 6
	}
	r.AlertsBurst = cfg.Alerts.Burst
	if r.AlertsBurst <= 0 {
		r.AlertsBurst = 3
	}
	return r, err
}

package config

import (
	"errors"
	"fmt"
	"strings"

	"eventd/internal/category"
	"eventd/internal/source"
	logx "eventd/pkg/logx"
)

// Validate checks everything that can be checked without touching the
// network. All problems are reported together.
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

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}

	if p := cfg.ActiveProfile(); p != "" {
		_, err := cfg.ResolveDatabase(p)
		add(err)
	}
	_, err := ParseDurationField("database.connect_timeout", cfg.Database.ConnectTimeout)
	add(err)

	d := cfg.Dispatcher
	if d.PoolSize < 0 {
		add(fmt.Errorf("dispatcher.pool_size: must be >= 0"))
	}
	for path, raw := range map[string]string{
		"dispatcher.tick_every":      d.TickEvery,
		"dispatcher.sweep_every":     d.SweepEvery,
		"dispatcher.default_timeout": d.DefaultTimeout,
		"dispatcher.stop_grace":      d.StopGrace,
		"probe.every":                cfg.Probe.Every,
		"probe.timeout":              cfg.Probe.Timeout,
		"monitor.read_timeout":       cfg.Monitor.ReadTimeout,
		"monitor.write_timeout":      cfg.Monitor.WriteTimeout,
		"monitor.idle_timeout":       cfg.Monitor.IdleTimeout,
		"storage.busy_timeout":       cfg.Storage.BusyTimeout,
		"journal.retention":          cfg.Journal.Retention,
		"journal.prune_every":        cfg.Journal.PruneEvery,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	overrides := map[string]bool{}
	for name, cc := range cfg.Categories {
		if _, err := category.Parse(name); err != nil {
			add(fmt.Errorf("categories.%s: %w", name, err))
			continue
		}
		if cc.Exclusive != nil {
			overrides[name] = *cc.Exclusive
		}
		_, err := ParseDurationField("categories."+name+".timeout", cc.Timeout)
		add(err)
	}
	if _, err := category.DefaultTable().WithOverrides(overrides); err != nil {
		add(err)
	}

	seen := map[string]bool{}
	for i, j := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			add(fmt.Errorf("%s.name: required", path))
		} else if seen[name] {
			add(fmt.Errorf("%s.name: duplicate %q", path, name))
		}
		seen[name] = true
		if _, err := category.Parse(j.Category); err != nil {
			add(fmt.Errorf("%s.category: %w", path, err))
		}
		if _, err := source.ParseInterval(j.Every); err != nil {
			add(fmt.Errorf("%s.every: %w", path, err))
		}
		if len(j.Command) == 0 || strings.TrimSpace(j.Command[0]) == "" {
			add(fmt.Errorf("%s.command: required", path))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "file", "none":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	if t := cfg.Alerts.Telegram; t.Enabled {
		if strings.TrimSpace(t.Token) == "" {
			add(errors.New("alerts.telegram.token: required when enabled"))
		}
		if t.ChatID == 0 {
			add(errors.New("alerts.telegram.chat_id: required when enabled"))
		}
	}
	if r := cfg.Sentry.SampleRate; r < 0 || r > 1 {
		add(fmt.Errorf("sentry.sample_rate: must be within [0,1]"))
	}

	return errors.Join(errs...)
}

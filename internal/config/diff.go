package config

import (
	"reflect"
	"sort"
	"strings"

	logx "eventd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes passwords or tokens),
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
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Profile / database (never log password)
	if strings.TrimSpace(oldCfg.Profile) != strings.TrimSpace(newCfg.Profile) ||
		!reflect.DeepEqual(oldCfg.Profiles, newCfg.Profiles) ||
		!reflect.DeepEqual(oldCfg.Database, newCfg.Database) {
		changed = append(changed, "database")
		restart = append(restart, "database")
		attrs = append(attrs,
			logx.String("profile", strings.TrimSpace(newCfg.Profile)),
			logx.Int("profiles.count", len(newCfg.Profiles)),
			logx.String("database.host", newCfg.Database.Host),
			logx.Bool("database.password_set", newCfg.Database.Password != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		changed = append(changed, "dispatcher")
		d := newCfg.Dispatcher
		attrs = append(attrs,
			logx.Int("dispatcher.pool_size", d.PoolSize),
			logx.String("dispatcher.tick_every", strings.TrimSpace(d.TickEvery)),
			logx.String("dispatcher.sweep_every", strings.TrimSpace(d.SweepEvery)),
			logx.String("dispatcher.default_timeout", strings.TrimSpace(d.DefaultTimeout)),
			logx.Int("dispatcher.history_size", d.HistorySize),
		)
		if oldCfg.Dispatcher.StopGrace != d.StopGrace || oldCfg.Dispatcher.MaxThreadRuntime != d.MaxThreadRuntime {
			restart = append(restart, "dispatcher.stop_grace/max_thread_runtime")
		}
	}

	if !reflect.DeepEqual(oldCfg.Categories, newCfg.Categories) {
		changed = append(changed, "categories")
		attrs = append(attrs, logx.Int("categories.overrides", len(newCfg.Categories)))
	}

	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		restart = append(restart, "jobs")
		attrs = append(attrs, logx.Int("jobs.count", len(newCfg.Jobs)))
	}

	if !reflect.DeepEqual(oldCfg.Probe, newCfg.Probe) {
		changed = append(changed, "probe")
		restart = append(restart, "probe")
		attrs = append(attrs,
			logx.Bool("probe.enabled", newCfg.Probe.Enabled),
			logx.String("probe.every", strings.TrimSpace(newCfg.Probe.Every)),
		)
	}

	// Monitor (never log token)
	om, nm := oldCfg.Monitor, newCfg.Monitor
	if om.Enabled != nm.Enabled ||
		strings.TrimSpace(om.Addr) != strings.TrimSpace(nm.Addr) ||
		om.AllowInsecure != nm.AllowInsecure ||
		om.Pprof != nm.Pprof ||
		strings.TrimSpace(om.ReadTimeout) != strings.TrimSpace(nm.ReadTimeout) ||
		strings.TrimSpace(om.WriteTimeout) != strings.TrimSpace(nm.WriteTimeout) ||
		strings.TrimSpace(om.IdleTimeout) != strings.TrimSpace(nm.IdleTimeout) ||
		om.Token != nm.Token {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.Bool("monitor.enabled", nm.Enabled),
			logx.String("monitor.addr", strings.TrimSpace(nm.Addr)),
			logx.Bool("monitor.token_set", strings.TrimSpace(nm.Token) != ""),
			logx.Bool("monitor.allow_insecure", nm.AllowInsecure),
			logx.Bool("monitor.pprof", nm.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) || !reflect.DeepEqual(oldCfg.Journal, newCfg.Journal) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("journal.enabled", newCfg.Journal.Enabled),
			logx.String("journal.retention", strings.TrimSpace(newCfg.Journal.Retention)),
		)
	}

	// Alerts (never log bot token)
	oa, na := oldCfg.Alerts, newCfg.Alerts
	if oa.OnTimeout != na.OnTimeout || oa.OnFailure != na.OnFailure || oa.OnConnectivity != na.OnConnectivity ||
		oa.PerMinute != na.PerMinute || oa.Burst != na.Burst {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.on_timeout", na.OnTimeout),
			logx.Bool("alerts.on_failure", na.OnFailure),
			logx.Bool("alerts.on_connectivity", na.OnConnectivity),
			logx.Int("alerts.per_minute", na.PerMinute),
		)
	}
	if !reflect.DeepEqual(oa.Telegram, na.Telegram) {
		changed = append(changed, "alerts.telegram")
		restart = append(restart, "alerts.telegram")
		attrs = append(attrs,
			logx.Bool("alerts.telegram.enabled", na.Telegram.Enabled),
			logx.Bool("alerts.telegram.token_set", na.Telegram.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Sentry, newCfg.Sentry) {
		changed = append(changed, "sentry")
		restart = append(restart, "sentry")
		attrs = append(attrs, logx.Bool("sentry.dsn_set", newCfg.Sentry.DSN != ""))
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, attrs, restart
}

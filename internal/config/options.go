package config

// Option describes one recognized configuration key.
type Option struct {
	Key     string `json:"key"`
	Default string `json:"default,omitempty"`
	Live    bool   `json:"live"`
	Help    string `json:"help"`
}

// Options enumerates every recognized key. It is logged at startup and
// printed by `eventd check-config -v`.
func Options() []Option {
	return []Option{
		{Key: "logging.level", Default: "info", Live: true, Help: "trace|debug|info|warn|error"},
		{Key: "logging.console", Default: "true", Live: true, Help: "human readable console output"},
		{Key: "logging.file.enabled", Default: "false", Live: true, Help: "append JSON lines to logging.file.path"},
		{Key: "logging.file.path", Default: "./eventd.log", Live: true, Help: "log file path"},

		{Key: "profile", Help: "deployment profile; EVENTD_PROFILE overrides"},
		{Key: "profiles.<name>.database.*", Help: "per-profile database overrides"},
		{Key: "database.host", Help: "database host watched by the probe"},
		{Key: "database.port", Default: "5432"},
		{Key: "database.name"},
		{Key: "database.user"},
		{Key: "database.password", Help: "never logged"},
		{Key: "database.sslmode"},
		{Key: "database.connect_timeout", Default: "5s"},

		{Key: "dispatcher.pool_size", Default: "4", Live: true, Help: "max concurrent executions"},
		{Key: "dispatcher.tick_every", Default: "5s", Live: true, Help: "scheduling tick cadence"},
		{Key: "dispatcher.sweep_every", Default: "1s", Live: true, Help: "timeout sweep cadence"},
		{Key: "dispatcher.default_timeout", Default: "0s", Live: true, Help: "budget when no category timeout is set; 0 disables"},
		{Key: "dispatcher.history_size", Default: "200", Live: true},
		{Key: "dispatcher.max_pending", Default: "1024", Live: true},
		{Key: "dispatcher.stop_grace", Default: "3s", Help: "delay before exit after an immediate stop"},
		{Key: "dispatcher.max_thread_runtime", Default: "0", Help: "initial management override in seconds"},

		{Key: "categories.<name>.exclusive", Live: true, Help: "serialize the category"},
		{Key: "categories.<name>.timeout", Live: true, Help: "category budget"},

		{Key: "jobs[].name"},
		{Key: "jobs[].category"},
		{Key: "jobs[].every", Help: "Go duration or HH:MM"},
		{Key: "jobs[].command", Help: "argv of the command to run"},
		{Key: "jobs[].dir"},
		{Key: "jobs[].env"},
		{Key: "jobs[].source", Help: "name for per-source counts; defaults to the job name"},
		{Key: "jobs[].disabled"},

		{Key: "probe.enabled", Default: "false"},
		{Key: "probe.every", Default: "30s"},
		{Key: "probe.timeout", Default: "5s"},

		{Key: "monitor.enabled", Default: "false", Live: true},
		{Key: "monitor.addr", Default: "127.0.0.1:9470", Live: true},
		{Key: "monitor.token", Live: true, Help: "bearer token, never logged"},
		{Key: "monitor.allow_insecure", Default: "false", Live: true},
		{Key: "monitor.pprof", Default: "false", Live: true, Help: "mount /debug/pprof"},
		{Key: "monitor.read_timeout", Default: "10s", Live: true},
		{Key: "monitor.write_timeout", Default: "0s", Live: true},
		{Key: "monitor.idle_timeout", Default: "60s", Live: true},

		{Key: "storage.driver", Default: "sqlite", Help: "sqlite|file|none"},
		{Key: "storage.path", Default: "./eventd.db"},
		{Key: "storage.busy_timeout", Default: "5s"},

		{Key: "journal.enabled", Default: "false"},
		{Key: "journal.retention", Default: "168h"},
		{Key: "journal.prune_every", Default: "1h"},

		{Key: "alerts.on_timeout", Default: "false", Live: true},
		{Key: "alerts.on_failure", Default: "false", Live: true},
		{Key: "alerts.on_connectivity", Default: "false", Live: true},
		{Key: "alerts.per_minute", Default: "6", Live: true},
		{Key: "alerts.burst", Default: "3", Live: true},
		{Key: "alerts.telegram.enabled", Default: "false"},
		{Key: "alerts.telegram.token", Help: "never logged"},
		{Key: "alerts.telegram.chat_id"},
		{Key: "alerts.telegram.thread_id"},

		{Key: "sentry.dsn", Help: "enables error capture"},
		{Key: "sentry.environment"},
		{Key: "sentry.sample_rate", Default: "1.0"},
	}
}

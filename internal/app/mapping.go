package app

import (
	"context"
	"fmt"
	"strings"

	"eventd/internal/category"
	"eventd/internal/config"
	"eventd/internal/dispatch"
	"eventd/internal/monitor"
	"eventd/internal/notify"
	"eventd/internal/source"
	"eventd/internal/storage"
	logx "eventd/pkg/logx"
)

// ValidateConfig is installed as the config manager's validator, so a reload
// that would not resolve is rejected before it is committed.
func ValidateConfig(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	_, err := config.Resolve(cfg)
	return err
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapDispatcherConfig(r config.Resolved) dispatch.Config {
	return dispatch.Config{
		PoolSize:         r.PoolSize,
		TickEvery:        r.TickEvery,
		SweepEvery:       r.SweepEvery,
		DefaultTimeout:   r.DefaultTimeout,
		CategoryTimeouts: r.CategoryTimeouts,
		HistorySize:      r.HistorySize,
		MaxPending:       r.MaxPending,
	}
}

func mapMonitorConfig(cfg *config.Config, r config.Resolved) monitor.Config {
	return monitor.Config{
		Enabled:       cfg.Monitor.Enabled,
		Addr:          r.MonitorAddr,
		Token:         strings.TrimSpace(cfg.Monitor.Token),
		AllowInsecure: cfg.Monitor.AllowInsecure,
		Pprof:         cfg.Monitor.Pprof,
		ReadTimeout:   r.ReadTimeout,
		WriteTimeout:  r.WriteTimeout,
		IdleTimeout:   r.IdleTimeout,
	}
}

func mapNotifyConfig(cfg *config.Config, r config.Resolved) notify.Config {
	return notify.Config{
		OnTimeout:      cfg.Alerts.OnTimeout,
		OnFailure:      cfg.Alerts.OnFailure,
		OnConnectivity: cfg.Alerts.OnConnectivity,
		PerMinute:      r.AlertsPerMinute,
		Burst:          r.AlertsBurst,
	}
}

// mapStorageConfig returns ok=false when the journal is off or the driver is
// "none".
func mapStorageConfig(cfg *config.Config, r config.Resolved) (storage.Config, bool) {
	if !cfg.Journal.Enabled {
		return storage.Config{}, false
	}
	driver := strings.ToLower(strings.TrimSpace(r.StorageDriver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false
	}
	return storage.Config{Driver: driver, Path: r.StoragePath, BusyTimeout: r.BusyTimeout}, true
}

// mapJobs turns the configured commands into periodic jobs. Disabled entries
// are skipped.
func mapJobs(cfg *config.Config) ([]source.Job, error) {
	out := make([]source.Job, 0, len(cfg.Jobs))
	for i, jc := range cfg.Jobs {
		if jc.Disabled {
			continue
		}
		name := strings.TrimSpace(jc.Name)
		c, err := category.Parse(jc.Category)
		if err != nil {
			return nil, fmt.Errorf("jobs[%d].category: %w", i, err)
		}
		every, err := source.ParseInterval(jc.Every)
		if err != nil {
			return nil, fmt.Errorf("jobs[%d].every: %w", i, err)
		}
		src := strings.TrimSpace(jc.Source)
		if src == "" {
			src = name
		}
		out = append(out, source.Job{
			Name:     name,
			Category: c,
			Every:    every,
			Source:   src,
			Body:     source.Command(jc.Command, jc.Dir, jc.Env),
		})
	}
	return out, nil
}

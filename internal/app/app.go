package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"eventd/internal/config"
	"eventd/internal/dispatch"
	"eventd/internal/eventbus"
	"eventd/internal/exclusivity"
	"eventd/internal/journal"
	"eventd/internal/monitor"
	"eventd/internal/notify"
	"eventd/internal/probe"
	rtsup "eventd/internal/runtime/supervisor"
	"eventd/internal/source"
	"eventd/internal/storage"
	"eventd/internal/telemetry"
	logx "eventd/pkg/logx"
)

const (
	drainPoll     = 250 * time.Millisecond
	startupSpread = 10 * time.Second
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	res     config.Resolved

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.Memory

	st       *telemetry.Station
	reg      *exclusivity.Registry
	periodic *source.Periodic
	disp     *dispatch.Dispatcher

	store   storage.Store
	journal *journal.Journal
	notif   *notify.Notifier
	prober  *probe.Prober
	mon     *monitor.Service

	flushSentry func()

	sup *rtsup.Supervisor

	// quit follows the caller's context, a drained stop request and
	// supervisor failure. The supervisor itself lives until Stop so that
	// running work can drain with the journal still listening.
	quit       context.Context
	quitCancel context.CancelFunc
}

// NewApp loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(ValidateConfig)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	res, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.NewService(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))
	root := logSvc.Logger()

	a := &App{
		cfgPath:     cfgPath,
		cfgm:        cfgm,
		res:         res,
		log:         log,
		logs:        logSvc,
		bus:         eventbus.New(),
		flushSentry: func() {},
	}

	a.st = telemetry.New(
		telemetry.WithStopGrace(res.StopGrace),
		telemetry.WithExit(a.requestExit),
	)
	if res.MaxThreadRuntime > 0 {
		a.st.SetMaxThreadRuntime(res.MaxThreadRuntime)
	}
	a.reg = exclusivity.New(res.Table)
	a.periodic = source.NewPeriodic(
		source.WithStartupSpread(startupSpread),
		source.WithLogger(root.With(logx.String("comp", "periodic"))),
	)

	// Journal (optional)
	if sc, ok := mapStorageConfig(cfg, res); ok {
		store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		a.store = store
		a.journal = journal.New(store, res.Retention, journal.WithLogger(root.With(logx.String("comp", "journal"))))
		log.Info("journal enabled", logx.String("driver", sc.Driver), logx.Duration("retention", res.Retention))
	}

	sinks, err := a.buildSinks(cfg)
	if err != nil {
		a.closeEarly()
		return nil, err
	}
	a.notif = notify.New(mapNotifyConfig(cfg, res), a.st, root.With(logx.String("comp", "notify")), sinks...)

	if err := a.registerJobs(cfg); err != nil {
		a.closeEarly()
		return nil, err
	}

	a.disp = dispatch.New(mapDispatcherConfig(res), a.reg, a.st,
		dispatch.WithSource(a.periodic),
		dispatch.WithBus(a.bus),
		dispatch.WithLogger(root.With(logx.String("comp", "dispatch"))),
	)

	src := monitor.Sources{
		Station:    a.st,
		Dispatcher: a.disp,
		Extra:      a.telemetryExtra,
	}
	if a.journal != nil {
		src.Journal = a.journal
	}
	a.mon = monitor.New(mapMonitorConfig(cfg, res), src, root.With(logx.String("comp", "monitor")))

	return a, nil
}

func (a *App) buildSinks(cfg *config.Config) ([]notify.Sink, error) {
	var sinks []notify.Sink
	if tg := cfg.Alerts.Telegram; tg.Enabled {
		s, err := notify.NewTelegram(notify.TelegramConfig{Token: tg.Token, ChatID: tg.ChatID, ThreadID: tg.ThreadID})
		if err != nil {
			return nil, fmt.Errorf("alerts.telegram: %w", err)
		}
		sinks = append(sinks, s)
	}
	if dsn := strings.TrimSpace(cfg.Sentry.DSN); dsn != "" {
		flush, err := notify.InitSentry(notify.SentryConfig{
			DSN:         dsn,
			Environment: cfg.Sentry.Environment,
			SampleRate:  cfg.Sentry.SampleRate,
		})
		if err != nil {
			return nil, fmt.Errorf("sentry: %w", err)
		}
		a.flushSentry = flush
		sinks = append(sinks, notify.Sentry{})
	}
	return sinks, nil
}

// registerJobs adds the configured commands, the connectivity probe and the
// journal prune job to the periodic source.
func (a *App) registerJobs(cfg *config.Config) error {
	jobs, err := mapJobs(cfg)
	if err != nil {
		return err
	}

	if cfg.Probe.Enabled {
		db := a.res.Database
		if db.Configured() {
			a.prober = probe.New(probe.Postgres{URL: db.URL()}, db.Redacted(), a.st,
				probe.WithBus(a.bus),
				probe.WithTimeout(a.res.ProbeTimeout),
				probe.WithLogger(a.logs.Logger().With(logx.String("comp", "probe"))),
			)
			jobs = append(jobs, a.prober.Job(a.res.ProbeEvery))
		} else {
			a.log.Warn("probe enabled but no database configured", logx.String("profile", a.res.Profile))
		}
	}

	if a.journal != nil && a.res.Retention > 0 {
		jobs = append(jobs, a.journal.Job(a.res.PruneEvery))
	}

	for _, j := range jobs {
		if err := a.periodic.Add(j); err != nil {
			return err
		}
		a.log.Debug("job registered",
			logx.String("job", j.Name),
			logx.String("category", j.Category.String()),
			logx.Duration("every", j.Every),
		)
	}
	return nil
}

func (a *App) closeEarly() {
	if a.store != nil {
		_ = a.store.Close()
	}
	a.flushSentry()
	_ = a.logs.Close()
}

// telemetryExtra adds runtime sections to /telemetry.
func (a *App) telemetryExtra() map[string]any {
	out := map[string]any{
		"bus":    a.bus.Stats(),
		"alerts": a.notif.Stats(),
		"jobs":   a.periodic.Jobs(),
		"config": map[string]string{"path": a.cfgPath, "profile": a.res.Profile},
	}
	if sup := a.sup; sup != nil {
		out["supervisor"] = sup.Snapshot()
	}
	return out
}

// requestExit is the station's exit hook: it runs once the stop grace
// elapses after a drained stop request.
func (a *App) requestExit() {
	a.log.Info("stop request drained; exiting")
	if cancel := a.quitCancel; cancel != nil {
		cancel()
	}
}

func (a *App) Station() *telemetry.Station      { return a.st }
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }
func (a *App) Monitor() *monitor.Service        { return a.mon }

// Done is closed when the app should stop: the Start context ended, a stop
// request drained, a supervised loop failed for good, or Stop ran.
func (a *App) Done() <-chan struct{} {
	if a.quit == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.quit.Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.quit, a.quitCancel = context.WithCancel(ctx)
	a.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx), rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()
	context.AfterFunc(c, a.quitCancel)

	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))

	if err := a.disp.Start(c); err != nil {
		return err
	}
	a.mon.Start(c)

	if a.journal != nil {
		a.sup.GoRestart("journal", func(c context.Context) error { return a.journal.Run(c, a.bus) })
	}
	a.sup.GoRestart("notify", func(c context.Context) error { return a.notif.Run(c, a.bus) })
	a.sup.Go("drain", a.runDrain)
	a.sup.Go("systemd.watchdog", a.runWatchdog)
	a.sup.Go("eventbus.debug", a.runBusDebug)

	sub := a.cfgm.Subscribe(1)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg := <-sub:
				if newCfg == nil {
					continue
				}
				// coalesce bursts: keep only the newest pending config
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if a.log.Enabled(logx.LevelDebug) {
		for _, o := range config.Options() {
			a.log.Debug("config option", logx.String("key", o.Key), logx.String("default", o.Default), logx.Bool("live", o.Live))
		}
	}

	a.sdNotify(daemon.SdNotifyReady)
	a.sdStatus()
	a.log.Info("app started",
		logx.String("config", a.cfgPath),
		logx.String("profile", a.res.Profile),
		logx.Int("jobs", len(a.periodic.Jobs())),
		logx.Bool("monitor", a.mon.Enabled()),
		logx.Bool("journal", a.journal != nil),
		logx.Bool("probe", a.prober != nil),
	)
	return nil
}

// applyConfig fans a committed config out to the live components. Sections
// that only take effect on restart are reported and otherwise ignored.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.log.Debug("config change summary",
		append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)

	res, err := config.Resolve(next)
	if err != nil {
		a.log.Warn("config reload rejected; keeping previous", logx.Err(err))
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(next))
	a.reg.SetTable(res.Table)
	a.disp.Apply(mapDispatcherConfig(res))
	a.notif.Apply(mapNotifyConfig(next, res))
	a.mon.Reconfigure(ctx, mapMonitorConfig(next, res))

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

// runDrain completes a deferred stop once the last active thread returns.
func (a *App) runDrain(ctx context.Context) error {
	t := time.NewTicker(drainPoll)
	defer t.Stop()
	announced := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if !a.st.StopRequested() {
			continue
		}
		if !announced {
			announced = true
			a.sdNotify("STATUS=draining")
			a.log.Info("draining", logx.Int("active", a.st.ActiveThreads()))
		}
		if a.st.ExitIfDrained() {
			a.log.Info("drained", logx.Duration("grace", a.res.StopGrace))
			return nil
		}
	}
}

func (a *App) runBusDebug(ctx context.Context) error {
	if !a.log.Enabled(logx.LevelDebug) {
		return nil
	}
	ch, unsub := a.bus.Subscribe(64)
	defer unsub()
	log := a.log.With(logx.String("comp", "eventbus"))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			log.Debug("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)
	a.quitCancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = max(rem, 0)
				}
			}
			if limit > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, limit)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("dispatcher", 5*time.Second, func(c context.Context) error {
		err := a.disp.Stop(c)
		if errors.Is(err, dispatch.ErrNotStarted) {
			return nil
		}
		return err
	})
	// Bodies still running past the drain are interrupted here.
	a.sup.Cancel()
	step("monitor", 2*time.Second, func(c context.Context) error { a.mon.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("sentry", 3*time.Second, func(c context.Context) error { a.flushSentry(); return nil })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"eventd/internal/app"
	"eventd/internal/category"
	"eventd/internal/config"
)

const stopTimeout = 15 * time.Second

var (
	flagConfig  string
	flagVerbose bool
)

func main() {
	// .env.local wins over .env; neither overrides the real environment.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	def := os.Getenv("EVENTD_CONFIG")
	if def == "" {
		def = "./config.json"
	}
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", def, "path to config (json or yaml); EVENTD_CONFIG overrides the default")
	checkCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "also list every recognized option")

	rootCmd.AddCommand(runCmd, checkCmd, categoriesCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "eventd",
	Short:         "Event-driven work dispatcher with telemetry and a monitoring surface",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          doRun,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run the dispatcher until SIGINT/SIGTERM or a stop request",
	RunE:  doRun,
}

var checkCmd = &cobra.Command{
	Use:   "check-config",
	Short: "validate the config file and print the resolved settings",
	RunE:  doCheck,
}

var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "print the category table after config overrides",
	RunE:  doCategories,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	Run: func(cmd *cobra.Command, _ []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "eventd: version info not available")
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "eventd: %s\ngo:     %s\n", info.Main.Version, info.GoVersion)
	},
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.NewApp(flagConfig)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	<-a.Done()

	reason := app.StopUnknown
	select {
	case s := <-sigs:
		if s == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	default:
		switch {
		case a.Err() != nil:
			reason = app.StopFatalError
		case a.Station().StopRequested():
			reason = app.StopRequested
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadConfig() (*config.Config, config.Resolved, error) {
	cfgm := config.NewConfigManager(flagConfig)
	cfgm.SetValidator(app.ValidateConfig)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, config.Resolved{}, err
	}
	res, err := config.Resolve(cfg)
	return cfg, res, err
}

func doCheck(cmd *cobra.Command, _ []string) error {
	cfg, res, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config %s: ok\n", flagConfig)

	summary := map[string]any{
		"profile":           res.Profile,
		"database":          res.Database.Redacted(),
		"pool_size":         res.PoolSize,
		"tick_every":        res.TickEvery.String(),
		"sweep_every":       res.SweepEvery.String(),
		"default_timeout":   res.DefaultTimeout.String(),
		"stop_grace":        res.StopGrace.String(),
		"jobs":              len(cfg.Jobs),
		"monitor_enabled":   cfg.Monitor.Enabled,
		"monitor_addr":      res.MonitorAddr,
		"journal_enabled":   cfg.Journal.Enabled,
		"storage_driver":    res.StorageDriver,
		"probe_enabled":     cfg.Probe.Enabled,
		"telegram_enabled":  cfg.Alerts.Telegram.Enabled,
		"sentry_configured": strings.TrimSpace(cfg.Sentry.DSN) != "",
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return err
	}

	if flagVerbose {
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tDEFAULT\tLIVE\tHELP")
		for _, o := range config.Options() {
			fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", o.Key, o.Default, o.Live, o.Help)
		}
		return tw.Flush()
	}
	return nil
}

func doCategories(cmd *cobra.Command, _ []string) error {
	_, res, err := loadConfig()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tEXCLUSIVE\tTIMEOUT")
	for _, c := range category.All() {
		timeout := "-"
		if d, ok := res.CategoryTimeouts[c]; ok {
			timeout = d.String()
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\n", c, res.Table.Exclusive(c), timeout)
	}
	return tw.Flush()
}

// Command cyclearb scans exchange snapshots for arbitrage cycles. It loads
// configuration, validates it, wires dependencies, sets up signal handling and
// runs the selected subcommand.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/cyclearb/internal/app"
	"github.com/alanyoungcy/cyclearb/internal/config"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:           "cyclearb",
		Short:         "Arbitrage cycle scanner",
		Long:          `Detects profitable currency cycles in exchange ticker snapshots using Bellman-Ford and triangle scans.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and CYCLEARB_* env only when empty)")

	rootCmd.AddCommand(scanCmd(), watchCmd(), reportCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func scanCmd() *cobra.Command {
	var opts app.Options
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan a snapshot file once and print the cycles as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run("scan", opts)
		},
	}
	cmd.Flags().StringVar(&opts.SnapshotPath, "snapshot", "", "snapshot document (JSON keyed by exchange id)")
	cmd.Flags().StringVar(&opts.Exchange, "exchange", "", "scan only this exchange")
	_ = cmd.MarkFlagRequired("snapshot")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Consume the snapshot feed and scan continuously",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run("watch", app.Options{})
		},
	}
}

func reportCmd() *cobra.Command {
	var opts app.Options
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print per-technique latency percentiles from telemetry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run("report", opts)
		},
	}
	cmd.Flags().StringVar(&opts.Technique, "technique", "", "only report this technique")
	cmd.Flags().StringVar(&opts.ArchiveDay, "archive-day", "", "read archived telemetry of this day (YYYY-MM-DD) from S3")
	return cmd
}

func run(mode string, opts app.Options) error {
	// Logs go to stderr so scan and report output stays parseable.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", cfgFile),
			slog.String("error", err.Error()),
		)
		return err
	}
	cfg.Mode = mode

	logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return err
	}

	logger.Info("cyclearb starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", cfgFile),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, opts, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
			return nil
		}
		logger.Error("application exited with error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("cyclearb stopped")
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

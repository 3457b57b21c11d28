// Package main provides the CLI entry point for htcp-purger.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/postalsys/htcp-purger/internal/config"
	"github.com/postalsys/htcp-purger/internal/logging"
	"github.com/postalsys/htcp-purger/internal/metrics"
	"github.com/postalsys/htcp-purger/internal/purger"
)

var (
	// Version is set at build time
	Version = "dev"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	logLevel     string
	logFormat    string
	printMetrics bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "htcp-purge",
		Short: "htcp-purge - Send HTCP CLR purges to HTTP caches",
		Long: `htcp-purge builds HTCP CLR datagrams for URLs and sends them over UDP
to the cache endpoints selected by an ordered routing table.

Sends are fire-and-forget: no response is awaited and failed sends
are reported but never retried.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides config")
	rootCmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Log format (text, json); overrides config")
	rootCmd.PersistentFlags().BoolVar(&flags.printMetrics, "print-metrics", false, "Print purge metrics to stdout on exit")

	rootCmd.AddCommand(sendCmd(flags))
	rootCmd.AddCommand(purgeCmd(flags))
	rootCmd.AddCommand(streamCmd(flags))
	rootCmd.AddCommand(routesCmd(flags))
	rootCmd.AddCommand(dumpCmd(flags))

	return rootCmd
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(path string, flags *globalFlags) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file is required (-c)")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.LogFormat = flags.logFormat
	}
	return cfg, nil
}

// newLogger builds the process logger, preferring flags over cfg. When cfg
// names a log file, output goes to both stderr and the rotating file. The
// returned func closes the file.
func newLogger(flags *globalFlags, cfg *config.Config) (*slog.Logger, func()) {
	level, format := "info", "text"
	if cfg != nil {
		level, format = cfg.LogLevel, cfg.LogFormat
	}
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	if flags.logFormat != "" {
		format = flags.logFormat
	}

	if cfg == nil || cfg.LogFile.Path == "" {
		return logging.NewLogger(level, format), func() {}
	}

	file := logging.NewFileWriter(logging.FileOptions{
		Path:       cfg.LogFile.Path,
		MaxSizeMB:  cfg.LogFile.MaxSizeMB,
		MaxBackups: cfg.LogFile.MaxBackups,
		MaxAgeDays: cfg.LogFile.MaxAgeDays,
	})
	logger := logging.NewLoggerWithWriter(level, format, io.MultiWriter(os.Stderr, file))
	return logger, func() { _ = file.Close() }
}

// newMetrics returns metrics on a private registry so the printed dump and
// the health endpoint only show purge metrics.
func newMetrics() (*metrics.Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return metrics.NewMetricsWithRegistry(reg), reg
}

func maybePrintMetrics(w io.Writer, flags *globalFlags, reg prometheus.Gatherer) error {
	if !flags.printMetrics {
		return nil
	}
	return metrics.WriteText(w, reg)
}

// summarize formats a one-line batch summary.
func summarize(r *purger.Report) string {
	return fmt.Sprintf("%d sent (%s), %d without route, %d failed in %s",
		r.Count(purger.OutcomeSent),
		humanize.Bytes(uint64(r.Bytes())),
		r.Count(purger.OutcomeNoRoute),
		r.Count(purger.OutcomeFailed),
		r.Duration.Round(time.Microsecond))
}

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/htcp-purger/internal/health"
	"github.com/postalsys/htcp-purger/internal/logging"
	"github.com/postalsys/htcp-purger/internal/purger"
)

func streamCmd(flags *globalFlags) *cobra.Command {
	var (
		configPath string
		inputPath  string
	)

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Purge URLs read line by line from stdin or a file",
		Long: `Read newline-delimited URLs and purge them in batches. A batch is sent
when stream.batch_size URLs are pending or stream.flush_interval elapses.
Runs until input ends or SIGINT/SIGTERM is received.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, flags)
			if err != nil {
				return err
			}

			logger, closeLog := newLogger(flags, cfg)
			defer closeLog()
			m, reg := newMetrics()

			var input io.Reader = cmd.InOrStdin()
			if inputPath != "" && inputPath != "-" {
				f, err := os.Open(inputPath)
				if err != nil {
					return fmt.Errorf("failed to open input: %w", err)
				}
				defer f.Close()
				input = f
			}

			if f, ok := input.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
				fmt.Fprintln(cmd.ErrOrStderr(), "Reading URLs from the terminal, one per line (Ctrl-D to finish)")
			}

			p, err := purger.New(cfg.PurgerOptions(logger, m))
			if err != nil {
				return err
			}
			defer p.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := p.Bind(ctx); err != nil {
				return fmt.Errorf("failed to bind: %w", err)
			}

			stats := &streamStats{routes: p.Resolver().Len()}
			stats.running.Store(true)
			defer stats.running.Store(false)

			if cfg.Health.Enabled {
				srv := health.NewServer(health.ServerConfig{
					Address:      cfg.Health.Address,
					ReadTimeout:  cfg.Health.ReadTimeout,
					WriteTimeout: cfg.Health.WriteTimeout,
					Gatherer:     reg,
					Logger:       logger,
				}, stats)
				if err := srv.Start(); err != nil {
					return fmt.Errorf("failed to start health server: %w", err)
				}
				defer srv.Stop()
				logger.Info("health server listening", logging.KeyLocalAddr, srv.Address().String())
			}

			logger.Info("streaming purges",
				logging.KeyLocalAddr, p.LocalAddr().String(),
				"routes", stats.routes,
				"batch_size", cfg.Stream.BatchSize,
				"flush_interval", cfg.Stream.FlushInterval)

			err = p.PurgeStream(ctx, input, purger.StreamOptions{
				BatchSize:     cfg.Stream.BatchSize,
				FlushInterval: cfg.Stream.FlushInterval,
				OnBatch:       stats.observer(logger),
			})
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				logger.Info("shutting down", "reason", ctx.Err())
				err = nil
			}

			if perr := maybePrintMetrics(cmd.OutOrStdout(), flags, reg); perr != nil && err == nil {
				err = perr
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "Read URLs from file instead of stdin")

	return cmd
}

// streamStats feeds the health server from batch reports.
type streamStats struct {
	running     atomic.Bool
	routes      int
	batches     atomic.Uint64
	urls        atomic.Uint64
	sent        atomic.Uint64
	routeMisses atomic.Uint64
	failed      atomic.Uint64
	lastBatch   atomic.Int64
}

func (s *streamStats) IsRunning() bool {
	return s.running.Load()
}

func (s *streamStats) Stats() health.Stats {
	st := health.Stats{
		RouteCount:  s.routes,
		Batches:     s.batches.Load(),
		URLs:        s.urls.Load(),
		Sent:        s.sent.Load(),
		RouteMisses: s.routeMisses.Load(),
		Failed:      s.failed.Load(),
	}
	if ns := s.lastBatch.Load(); ns != 0 {
		st.LastBatch = time.Unix(0, ns)
	}
	return st
}

func (s *streamStats) record(r *purger.Report) {
	s.batches.Add(1)
	s.urls.Add(uint64(len(r.Results)))
	s.sent.Add(uint64(r.Count(purger.OutcomeSent)))
	s.routeMisses.Add(uint64(r.Count(purger.OutcomeNoRoute)))
	s.failed.Add(uint64(r.Count(purger.OutcomeFailed)))
	s.lastBatch.Store(time.Now().UnixNano())
}

func (s *streamStats) observer(logger *slog.Logger) func(*purger.Report, error) {
	return func(r *purger.Report, err error) {
		s.record(r)
		if err != nil {
			logger.Warn("batch had failures", logging.KeyCount, r.Count(purger.OutcomeFailed), logging.KeyError, err)
			return
		}
		logger.Debug("batch sent",
			logging.KeyCount, len(r.Results),
			logging.KeyDuration, r.Duration,
			"summary", summarize(r))
	}
}

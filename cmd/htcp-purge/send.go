package main

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/htcp-purger/internal/logging"
	"github.com/postalsys/htcp-purger/internal/purger"
	"github.com/postalsys/htcp-purger/internal/routing"
)

func sendCmd(flags *globalFlags) *cobra.Command {
	var (
		linger time.Duration
		ttl    int
	)

	cmd := &cobra.Command{
		Use:   "send <host:port> <url>",
		Short: "Send a single purge to one cache",
		Long: `Send one HTCP CLR datagram for url directly to host:port, bypassing
any routing configuration. Useful for manually purging a resource.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := parseTarget(args[0])
			if err != nil {
				return err
			}
			url := args[1]

			logger, closeLog := newLogger(flags, nil)
			defer closeLog()
			m, reg := newMetrics()

			p, err := purger.New(purger.Options{
				Routes:       []routing.Rule{{Host: dest.Host, Port: dest.Port}},
				MulticastTTL: ttl,
				Log:          logging.Callback(logger),
				Logger:       logger,
				Metrics:      m,
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := p.Bind(ctx); err != nil {
				return fmt.Errorf("failed to bind: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Sending a datagram to %s for uri %s\n", dest, url)
			_, purgeErr := p.Purge(ctx, []string{url})

			// Keep the socket open briefly so the kernel flushes the datagram.
			time.Sleep(linger)
			p.Close()

			if purgeErr != nil {
				return purgeErr
			}
			return maybePrintMetrics(cmd.OutOrStdout(), flags, reg)
		},
	}

	cmd.Flags().DurationVar(&linger, "linger", 100*time.Millisecond, "How long to keep the socket open after sending")
	cmd.Flags().IntVar(&ttl, "multicast-ttl", 0, "Multicast TTL for multicast destinations (0 = default 8)")

	return cmd
}

// parseTarget parses a host:port argument.
func parseTarget(s string) (routing.Destination, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return routing.Destination{}, fmt.Errorf("invalid target %q: expected host:port", s)
	}
	if host == "" {
		return routing.Destination{}, fmt.Errorf("invalid target %q: host is required", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return routing.Destination{}, fmt.Errorf("invalid target %q: port must be 1-65535", s)
	}
	return routing.Destination{Host: host, Port: port}, nil
}

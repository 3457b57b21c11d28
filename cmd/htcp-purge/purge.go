package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/postalsys/htcp-purger/internal/purger"
	"github.com/postalsys/htcp-purger/internal/routing"
)

func purgeCmd(flags *globalFlags) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "purge <url>...",
		Short: "Purge URLs using the configured routes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, flags)
			if err != nil {
				return err
			}

			logger, closeLog := newLogger(flags, cfg)
			defer closeLog()
			m, reg := newMetrics()

			p, err := purger.New(cfg.PurgerOptions(logger, m))
			if err != nil {
				return err
			}
			defer p.Close()

			ctx := cmd.Context()
			if err := p.Bind(ctx); err != nil {
				return fmt.Errorf("failed to bind: %w", err)
			}

			report, purgeErr := p.Purge(ctx, args)
			fmt.Fprintln(cmd.OutOrStdout(), summarize(report))

			if err := maybePrintMetrics(cmd.OutOrStdout(), flags, reg); err != nil {
				return err
			}
			return purgeErr
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	return cmd
}

func routesCmd(flags *globalFlags) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "routes [url]",
		Short: "Show the routing table or where a URL is sent",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, flags)
			if err != nil {
				return err
			}

			resolver, err := routing.NewResolver(cfg.RoutingRules())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				dest, ok := resolver.Resolve(args[0])
				if !ok {
					return fmt.Errorf("no route for %s", args[0])
				}
				fmt.Fprintln(out, dest)
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tKIND\tRULE\tDESTINATION")
			for _, e := range resolver.Entries() {
				rule := e.Rule.Pattern
				if e.Kind == routing.MatchAll {
					rule = "*"
				}
				dest := routing.Destination{Host: e.Rule.Host, Port: e.Rule.Port}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", e.Index, e.Kind, rule, dest)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if !resolver.HasDefault() {
				fmt.Fprintln(out, "warning: no default route; unmatched URLs are skipped")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	return cmd
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/postalsys/htcp-purger/internal/htcp"
	"github.com/postalsys/htcp-purger/internal/logging"
)

func dumpCmd(flags *globalFlags) *cobra.Command {
	var (
		listen string
		count  int
	)

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print CLR requests received on a UDP address",
		Long: `Listen for HTCP CLR datagrams and print each decoded request. Point
a purger at this address to see exactly what a cache would receive.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, closeLog := newLogger(flags, nil)
			defer closeLog()

			conn, err := net.ListenPacket("udp4", listen)
			if err != nil {
				return fmt.Errorf("failed to listen: %w", err)
			}
			defer conn.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				conn.Close()
			}()

			logger.Info("listening for CLR packets", logging.KeyLocalAddr, conn.LocalAddr().String())
			return dumpPackets(ctx, conn, count, func(from net.Addr, req *htcp.Request, err error) {
				if err != nil {
					logger.Warn("undecodable packet", logging.KeyRemoteAddr, from.String(), logging.KeyError, err)
					return
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", from, req)
			})
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "127.0.0.1:4827", "UDP address to listen on")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many packets (0 = unlimited)")

	return cmd
}

// dumpPackets reads datagrams from conn until ctx ends, the connection is
// closed or count packets were handled.
func dumpPackets(ctx context.Context, conn net.PacketConn, count int, handle func(net.Addr, *htcp.Request, error)) error {
	buf := make([]byte, 65535)
	for n := 0; count == 0 || n < count; n++ {
		size, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		req, err := htcp.Decode(buf[:size])
		handle(from, req, err)
	}
	return nil
}

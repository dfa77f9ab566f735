// Example: Echo Server
//
// This example runs a multi-threaded TCP echo server:
// - An acceptor on the base loop, connections spread over I/O loops
// - Flags, overlaid on an optional YAML config file
// - JSON structured logging
// - Graceful shutdown on SIGINT/SIGTERM
//
// Run with: go run ./reactor/examples/01_echo/ --threads 4
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/go-reactor/reactor"
	"github.com/joeycumines/stumpy"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	flagCfg := defaultConfig()

	cmd := &cobra.Command{
		Use:          "echo",
		Short:        "Multi-threaded TCP echo server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := defaultConfig()
			if configPath != "" {
				if err := loadConfigFile(configPath, &cfg); err != nil {
					return err
				}
			}
			applyFlags(cmd, &flagCfg, &cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, cmd.ErrOrStderr(), nil)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML config file")
	flags.StringVar(&flagCfg.Listen, "listen", flagCfg.Listen, "listen address (ip:port)")
	flags.IntVar(&flagCfg.Threads, "threads", flagCfg.Threads, "number of I/O loop threads (0 uses the accept loop)")
	flags.BoolVar(&flagCfg.ReusePort, "reuse-port", flagCfg.ReusePort, "enable SO_REUSEPORT")
	flags.IntVar(&flagCfg.HighWaterMark, "high-water-mark", flagCfg.HighWaterMark, "outbound buffer high water mark, in bytes")
	flags.BoolVar(&flagCfg.TCPNoDelay, "tcp-no-delay", flagCfg.TCPNoDelay, "disable Nagle's algorithm")
	flags.StringVar(&flagCfg.LogLevel, "log-level", flagCfg.LogLevel, "log level (err|warning|info|debug|trace)")
	flags.BoolVar(&flagCfg.CloseAfterEcho, "close-after-echo", flagCfg.CloseAfterEcho, "shut down each connection after its first echo")

	return cmd
}

// run serves until ctx is done. If ready is non-nil, it receives the bound
// address once the server is listening.
func run(ctx context.Context, cfg Config, logOutput io.Writer, ready func(netip.AddrPort)) error {
	addr, level, err := cfg.validate()
	if err != nil {
		return err
	}

	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(logOutput)),
		stumpy.L.WithLevel(level),
	).Logger()

	thread := reactor.LockThread("base")
	defer thread.Unlock()

	loop, err := reactor.NewLoop(thread, reactor.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := loop.Close(); err != nil {
			logger.Err().Err(err).Log("failed to close loop")
		}
	}()

	server, err := reactor.NewServer(loop, addr, "echo",
		reactor.WithThreadNum(cfg.Threads),
		reactor.WithReusePort(cfg.ReusePort),
		reactor.WithHighWaterMark(cfg.HighWaterMark),
		reactor.WithTCPNoDelay(cfg.TCPNoDelay),
	)
	if err != nil {
		return err
	}

	server.SetConnectionCallback(func(conn *reactor.Conn) {
		logger.Info().
			Str("conn", conn.Name()).
			Str("peer", conn.PeerAddr().String()).
			Bool("connected", conn.Connected()).
			Log("connection")
	})
	server.SetMessageCallback(func(conn *reactor.Conn, buf *reactor.Buffer, receiveTime time.Time) {
		n := buf.ReadableBytes()
		conn.SendBuffer(buf)
		logger.Debug().
			Str("conn", conn.Name()).
			Int("bytes", n).
			Time("received", receiveTime).
			Log("echo")
		if cfg.CloseAfterEcho {
			conn.Shutdown()
		}
	})
	server.SetHighWaterMarkCallback(func(conn *reactor.Conn, buffered int) {
		logger.Warning().
			Str("conn", conn.Name()).
			Int("buffered", buffered).
			Log("high water mark reached, closing write side")
		conn.Shutdown()
	})

	if err := server.Start(); err != nil {
		return err
	}

	bound := server.Addr()
	logger.Notice().
		Str("addr", bound.String()).
		Int("threads", cfg.Threads).
		Log("echo server started")
	if ready != nil {
		ready(bound)
	}

	runErr := loop.Run(ctx)
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Close(shutdownCtx); err != nil {
		return fmt.Errorf("close server: %w", err)
	}

	logger.Notice().Log("echo server stopped")

	return runErr
}

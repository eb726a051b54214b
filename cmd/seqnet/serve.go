package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/leesper/seqnet"
	"github.com/leesper/seqnet/internal/config"
	xlog "github.com/leesper/seqnet/internal/log"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the echo server",
	Long:  "Run a server that writes every received message back to its sender.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewLoader(configPath).Load()
		if err != nil {
			return err
		}
		level := cfg.LogLevel
		if logLevel != "" {
			level = logLevel
		}
		xlog.Reconfigure(xlog.Config{Level: level, Service: "seqnet"})
		return serve(cmd.Context(), cfg)
	},
}

func serverOptions(cfg config.Config, seq *seqnet.Sequencer) ([]seqnet.ServerOption, error) {
	logger := xlog.WithComponent("echo")
	opts := []seqnet.ServerOption{
		seqnet.UseSequencerOption(seq),
		seqnet.MaxConnectionsOption(cfg.MaxConnections),
		seqnet.MaxBodyBytesOption(cfg.MaxBodyBytes),
		seqnet.OnConnectOption(func(c *seqnet.Conn) bool {
			logger.Info().Int64("netid", c.NetID()).Str("remote", c.RemoteAddr().String()).Msg("on connect")
			return true
		}),
		seqnet.OnMessageOption(func(msg net.Buffers, c *seqnet.Conn) {
			if err := c.WriteBuffers(msg); err != nil {
				logger.Warn().Err(err).Int64("netid", c.NetID()).Msg("echo")
			}
		}),
		seqnet.OnErrorOption(func(c *seqnet.Conn, err error) {
			logger.Warn().Err(err).Int64("netid", c.NetID()).Msg("on error")
		}),
		seqnet.OnCloseOption(func(c *seqnet.Conn) {
			logger.Info().Int64("netid", c.NetID()).AnErr("reason", c.Err()).Msg("on close")
		}),
	}
	if cfg.AcceptRate > 0 {
		opts = append(opts, seqnet.AcceptRateOption(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst))
	}
	if cfg.CertFile != "" {
		tlsCfg, err := seqnet.LoadTLSConfig(cfg.CertFile, cfg.KeyFile, false)
		if err != nil {
			return nil, fmt.Errorf("load key pair: %w", err)
		}
		opts = append(opts, seqnet.TLSCredsOption(tlsCfg))
	}
	return opts, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := xlog.WithComponent("serve")

	seqOpts := []seqnet.SequencerOption{seqnet.WithSequencerName("server")}
	if cfg.Workers > 0 {
		pool := seqnet.NewWorkerPool(cfg.Workers)
		defer pool.Close()
		seqOpts = append(seqOpts, seqnet.WithExecutor(pool))
	}
	seq := seqnet.NewSequencer(seqOpts...)

	opts, err := serverOptions(cfg, seq)
	if err != nil {
		return err
	}
	server := seqnet.NewServer(opts...)

	l, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := server.Start(l)
		if errors.Is(err, seqnet.ErrServerClosed) {
			return nil
		}
		return err
	})
	if cfg.MetricsAddr != "" {
		metrics := seqnet.MonitorOn(cfg.MetricsAddr)
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint")
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metrics.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		server.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if n := seq.Wait(5 * time.Second); n > 0 {
		logger.Warn().Int("outstanding", n).Msg("callbacks still outstanding at exit")
	}
	return nil
}

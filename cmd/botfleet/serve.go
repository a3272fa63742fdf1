package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/szaher/designs/botfleet/internal/auth"
	"github.com/szaher/designs/botfleet/internal/config"
	"github.com/szaher/designs/botfleet/internal/credentials"
	"github.com/szaher/designs/botfleet/internal/events"
	"github.com/szaher/designs/botfleet/internal/fleet"
	"github.com/szaher/designs/botfleet/internal/server"
	"github.com/szaher/designs/botfleet/internal/supervisor"
	"github.com/szaher/designs/botfleet/internal/telemetry"
	"github.com/szaher/designs/botfleet/internal/transport/helper"
	"github.com/szaher/designs/botfleet/internal/uptime"
)

const limiterIdle = 10 * time.Minute

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pairing server and worker supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
				cfg.Server.Port = 0
			}

			level, _ := telemetry.ParseLevel(cfg.Log.Level)
			logger := telemetry.NewLogger(os.Stderr, level, cfg.Log.Format)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config and PORT)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	metrics := telemetry.NewMetrics()
	g, gctx := errgroup.WithContext(ctx)

	deps := fleet.Deps{
		Dialer: helper.New(cfg.Pairing.HelperCommand, cfg.Pairing.HelperArgs,
			helper.WithLogger(logger.With("component", "pairing-helper"))),
		Launcher: supervisor.NewExecLauncher(cfg.Worker.Command, cfg.Worker.Args, cfg.Worker.Dir, cfg.Worker.Env),
		Metrics:  metrics,
		Logger:   logger,
	}

	if cfg.Backup.Bucket != "" {
		store := credentials.NewStore(cfg.Data.PairingDir(), cfg.Data.SessionsDir())
		backup, err := credentials.NewS3BackupFromEnv(ctx, store, cfg.Backup.Region, cfg.Backup.Bucket, cfg.Backup.Prefix)
		if err != nil {
			return err
		}
		deps.Backup = backup
		logger.Info("credential backups enabled", "bucket", cfg.Backup.Bucket, "prefix", cfg.Backup.Prefix)
	}

	if cfg.Redis.Addr != "" {
		client := events.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer client.Close()
		sink := events.NewRedisSink(client, events.RedisSinkConfig{
			Stream: cfg.Redis.Stream,
			MaxLen: cfg.Redis.MaxLen,
			Logger: logger.With("component", "redis-sink"),
		})
		deps.Sinks = append(deps.Sinks, sink)
		g.Go(func() error { return sink.Run(gctx) })
		logger.Info("redis event sink enabled", "addr", cfg.Redis.Addr, "stream", cfg.Redis.Stream)
	}

	if cfg.Uptime.Enabled {
		deps.Uptime = uptime.New(cfg.Uptime.URL,
			uptime.WithTimeout(cfg.Uptime.Timeout),
			uptime.WithLogger(logger.With("component", "uptime")))
		logger.Info("uptime pings enabled", "url", cfg.Uptime.URL, "interval", cfg.Uptime.Interval)
	}

	f, err := fleet.New(cfg, deps)
	if err != nil {
		return err
	}

	limiter := auth.NewRateLimiter(auth.RateLimitConfig{
		RequestsPerSecond: cfg.Server.RequestRate,
		Burst:             cfg.Server.RequestBurst,
	})
	if err := f.Every("ratelimit-prune", limiterIdle, func() { limiter.Prune(limiterIdle) }); err != nil {
		return err
	}
	if err := f.Start(gctx); err != nil {
		return fmt.Errorf("start fleet: %w", err)
	}

	clientKey, err := auth.TrustedProxyKeyFunc(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}
	opts := []server.Option{
		server.WithAPIKey(cfg.Server.APIKey),
		server.WithClientKeyFunc(clientKey),
		server.WithLogger(logger.With("component", "http")),
		server.WithRateLimiter(limiter),
		server.WithMetrics(metrics),
		server.WithVersion(version),
	}
	if cfg.Server.TokenSecret != "" {
		tokens, err := auth.NewTokens(cfg.Server.TokenSecret, "")
		if err != nil {
			return err
		}
		opts = append(opts, server.WithTokens(tokens))
	}
	srv := server.New(f, opts...)
	if cfg.Server.APIKey == "" && cfg.Server.TokenSecret == "" {
		logger.Warn("no API key configured; administrative endpoints are open")
	}

	g.Go(func() error { return srv.ListenAndServe(cfg.Server.ListenAddr()) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		hctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		herr := srv.Shutdown(hctx)
		fctx, fcancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer fcancel()
		return errors.Join(herr, f.Shutdown(fctx))
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

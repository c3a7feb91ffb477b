package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"staysync/internal/api"
	"staysync/internal/bot"
	"staysync/internal/config"
	"staysync/internal/database"
	"staysync/internal/metrics"
	"staysync/internal/notify"
	"staysync/internal/service"
	"staysync/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/gRPC API, channel sync and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	operator := newOperatorService(a)
	notifier, err := a.startTelegram(ctx, operator)
	if err != nil {
		return err
	}

	outbox := worker.NewOutboxWorker(a.db, notifier, initLedger(ctx, cfg, logger), a.redis, outboxRetry, logger)
	outbox.Subscribe(ctx, a.bus)
	go outbox.Start(ctx)

	grpcServer, err := api.NewGRPCServer(&cfg.API, logger)
	if err != nil {
		logger.Error().Err(err).Msg("create grpc server")
		return err
	}
	a.syncWorker.SetHealthReporter(grpcServer)
	if health, err := a.scheduler.Health(ctx); err == nil {
		grpcServer.SeedChannels(health)
	}
	grpcServer.SetServing(true)

	c := cron.New()
	if cfg.Sync.Enabled {
		if err := a.scheduler.Register(ctx, c); err != nil {
			return err
		}
	}
	if err := a.reservations.ScheduleSweep(ctx, c, cfg.Reservations.SweepSchedule); err != nil {
		return err
	}
	if _, err := c.AddFunc("@every 10m", func() { a.memCache.Sweep() }); err != nil {
		return err
	}
	if err := database.NewBackupService(a.db, cfg.Backup, logger).Schedule(ctx, c); err != nil {
		return err
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	startMetrics(ctx, cfg, logger)

	httpServer := api.NewHTTPServer(cfg.API, api.Services{
		Reservations: a.reservations,
		Projector:    a.projector,
		Operator:     operator,
		Catalog:      a.catalog,
		Store:        a.db,
		Ready:        a.db.PingContext,
	}, logger)

	err = startServers(ctx, grpcServer, httpServer, cfg, logger)
	a.reservations.Wait()
	return err
}

// startTelegram returns the operator notifier and, when commands are enabled,
// runs the operator bot on the same Bot API client.
func (a *app) startTelegram(ctx context.Context, operator *service.OperatorService) (notify.OperatorNotifier, error) {
	cfg := a.cfg.Telegram
	if cfg.BotToken == "" || !cfg.Commands {
		return notify.New(cfg, a.logger)
	}

	tg, err := notify.NewBotAPI(cfg)
	if err != nil {
		return nil, err
	}
	b := bot.NewBot(bot.NewBotWrapper(tg), operator, a.projector, cfg.OperatorChatID, a.logger)
	go b.Start(ctx)
	go func() {
		<-ctx.Done()
		b.Stop()
	}()
	return notify.NewTelegramNotifier(tg, cfg.OperatorChatID), nil
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startServers(
	ctx context.Context,
	grpcServer *api.GRPCServer,
	httpServer *api.HTTPServer,
	cfg *config.Config,
	logger *zerolog.Logger,
) error {
	go func() {
		if !cfg.API.GRPC.Enabled {
			return
		}
		if err := grpcServer.Serve(); err != nil {
			logger.Error().Err(err).Msg("grpc server stopped")
		}
	}()

	go func() {
		if !cfg.API.HTTP.Enabled {
			return
		}
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().Str("grpc_addr", grpcServer.Addr()).Int("http_port", cfg.API.HTTP.Port).Msg("staysync started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grpcServer.Shutdown(shutdownCtx)
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("staysync stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}

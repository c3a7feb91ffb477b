package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"staysync/internal/channelsync"
	"staysync/internal/config"
	"staysync/internal/database"
	"staysync/internal/domain"
	"staysync/internal/events"
	"staysync/internal/google"
	"staysync/internal/ics"
	"staysync/internal/logging"
	"staysync/internal/notify"
	"staysync/internal/repository"
	"staysync/internal/service"
	"staysync/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// app holds the collaborators shared by every command.
type app struct {
	cfg    *config.Config
	logger *zerolog.Logger
	closer io.Closer

	db           *database.DB
	catalog      *service.CatalogService
	redis        *redis.Client
	memCache     *repository.MemoryIdempotencyCache
	bus          *events.EventBus
	guard        *service.ConflictGuard
	reservations *service.ReservationService
	projector    *service.Projector
	scheduler    *channelsync.Scheduler
	syncWorker   *channelsync.Worker
}

func loadConfigAndLogger(configPath string) (*config.Config, *zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, baseLogger, closer, nil
}

func bootstrap(ctx context.Context, configPath string) (*app, error) {
	cfg, logger, closer, err := loadConfigAndLogger(configPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, closer: closer}

	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	units, err := service.LoadUnits(cfg.Catalog.Path)
	if err != nil {
		logger.Error().Err(err).Str("catalog_path", cfg.Catalog.Path).Msg("load catalog")
		return err
	}
	a.catalog = service.NewCatalogService(units, logger)

	a.db, err = database.NewDBWithOptions(cfg.Database.Path, logger, database.Options{BusyTimeout: cfg.Database.BusyTimeout})
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}

	a.redis = initRedis(ctx, cfg, logger)
	a.memCache = repository.NewMemoryIdempotencyCache()
	var cache domain.IdempotencyCache = a.memCache
	if a.redis != nil {
		cache = repository.NewFailoverIdempotencyCache(repository.NewRedisIdempotencyCache(a.redis), a.memCache, logger)
	}

	a.guard, err = service.NewConflictGuard(a.db, a.catalog, cfg.Reservations, logger)
	if err != nil {
		return fmt.Errorf("init conflict guard: %w", err)
	}

	var payment domain.PaymentGateway
	if cfg.Payment.Mode == "http" {
		payment = service.NewHTTPPaymentGateway(cfg.Payment.URL, cfg.Payment.Timeout)
	}

	a.bus = events.NewEventBus()
	a.reservations = service.NewReservationService(a.guard, a.db, cache, payment, a.bus, service.ReservationOptions{
		HoldTimeout:    cfg.Reservations.HoldTimeout,
		RequestedTTL:   cfg.Reservations.RequestedTTL,
		IdempotencyTTL: cfg.Reservations.IdempotencyTTL,
		PaymentTimeout: cfg.Payment.Timeout,
	}, logger)
	a.projector = service.NewProjector(a.db, a.db, cfg.Calendar)

	fetcher := ics.NewFetcher(&http.Client{Timeout: cfg.Sync.FetchTimeout}, cfg.Sync.UserAgent, logger)
	a.syncWorker = channelsync.NewWorker(a.db, a.db, a.db, fetcher, a.bus, channelsync.Options{
		Interval:      cfg.Sync.Interval,
		Jitter:        cfg.Sync.Jitter,
		Horizon:       cfg.Sync.Horizon,
		DegradedAfter: cfg.Sync.DegradedAfter,
		Backoff:       worker.RetryPolicy{InitialDelay: cfg.Sync.BackoffBase, MaxDelay: cfg.Sync.BackoffMax},
	}, logger)
	a.scheduler = channelsync.NewScheduler(a.syncWorker, a.db, cfg.Sync, logger)
	if err := a.scheduler.Seed(ctx, cfg.Channels); err != nil {
		return err
	}
	return nil
}

var outboxRetry = worker.RetryPolicy{
	MaxRetries:    5,
	InitialDelay:  2 * time.Second,
	MaxDelay:      5 * time.Minute,
	BackoffFactor: 2,
}

// recordEvents stores the events of a one-shot command in the outbox; a
// running serve process delivers them.
func (a *app) recordEvents(ctx context.Context) {
	outbox := worker.NewOutboxWorker(a.db, notify.NewLogNotifier(a.logger), initLedger(ctx, a.cfg, a.logger), a.redis, outboxRetry, a.logger)
	outbox.Subscribe(ctx, a.bus)
}

func newOperatorService(a *app) *service.OperatorService {
	return service.NewOperatorService(a.db, a.db, a.catalog, a.scheduler, a.logger)
}

func (a *app) Close() {
	if a.redis != nil {
		_ = repository.Close(a.redis)
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.closer != nil {
		_ = a.closer.Close()
	}
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := repository.Ping(pingCtx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

// initLedger returns nil when the spreadsheet is not configured or unreachable.
func initLedger(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) domain.LedgerWriter {
	if cfg.Google.GoogleCredentialsFile == "" || cfg.Google.LedgerSpreadsheetID == "" {
		return nil
	}

	ledger, err := google.NewLedgerService(ctx, cfg.Google.GoogleCredentialsFile, cfg.Google.LedgerSpreadsheetID, cfg.Google.LedgerSheetName)
	if err != nil {
		logger.Warn().Err(err).Msg("google sheets init failed, continuing without ledger")
		return nil
	}
	if err := ledger.EnsureHeader(ctx); err != nil {
		logger.Warn().Err(err).Msg("ledger header check failed, continuing without ledger")
		return nil
	}
	if err := ledger.WarmUpCache(ctx); err != nil {
		logger.Warn().Err(err).Msg("ledger cache warm-up failed")
	}

	if email, err := google.ServiceAccountEmail(cfg.Google.GoogleCredentialsFile); err == nil {
		logger.Info().Str("service_account", email).Msg("google sheets ledger connected")
	}
	return ledger
}

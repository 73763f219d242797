package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/freight-settlement/internal/config"
	"github.com/example/freight-settlement/internal/dispatch"
	"github.com/example/freight-settlement/internal/events"
	httpapi "github.com/example/freight-settlement/internal/http"
	"github.com/example/freight-settlement/internal/ledger"
	"github.com/example/freight-settlement/internal/loads"
	"github.com/example/freight-settlement/internal/logging"
	"github.com/example/freight-settlement/internal/matcher"
	"github.com/example/freight-settlement/internal/payments"
	"github.com/example/freight-settlement/internal/settings"
	"github.com/example/freight-settlement/internal/settlement"
	"github.com/example/freight-settlement/internal/storage"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("env file", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "freight-api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var (
		ready     []func(context.Context) error
		publisher settings.Publisher
		refresh   <-chan struct{}
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		channel := settings.NewRedisChannel(rc, cfg.SettingsChannel)
		publisher = channel
		refresh = channel.Subscribe(ctx)
		ready = append(ready, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	}

	provider := settings.NewProvider(store, cfg.DefaultSettings, publisher, logger)
	if err := provider.Refresh(ctx); err != nil {
		logger.Warn("platform settings not loaded, using defaults", "error", err)
	}
	go provider.Run(ctx, cfg.SettingsRefreshInterval, refresh)

	ws := dispatch.NewWSRegistry(logger)
	fanout := dispatch.NewFanout(logger, ws)
	notifiers := []settlement.Notifier{fanout}
	broadcast := []matcher.Broadcaster{fanout}

	if len(cfg.KafkaBrokers) > 0 {
		producer := events.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaSettlementTopic, cfg.KafkaMatchTopic)
		defer producer.Close()
		notifiers = append(notifiers, producer)
		broadcast = append(broadcast, producer)
		logger.Info("publishing events", "brokers", cfg.KafkaBrokers, "settlement_topic", cfg.KafkaSettlementTopic)
	}

	var capture loads.Payments
	if cfg.StripeAPIKey != "" {
		holder := payments.NewHolder(payments.NewStripeClient(cfg.StripeAPIKey), store, cfg.StripeCurrency, logger)
		notifiers = append(notifiers, holder)
		capture = holder
	}

	m := &matcher.Service{
		Source:    store,
		Broadcast: broadcast,
		TopN:      cfg.MatcherTopN,
		MinScore:  cfg.MatcherMinScore,
		Logger:    logger,
	}
	api := httpapi.NewServer(httpapi.Deps{
		Store:    store,
		Loads:    loads.NewService(store, m, capture, provider, logger),
		Engine:   settlement.NewEngine(store, provider, logger, notifiers...),
		Matcher:  m,
		Ledger:   ledger.New(store),
		Settings: provider,
		WS:       ws,
		Ready:    ready,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	logger.Info("freight-api listening", "addr", cfg.HTTPAddr, "commission_live", provider.Snapshot().CommissionLive())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("freight-api stopped")
}

// openStore uses Postgres when PG_DSN is set and an in-memory store otherwise.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	pg, err := storage.NewPostgresStore(cfg.PGDSN, cfg.StoreStatementTimeout)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		applied, err := pg.Migrate(ctx)
		if err != nil {
			_ = pg.Close()
			return nil, err
		}
		logger.Info("migrations applied", "files", applied)
	}
	return pg, nil
}

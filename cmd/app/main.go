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

	"topup-reconciler/internal/cache"
	"topup-reconciler/internal/config"
	"topup-reconciler/internal/feed"
	"topup-reconciler/internal/httpserver"
	"topup-reconciler/internal/ledger"
	"topup-reconciler/internal/logging"
	"topup-reconciler/internal/memstore"
	"topup-reconciler/internal/metrics"
	"topup-reconciler/internal/notify"
	"topup-reconciler/internal/push"
	"topup-reconciler/internal/reconcile"
	"topup-reconciler/internal/repo"
	"topup-reconciler/internal/wa"
	"topup-reconciler/migrations"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting topup-reconciler", "env", cfg.AppEnv, "store", cfg.StoreBackend, "docs", cfg.DocBackend, "push", cfg.PushBackend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	requests, err := openRequestStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer requests.Close()

	if err := requests.RunMigrations(ctx, migrations.Files); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("request store migrated")

	docs, err := openDocStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer docs.close()

	var waClient *wa.Client
	var gateway notify.PushGateway
	switch cfg.PushBackend {
	case config.PushWhatsApp:
		waClient, err = wa.New(ctx, wa.Config{
			StorePath:   cfg.WhatsAppStorePath,
			LogLevel:    cfg.WhatsAppLogLevel,
			OperatorJID: cfg.OperatorJID,
			Metrics:     metricRegistry,
		}, logger)
		if err != nil {
			return fmt.Errorf("init whatsapp client: %w", err)
		}
		defer waClient.Close()
		gateway = waClient
	case config.PushHTTP:
		gateway = push.New(push.Config{
			BaseURL: cfg.PushGatewayURL,
			APIKey:  cfg.PushGatewayAPIKey,
			Timeout: cfg.PushTimeout,
		}, logger, metricRegistry)
	default:
		logger.Info("push delivery disabled, notifications are in-app only")
	}

	ledgerOpts := []ledger.Option{ledger.WithMetrics(metricRegistry)}
	if docs.locker != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithLocker(docs.locker))
	}
	led := ledger.New(docs.balances, docs.entries, logger, ledgerOpts...)

	dispatcher := notify.NewDispatcher(docs.inApp, docs.tokens, gateway, logger, notify.Config{
		PushTimeout: cfg.PushTimeout,
		Metrics:     metricRegistry,
	})

	engine := reconcile.New(requests, led, dispatcher, logger, reconcile.Config{
		CurrencyLabel:  cfg.CurrencyLabel,
		CreditAttempts: cfg.CreditAttempts,
		CreditBackoff:  200 * time.Millisecond,
		Metrics:        metricRegistry,
	})

	hub := httpserver.NewAlertHub(logger, metricRegistry)

	feedOpts := []feed.Option{
		feed.WithLogger(logger),
		feed.WithMetrics(metricRegistry),
		feed.WithCurrency(cfg.CurrencyLabel),
		feed.WithNames(docs.names),
		feed.WithBackoff(cfg.FeedReconnectMin, cfg.FeedReconnectMax),
		feed.WithReplaySince(time.Now().Add(-cfg.FeedReplayLookback)),
	}
	if cfg.FeedChime {
		feedOpts = append(feedOpts, feed.WithChime(terminalBell))
	}
	alerts := feed.New(requests, feedOpts...)
	alerts.OnNewRequest(hub.Publish)
	if waClient != nil && cfg.OperatorJID != "" {
		alerts.OnNewRequest(func(a feed.Alert) {
			sendCtx, cancel := context.WithTimeout(ctx, cfg.PushTimeout)
			defer cancel()
			if err := waClient.SendAlert(sendCtx, a.Title, a.Body); err != nil {
				logger.Warn("operator alert not delivered", "request_id", a.RequestID, "error", err)
			}
		})
	}

	if waClient != nil {
		go func() {
			if err := waClient.Start(ctx); err != nil {
				logger.Error("whatsapp client stopped", "error", err)
				stop()
			}
		}()
	}

	go func() {
		if err := alerts.Run(ctx); err != nil {
			logger.Error("ingestion feed stopped", "error", err)
		}
	}()

	httpSrv := httpserver.New(httpserver.Config{
		Addr:             cfg.HTTPListenAddr,
		BasePath:         cfg.PublicBasePath,
		OperationTimeout: cfg.OperationTimeout,
	}, logger, metricRegistry, httpserver.Handlers{
		Operator: engine,
		Alerts:   hub,
		Health: func(ctx context.Context) error {
			if err := requests.Ping(ctx); err != nil {
				return fmt.Errorf("request store: %w", err)
			}
			return docs.ping(ctx)
		},
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}

func openRequestStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (repo.RequestStore, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		r, err := repo.New(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
		if err != nil {
			return nil, fmt.Errorf("init postgres repository: %w", err)
		}
		return r, nil
	case config.StoreSQLite:
		r, err := repo.NewSQLite(ctx, cfg.SQLitePath, cfg.FeedPollInterval, logger)
		if err != nil {
			return nil, fmt.Errorf("init sqlite repository: %w", err)
		}
		return r, nil
	case config.StoreMemory:
		logger.Warn("using in-memory request store, data is lost on exit")
		return memstore.NewRequests(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// docStore bundles the document-store roles served by one backend.
type docStore struct {
	balances ledger.BalanceStore
	entries  ledger.EntryStore
	inApp    notify.InAppStore
	tokens   notify.TokenSource
	names    feed.NameResolver
	locker   ledger.Locker
	ping     func(ctx context.Context) error
	close    func()
}

func openDocStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*docStore, error) {
	switch cfg.DocBackend {
	case config.DocRedis:
		redisClient := cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
			LockTTL:  cfg.RedisLockTTL,
		}, logger)
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
		ledgerStore := ledger.NewRedisStore(redisClient)
		notifyStore := notify.NewRedisStore(redisClient)
		return &docStore{
			balances: ledgerStore,
			entries:  ledgerStore,
			inApp:    notifyStore,
			tokens:   notifyStore,
			names:    notifyStore,
			locker:   redisClient,
			ping:     redisClient.Ping,
			close: func() {
				if err := redisClient.Close(); err != nil {
					logger.Warn("failed closing redis", "error", err)
				}
			},
		}, nil
	case config.DocMemory:
		logger.Warn("using in-memory document store, balances are lost on exit")
		docs := memstore.NewDocs()
		return &docStore{
			balances: docs,
			entries:  docs,
			inApp:    docs,
			tokens:   docs,
			names:    docs,
			ping:     func(context.Context) error { return nil },
			close:    func() {},
		}, nil
	default:
		return nil, errors.New("unknown document backend " + cfg.DocBackend)
	}
}

func terminalBell(context.Context, feed.Alert) error {
	_, err := os.Stdout.Write([]byte("\a"))
	return err
}

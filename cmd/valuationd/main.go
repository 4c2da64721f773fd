package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trogers1052/portfolio-valuation/internal/api"
	"github.com/trogers1052/portfolio-valuation/internal/cache"
	"github.com/trogers1052/portfolio-valuation/internal/clock"
	"github.com/trogers1052/portfolio-valuation/internal/config"
	"github.com/trogers1052/portfolio-valuation/internal/database"
	"github.com/trogers1052/portfolio-valuation/internal/kafka"
	"github.com/trogers1052/portfolio-valuation/internal/logging"
	"github.com/trogers1052/portfolio-valuation/internal/marketdata"
	"github.com/trogers1052/portfolio-valuation/internal/metrics"
	"github.com/trogers1052/portfolio-valuation/internal/provider"
	"github.com/trogers1052/portfolio-valuation/internal/quotestore"
	"github.com/trogers1052/portfolio-valuation/internal/retry"
	"github.com/trogers1052/portfolio-valuation/internal/scheduler"
	"github.com/trogers1052/portfolio-valuation/internal/transform"
	"github.com/trogers1052/portfolio-valuation/internal/valuation"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to a YAML or TOML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("valuationd exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	logger.Info().Str("driver", string(db.Dialect())).Msg("database ready")

	m := metrics.New()
	realClock := clock.Real{}

	providers, err := provider.FromConfig(cfg.Providers, realClock, logger)
	if err != nil {
		return fmt.Errorf("failed to build providers: %w", err)
	}
	var breakers []metrics.BreakerState
	for _, p := range providers {
		if g, ok := p.(*provider.Guarded); ok {
			breakers = append(breakers, g)
		}
	}
	if err := m.RegisterBreakers(breakers); err != nil {
		return fmt.Errorf("failed to register breaker metrics: %w", err)
	}

	store := cache.New(cfg.Cache.MaxEntries, cache.WithClock(realClock), cache.WithLogger(logger))
	if err := m.RegisterCache(store); err != nil {
		return fmt.Errorf("failed to register cache metrics: %w", err)
	}

	exec := retry.NewExecutor(
		retry.WithClock(realClock),
		retry.WithObserver(retry.Observers(retry.LogObserver(logger), m.RetryObserver())),
	)

	overrides, err := manualPrices(cfg.ManualPrices, realClock.Now())
	if err != nil {
		return err
	}

	market := marketdata.NewService(providers, store, exec, transform.NewNormalizer(transform.DefaultSchemas()),
		marketdata.WithPolicy(retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseBackoff.Std(),
			MaxDelay:    cfg.Retry.MaxBackoff.Std(),
			Jitter:      !cfg.Retry.DisableJitter,
		}),
		marketdata.WithTTLs(cache.TTLs{
			Quote:   cfg.Cache.QuoteTTL.Std(),
			Candle:  cfg.Cache.CandleTTL.Std(),
			Profile: cfg.Cache.ProfileTTL.Std(),
			News:    cfg.Cache.NewsTTL.Std(),
		}),
		marketdata.WithOverrides(overrides),
		marketdata.WithLogger(logger),
	)
	logger.Info().Str("providers", strings.Join(market.ProviderNames(), ",")).Msg("market data service ready")

	opts := []valuation.Option{valuation.WithLogger(logger)}
	fallbacks := []valuation.PriceFallback{db}

	if cfg.Redis.Enabled {
		quotes, err := quotestore.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			quotestore.WithPrefix(cfg.Redis.KeyPrefix),
			quotestore.WithTTL(cfg.Redis.QuoteTTL.Std()),
		)
		if err != nil {
			return err
		}
		defer quotes.Close()
		fallbacks = append(fallbacks, quotes)
		opts = append(opts, valuation.WithRecorder(quotes))
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis quote store connected")
	}
	opts = append(opts, valuation.WithFallbacks(fallbacks...))

	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer producer.Close()
		opts = append(opts, valuation.WithPublisher(producer))
	}

	orchestrator := valuation.NewOrchestrator(market, db, opts...)

	var backfiller *valuation.Backfiller
	if producer != nil {
		backfiller = valuation.NewBackfiller(market, db, producer, realClock, logger)
	} else {
		backfiller = valuation.NewBackfiller(market, db, nil, realClock, logger)
	}

	if cfg.Kafka.Enabled && cfg.Kafka.RequestTopic != "" {
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.RequestTopic, cfg.Kafka.GroupID, orchestrator, logger)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("kafka consumer stopped")
			}
		}()
	}

	if cfg.Scheduler.Enabled {
		sched := scheduler.NewScheduler(ctx, cfg.Scheduler, backfiller, db, realClock, logger)
		if err := sched.RegisterAll(); err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	}

	handler := api.NewHandler(market, db, orchestrator, backfiller, logger)
	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:           api.SetupRoutes(handler, m.Handler(), m.Middleware),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		return fmt.Errorf("http server failed: %w", err)
	}

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	return server.Shutdown(shutdownCtx)
}

func openDatabase(cfg config.DatabaseConfig) (*database.DB, error) {
	switch cfg.Driver {
	case "sqlite":
		return database.OpenSQLite(cfg.SQLitePath)
	default:
		return database.New(cfg.ConnectionString())
	}
}

func manualPrices(prices map[string]string, at time.Time) (*provider.Overrides, error) {
	overrides := provider.NewOverrides()
	for ticker, raw := range prices {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("manual price for %s: %w", ticker, err)
		}
		if err := overrides.Set(ticker, price, at); err != nil {
			return nil, fmt.Errorf("manual price for %s: %w", ticker, err)
		}
	}
	return overrides, nil
}

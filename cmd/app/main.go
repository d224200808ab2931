// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"subscription-payments/internal/config"
	"subscription-payments/internal/domain/model"
	"subscription-payments/internal/domain/ports/adapter"
	"subscription-payments/internal/domain/ports/repository"
	"subscription-payments/internal/infra/activation"
	payAdapters "subscription-payments/internal/infra/adapters/payment"
	"subscription-payments/internal/infra/api"
	pg "subscription-payments/internal/infra/db/postgres"
	"subscription-payments/internal/infra/events"
	"subscription-payments/internal/infra/i18n"
	"subscription-payments/internal/infra/keylock"
	"subscription-payments/internal/infra/logging"
	"subscription-payments/internal/infra/memory"
	"subscription-payments/internal/infra/metrics"
	"subscription-payments/internal/infra/orderstore"
	red "subscription-payments/internal/infra/redis"
	"subscription-payments/internal/infra/sched"
	"subscription-payments/internal/infra/telegram"
	"subscription-payments/internal/infra/worker"
	"subscription-payments/internal/usecase"
)

var version = "dev"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, no redaction)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("[DEV MODE] Enabled")
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)
	metrics.SetBuildInfo(version, cfg.Store.Driver)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	// ---- Postgres (store and/or sink) ----
	var pool *pgxpool.Pool
	if cfg.Store.Driver == "postgres" || cfg.Activation.Sink == "postgres" {
		pool, err = pg.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres")
		}
		defer pool.Close()
		if err := pg.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal().Err(err).Msg("postgres schema")
		}
		go reportPoolStats(ctx, pool)
	}

	// ---- Keyed store ----
	var kv repository.KeyedStore
	var purger sched.Purger
	switch cfg.Store.Driver {
	case "redis":
		cli, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis")
		}
		defer cli.Close()
		kv = red.NewKeyedStore(cli)
	case "postgres":
		pgkv := pg.NewKVStore(pool)
		kv, purger = pgkv, pgkv
	case "memory":
		kv = memory.NewKeyedStore(nil)
	case "memory-locked":
		logger.Warn().Msg("memory-locked store serializes writes inside this process only; do not run more than one replica")
		kv = keylock.New(memory.NewPlainStore(nil), 0)
	}
	orders := orderstore.New(kv, cfg.App.Retention, logger)

	// ---- Provider adapters ----
	gateways, states, err := buildGateways(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("payment providers")
	}
	for _, g := range gateways {
		logger.Info().Str("provider", string(g.Kind())).Msg("payment provider enabled")
	}

	// ---- Activation sink ----
	var sink adapter.ActivationSink
	if cfg.Activation.Sink == "postgres" {
		sink = pg.NewTierSink(pool, pg.NewTxManager(pool))
	} else {
		sink = activation.NewLogSink(logger)
	}
	if cfg.Activation.Telegram.Enabled {
		var messenger adapter.Messenger
		if cfg.Runtime.Dev {
			messenger = telegram.NewNoopMessenger(logger)
		} else if messenger, err = telegram.NewBotMessenger(cfg.Activation.Telegram); err != nil {
			logger.Fatal().Err(err).Msg("telegram")
		}
		tr, err := i18n.NewTranslator(i18n.LocalesFS, cfg.Activation.Telegram.Language)
		if err != nil {
			logger.Fatal().Err(err).Msg("telegram messages")
		}
		sink = telegram.NewNotifyingSink(sink, messenger, tr, logger)
	}

	// ---- Events ----
	var publisher adapter.EventPublisher = events.NewLogPublisher(logger)
	if len(cfg.Events.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.Events.Kafka, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("kafka")
		}
		defer kp.Close()
		publisher = kp
	}

	// ---- Engine ----
	engine := usecase.NewPaymentOrderUseCase(orders, gateways, sink, cfg.Pricing, publisher, usecase.EngineConfig{
		OrderTTL:         cfg.App.OrderTTL,
		ActivationLease:  cfg.App.ActivationLease,
		ConvergeAttempts: cfg.App.ConvergeAttempts,
		ConvergeInterval: cfg.App.ConvergeInterval,
	}, logger)

	// ---- Activation retrier ----
	retrier, err := sched.NewActivationRetrier(engine, worker.NewPool(cfg.Scheduler.Workers, logger),
		cfg.Scheduler.ActivationRetryCron, 2*cfg.App.ActivationLease, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler")
	}
	if purger != nil {
		retrier.WithPurger(purger)
	}
	engine.SetStuckReporter(retrier)
	retrier.Start(ctx)

	// ---- HTTP server ----
	opts := api.Options{
		AdminAPIKey:    cfg.HTTP.AdminAPIKey,
		ManualSecret:   cfg.Providers.Manual.WebhookSecret,
		WalletSecret:   cfg.Providers.Wallet.WebhookSecret,
		PushToken:      cfg.Providers.Push.CallbackToken,
		RequestTimeout: cfg.HTTP.RequestTimeout,
	}
	if states != nil {
		opts.States = states
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           api.NewServer(engine, opts, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
			cancel()
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigc:
	case <-ctx.Done():
	}
	logger.Info().Msg("shutdown requested")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	cancel()
	retrier.Stop()
}

func buildGateways(cfg *config.Config) ([]adapter.PaymentGateway, *payAdapters.StateTokens, error) {
	var (
		out    []adapter.PaymentGateway
		states *payAdapters.StateTokens
		bound  = map[model.Provider]bool{}
	)
	add := func(g adapter.PaymentGateway) {
		out = append(out, g)
		bound[g.Kind()] = true
	}

	p := cfg.Providers
	if p.Redirect.Enabled {
		var err error
		if states, err = payAdapters.NewStateTokens(p.Redirect.StateSecret, payAdapters.StateTTL(cfg.App.OrderTTL)); err != nil {
			return nil, nil, fmt.Errorf("redirect state tokens: %w", err)
		}
		g, err := payAdapters.NewRedirectGateway(p.Redirect, states)
		if err != nil {
			return nil, nil, fmt.Errorf("redirect gateway: %w", err)
		}
		add(g)
	}
	if p.Push.Enabled {
		g, err := payAdapters.NewPushGateway(p.Push)
		if err != nil {
			return nil, nil, fmt.Errorf("push gateway: %w", err)
		}
		add(g)
	}
	if p.Manual.Enabled {
		g, err := payAdapters.NewManualReferenceGateway(p.Manual)
		if err != nil {
			return nil, nil, fmt.Errorf("manual gateway: %w", err)
		}
		add(g)
	}
	if p.Wallet.Enabled {
		g, err := payAdapters.NewWalletGateway(p.Wallet)
		if err != nil {
			return nil, nil, fmt.Errorf("wallet gateway: %w", err)
		}
		add(g)
	}
	if p.Noop {
		for _, kind := range model.Providers() {
			if !bound[kind] {
				add(payAdapters.NewNoopPaymentGateway(kind))
			}
		}
	}
	return out, states, nil
}

func reportPoolStats(ctx context.Context, pool *pgxpool.Pool) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := pool.Stat()
			metrics.SetDBPoolStats(s.TotalConns(), s.IdleConns(), s.AcquiredConns())
		}
	}
}

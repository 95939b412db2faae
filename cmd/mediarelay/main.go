// Package main wires together the media relay service.
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

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-relay/internal/api"
	"github.com/JakeFAU/media-relay/internal/clock/system"
	"github.com/JakeFAU/media-relay/internal/config"
	"github.com/JakeFAU/media-relay/internal/dispatcher"
	"github.com/JakeFAU/media-relay/internal/fetcher/fastdl"
	"github.com/JakeFAU/media-relay/internal/fetcher/headless"
	"github.com/JakeFAU/media-relay/internal/id/uuid"
	"github.com/JakeFAU/media-relay/internal/logging"
	"github.com/JakeFAU/media-relay/internal/metrics"
	"github.com/JakeFAU/media-relay/internal/notifier/telegram"
	memorypublisher "github.com/JakeFAU/media-relay/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/media-relay/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/media-relay/internal/queue/memory"
	"github.com/JakeFAU/media-relay/internal/relay"
	storememory "github.com/JakeFAU/media-relay/internal/store/memory"
	storepostgres "github.com/JakeFAU/media-relay/internal/store/postgres"
	"github.com/JakeFAU/media-relay/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	clock := system.New()
	idGen := uuid.New()

	var (
		store relay.RequestStore
		feed  relay.Feed
		sink  relay.MetricsSink
	)
	var listener *storepostgres.Listener
	switch cfg.DB.Provider {
	case "postgres":
		pgStore, err := storepostgres.NewRequestStore(ctx, storepostgres.RequestStoreConfig{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: int32(cfg.DB.MaxConns),
			MinConns: int32(cfg.DB.MinConns),
		}, clock, idGen)
		if err != nil {
			logger.Fatal("postgres store init failed", zap.Error(err))
		}
		defer pgStore.Close()
		metricsStore, err := storepostgres.NewMetricsStore(pgStore.Pool(), cfg.DB.MetricsTable, clock)
		if err != nil {
			logger.Fatal("postgres metrics store init failed", zap.Error(err))
		}
		listener = storepostgres.NewListener(pgStore, logger.Named("listener"))
		store = pgStore
		feed = listener
		sink = metricsStore
	case "memory":
		memStore := storememory.NewRequestStore(clock, idGen)
		store = memStore
		feed = memStore
		sink = storememory.NewMetricsStore(clock)
	default:
		logger.Fatal("unknown db provider", zap.String("provider", cfg.DB.Provider))
	}

	queue := queuememory.NewQueue(cfg.Queue.Depth, clock)

	var fetcher relay.Fetcher
	switch cfg.Fetcher.Provider {
	case "fastdl":
		fetcher = fastdl.New(fastdl.Config{
			Endpoint:  cfg.Fetcher.Endpoint,
			UserAgent: cfg.Fetcher.UserAgent,
			Timeout:   cfg.FetchTimeout(),
		})
	case "headless":
		headlessFetcher, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Fetcher.MaxParallel,
			UserAgent:         cfg.Fetcher.UserAgent,
			NavigationTimeout: cfg.FetchTimeout(),
		})
		if err != nil {
			logger.Fatal("headless fetcher init failed", zap.Error(err))
		}
		fetcher = headlessFetcher
	default:
		logger.Fatal("unknown fetcher provider", zap.String("provider", cfg.Fetcher.Provider))
	}

	notifier, err := telegram.New(telegram.Config{
		Token:   cfg.Telegram.Token,
		BaseURL: cfg.Telegram.BaseURL,
		Timeout: time.Duration(cfg.Telegram.TimeoutSeconds) * time.Second,
	}, logger.Named("telegram"))
	if err != nil {
		logger.Fatal("telegram notifier init failed", zap.Error(err))
	}

	var publisher relay.Publisher
	if cfg.PubSub.ProjectID != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		pub := pubsubpublisher.New(client)
		defer func() {
			if closeErr := pub.Close(); closeErr != nil {
				logger.Warn("pubsub close failed", zap.Error(closeErr))
			}
		}()
		publisher = pub
	} else {
		publisher = memorypublisher.New()
	}

	dispatch := dispatcher.New(store, queue, feed, clock, dispatcher.Config{
		ReconcileInterval: cfg.ReconcileInterval(),
		CleanInterval:     cfg.CleanInterval(),
		Retention:         cfg.Retention(),
		RetryLimit:        cfg.Worker.MaxRetries + 1,
		StaleAfter:        cfg.StaleAfter(),
	}, logger.Named("dispatcher"))

	pool := worker.New(queue, store, fetcher, notifier, sink, publisher, clock, worker.Config{
		Concurrency:     cfg.Worker.Concurrency,
		MaxRetries:      cfg.Worker.MaxRetries,
		SettleDelay:     cfg.SettleDelay(),
		NotifyExhausted: cfg.Worker.NotifyExhausted,
		Topic:           cfg.PubSub.TopicName,
	}, logger.Named("worker"))

	apiServer := api.NewServer(store, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if listener != nil {
		go func() {
			logger.Info("insert listener started")
			listener.Run(ctx)
		}()
	}

	go func() {
		logger.Info("dispatcher started")
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("worker pool started", zap.Int("concurrency", cfg.Worker.Concurrency))
		pool.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	logger.Info("shutdown complete")
}

// Package main wires together the sentinel discovery service.
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

	pubsubclient "cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/regwatch/sentinel/internal/api"
	"github.com/regwatch/sentinel/internal/audit"
	"github.com/regwatch/sentinel/internal/classify"
	"github.com/regwatch/sentinel/internal/clock/system"
	"github.com/regwatch/sentinel/internal/config"
	collyfetcher "github.com/regwatch/sentinel/internal/fetcher/colly"
	"github.com/regwatch/sentinel/internal/hash/sha256"
	"github.com/regwatch/sentinel/internal/id/uuid"
	"github.com/regwatch/sentinel/internal/logging"
	"github.com/regwatch/sentinel/internal/queue"
	queuememory "github.com/regwatch/sentinel/internal/queue/memory"
	queuepubsub "github.com/regwatch/sentinel/internal/queue/pubsub"
	"github.com/regwatch/sentinel/internal/ratelimit"
	"github.com/regwatch/sentinel/internal/scheduler"
	"github.com/regwatch/sentinel/internal/sentinel"
	"github.com/regwatch/sentinel/internal/storage/gcs"
	"github.com/regwatch/sentinel/internal/storage/local"
	memorystorage "github.com/regwatch/sentinel/internal/storage/memory"
	"github.com/regwatch/sentinel/internal/storage/postgres"
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

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("sentinel failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()

	endpoints, items, cleanupDB, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanupDB()

	blobs, cleanupBlobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanupBlobs()

	router, cleanupQueues, err := buildRouter(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanupQueues()

	if err := seedEndpoints(ctx, cfg, endpoints); err != nil {
		return err
	}

	limiter := ratelimit.New(ratelimit.Config{
		MinDelay:          cfg.RateLimit.MinDelay(),
		RequestsPerMinute: cfg.RateLimit.PerMinute,
		FailureThreshold:  cfg.RateLimit.FailureThreshold,
		Cooldown:          cfg.RateLimit.Cooldown(),
	}, clock)

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   cfg.Fetch.Timeout(),
	})

	sched, err := scheduler.New(scheduler.Config{
		MaxAttempts:        cfg.Discovery.MaxAttempts,
		CircuitResetAge:    cfg.Discovery.CircuitResetAge(),
		RetryBatchSize:     cfg.Discovery.RetryBatchSize,
		RedeliverBatchSize: cfg.Discovery.RedeliverBatchSize,
		UserAgent:          cfg.Fetch.UserAgent,
	}, scheduler.Deps{
		Endpoints:  endpoints,
		Items:      items,
		Blobs:      blobs,
		Fetcher:    fetcher,
		Limiter:    limiter,
		Classifier: classify.New(classify.Config{MinCharsPerPage: float64(cfg.Classify.MinCharsPerPage)}),
		Router:     router,
		Auditor:    audit.NewZapAuditor(logger.Named("audit")),
		Hasher:     sha256.New(),
		Clock:      clock,
		IDs:        uuid.New(),
		Blocklist:  sentinel.NewBlocklist(cfg.Discovery.Blocklist),
		Logger:     logger.Named("scheduler"),
	})
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	apiServer := api.NewServer(sched, endpoints, items, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go runCycles(ctx, sched, cfg.Discovery.Interval(), logger)

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// runCycles runs a discovery cycle immediately and then on every tick until
// the context is canceled.
func runCycles(ctx context.Context, sched *scheduler.Scheduler, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := sched.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("discovery cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func buildStores(ctx context.Context, cfg config.Config) (sentinel.EndpointStore, sentinel.ItemStore, func(), error) {
	if cfg.DB.Provider == "memory" {
		return memorystorage.NewEndpointStore(), memorystorage.NewItemStore(), func() {}, nil
	}
	pool, err := postgres.NewPool(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build postgres pool: %w", err)
	}
	endpoints, err := postgres.NewEndpointStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	items, err := postgres.NewItemStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	return endpoints, items, pool.Close, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (sentinel.BlobStore, func(), error) {
	switch cfg.Storage.Provider {
	case "memory":
		return memorystorage.NewBlobStore(), func() {}, nil
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	default:
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("build gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil
	}
}

func buildRouter(ctx context.Context, cfg config.Config) (*queue.Router, func(), error) {
	if cfg.PubSub.Provider == "memory" {
		router, err := queue.NewRouter(queuememory.New(), queuememory.New())
		return router, func() {}, err
	}
	client, err := pubsubclient.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("build pubsub client: %w", err)
	}
	extraction, err := queuepubsub.New(client.Topic(cfg.PubSub.ExtractionTopic))
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	imageRecog, err := queuepubsub.New(client.Topic(cfg.PubSub.ImageTopic))
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	router, err := queue.NewRouter(extraction, imageRecog)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	cleanup := func() {
		extraction.Stop()
		imageRecog.Stop()
		_ = client.Close()
	}
	return router, cleanup, nil
}

func seedEndpoints(ctx context.Context, cfg config.Config, store sentinel.EndpointStore) error {
	for _, seed := range cfg.Endpoints {
		ep := seed.Endpoint()
		switch s := store.(type) {
		case *memorystorage.EndpointStore:
			s.Put(ep)
		case *postgres.EndpointStore:
			if err := s.Upsert(ctx, ep); err != nil {
				return fmt.Errorf("seed endpoint %s: %w", ep.ID, err)
			}
		default:
			return fmt.Errorf("unsupported endpoint store %T for seeding", store)
		}
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/joseph-ayodele/formsign/internal/async"
	"github.com/joseph-ayodele/formsign/internal/cache"
	"github.com/joseph-ayodele/formsign/internal/common"
	"github.com/joseph-ayodele/formsign/internal/export"
	"github.com/joseph-ayodele/formsign/internal/forms"
	"github.com/joseph-ayodele/formsign/internal/ingest"
	repo "github.com/joseph-ayodele/formsign/internal/repository"
	svc "github.com/joseph-ayodele/formsign/internal/server"
	"github.com/joseph-ayodele/formsign/internal/signature"
	"github.com/joseph-ayodele/formsign/internal/storage"
	"github.com/joseph-ayodele/formsign/internal/webhook"
)

const shutdownTimeout = 20 * time.Second

func main() {
	cfg, err := common.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := svc.ConnectDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err, "driver", cfg.Database.Driver)
		os.Exit(1)
	}
	defer db.Close(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	formsRepo := repo.NewFormRepository(db, logger)
	subsRepo := repo.NewSubmissionRepository(db, logger)
	metaRepo := repo.NewSubmissionMetaRepository(db, logger)
	jobsRepo := repo.NewQueueJobRepository(db, logger)
	webhookRepo := repo.NewWebhookLogRepository(db, logger)
	activityRepo := repo.NewActivityLogRepository(db, logger)

	cm, closeRedis := newCache(cfg.Cache, db, reg, logger)
	defer closeRedis()

	store, err := storage.New(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Error("failed to init storage", "error", err, "backend", cfg.Storage.Backend)
		os.Exit(1)
	}
	if g, ok := store.(*storage.GCS); ok {
		defer g.Close()
	}

	queue := async.NewDBQueue(jobsRepo, logger)

	orchOpts := []signature.Option{
		signature.WithLogger(logger),
		signature.WithSandboxDefault(cfg.Signature.Sandbox),
		signature.WithMetrics(reg),
	}
	var notifier *signature.HTTPNotifier
	if cfg.Signature.NotifyURL != "" {
		notifier = signature.NewHTTPNotifier(cfg.Signature.NotifyURL, 0, logger)
		orchOpts = append(orchOpts, signature.WithCompletionHook(notifier))
	}
	orch := signature.NewOrchestrator(signature.Dependencies{
		Forms:       formsRepo,
		Submissions: subsRepo,
		Meta:        metaRepo,
		Queue:       queue,
		Cache:       cm,
		Provider: signature.NewClient(signature.ClientConfig{
			BaseURL:  cfg.Signature.BaseURL,
			APIToken: cfg.Signature.APIToken,
			Timeout:  cfg.Signature.Timeout,
		}, logger),
		Store:    store,
		Activity: activityRepo,
	}, orchOpts...)

	gateway := webhook.NewGateway(webhook.Config{
		Secret:           cfg.Webhook.Secret,
		RequireSignature: cfg.Webhook.RequireSignature,
	}, webhookRepo, activityRepo, orch, logger, webhook.WithMetrics(reg))

	deps := svc.Deps{
		Ingest:       ingest.NewService(formsRepo, subsRepo, metaRepo, queue, cm, logger, ingest.WithMetrics(reg)),
		Gateway:      gateway,
		Limiter:      webhook.NewIPLimiter(cfg.Webhook.RateLimitRPS, cfg.Webhook.RateLimitBurst, 10*time.Minute),
		Orchestrator: orch,
		Forms:        forms.NewService(formsRepo, cm, logger),
		Export:       export.NewService(formsRepo, subsRepo, metaRepo, logger),
		Cache:        cm,
		Jobs:         jobsRepo,
		Health: func(ctx context.Context) error {
			return repo.HealthCheck(ctx, db, 2*time.Second, logger)
		},
		Gatherer:        reg,
		TrustedIPHeader: cfg.Server.TrustedIPHeader,
		AdminToken:      cfg.Server.AdminToken,
	}
	if cfg.Storage.Backend == "local" {
		deps.UploadsDir = cfg.Storage.LocalDir
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           svc.NewRouter(deps, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	// gRPC health service for orchestrator probes
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("formsign http listening", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.Server.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCHealthAddr)
		if err != nil {
			logger.Error("failed to listen on address", "addr", cfg.Server.GRPCHealthAddr, "error", err)
			os.Exit(1)
		}
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		g.Go(func() error {
			logger.Info("formsign grpc health listening", "addr", cfg.Server.GRPCHealthAddr)
			return grpcServer.Serve(lis)
		})
	}
	if cfg.Worker.Enabled {
		worker := async.NewWorker(jobsRepo, orch.JobHandlers(), logger,
			async.WithWorkers(cfg.Worker.Count),
			async.WithPollInterval(cfg.Worker.PollInterval),
			async.WithProcessTimeout(cfg.Worker.ProcessTimeout),
			async.WithRetry(cfg.Worker.MaxAttempts, cfg.Worker.RetryBase),
			async.WithWorkerID(workerID()),
		)
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		healthServer.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		if notifier != nil {
			notifier.Wait()
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("formsign stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("formsign stopped")
}

// newCache builds the tier stack: memory, then redis when configured, then the database.
func newCache(cfg common.CacheConfig, db *repo.DB, reg prometheus.Registerer, logger *slog.Logger) (*cache.Manager, func()) {
	opts := cache.Options{
		Prefix:     cfg.Prefix,
		Version:    cfg.Version,
		DefaultTTL: cfg.DefaultTTL,
		Durable:    cache.NewDurableTier(repo.NewCacheEntryRepository(db, logger), nil),
		Metrics:    cache.NewMetrics(reg),
		Logger:     logger,
	}
	if cfg.MemoryEnabled {
		opts.Memory = cache.NewMemoryTier(cfg.MemoryMaxKeys, nil)
	}
	closeFn := func() {}
	if cfg.RedisAddr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    strings.Split(cfg.RedisAddr, ","),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		opts.Redis = cache.NewRedisTier(client)
		closeFn = func() {
			if err := client.Close(); err != nil {
				logger.Warn("failed to close redis client", "error", err)
			}
		}
		logger.Info("redis cache tier enabled", "addr", cfg.RedisAddr)
	}
	return cache.NewManager(opts), closeFn
}

func newLogger(cfg common.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "formsignd"
	}
	return host
}

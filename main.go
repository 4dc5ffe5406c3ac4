package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"modelviewer/api"
	"modelviewer/config"
	"modelviewer/logging"
	"modelviewer/metrics"
	"modelviewer/pipeline"
	"modelviewer/services"
	"modelviewer/viewer"
	"modelviewer/worker"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const statusTTL = 24 * time.Hour

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Msg("starting model viewer service")

	metrics.MustRegister()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to redis")
	}
	logger.Info().Msg("connected to redis")

	dbSvc, err := services.NewDatabaseService(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer dbSvc.Close()
	if err := dbSvc.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare schema")
	}
	logger.Info().Msg("connected to database")

	cache := services.NewStatusCache(redisClient, cfg.StatusKeyPrefix, statusTTL)
	recorder := services.NewRecorder(dbSvc, cache, logging.Component(logger, "recorder"))

	translator := services.NewTranslationClient(cfg.TranslationBaseURL, cfg.RequestTimeout,
		services.WithRateLimit(cfg.OutboundRPS, cfg.OutboundBurst))
	poller := services.NewStatusPoller(translator, logging.Component(logger, "poller"))
	converter := pipeline.NewConverter(translator, poller, pipeline.Options{
		TargetFormat: cfg.TargetFormat,
		PollInterval: cfg.PollInterval,
		MaxAttempts:  cfg.PollMaxAttempts,
	}, logging.Component(logger, "converter"))

	host := viewer.NewHeadlessHost(&http.Client{Timeout: cfg.RequestTimeout}, cfg.ManifestBaseURL)
	boot := viewer.NewBootstrapper(host, viewer.Config{
		ScriptURL:     cfg.ViewerScriptURL,
		StylesheetURL: cfg.ViewerStylesheetURL,
	}, logging.Component(logger, "viewer"))

	sessionLogger := logging.Component(logger, "session")
	registry := pipeline.NewRegistry(func(container string) *pipeline.Orchestrator {
		return pipeline.NewOrchestrator(container, converter, translator, boot, recorder, pipeline.Callbacks{}, sessionLogger)
	}, services.NewSessionLock(redisClient, cfg.RedisPrefix+"viewer:lock:"), cfg.SessionLockTTL, sessionLogger)

	s3Svc := services.NewS3Service(cfg)
	pool := worker.NewPool(cfg, redisClient, converter, s3Svc, recorder, logging.Component(logger, "worker"))

	server := api.NewServer(registry, s3Svc,
		services.NewStepConverterService(cfg.StepConverterURL, cfg.StepScopes, cfg.RequestTimeout),
		pool, recorder, logging.Component(logger, "http"))
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < cfg.WorkerCount; i++ {
		workerID := i
		g.Go(func() error {
			pool.StartWorker(gctx, workerID)
			return nil
		})
	}
	g.Go(func() error {
		pool.RecoveryLoop(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received, stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		registry.CloseAll(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	})

	logger.Info().
		Int("workers", cfg.WorkerCount).
		Str("queue", cfg.PendingQueue).
		Str("translation_api", cfg.TranslationBaseURL).
		Msg("service is ready")

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("service stopped with error")
	}

	_ = redisClient.Close()
	logger.Info().Msg("model viewer service stopped")
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"railpulse/internal/cache"
	"railpulse/internal/config"
	"railpulse/internal/fusion"
	"railpulse/internal/geo"
	"railpulse/internal/handler"
	"railpulse/internal/hub"
	"railpulse/internal/ingestor"
	"railpulse/internal/knn"
	"railpulse/internal/metrics"
	"railpulse/internal/middleware"
	"railpulse/internal/registry"
	"railpulse/internal/safety"
	"railpulse/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting railpulse server",
		"log_level", cfg.LogLevel.String(),
		"http_addr", cfg.HTTPAddr,
		"gtfs_enabled", cfg.GTFSURL != "",
		"redis_enabled", cfg.RedisEnabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.NewStatic()
	m := metrics.New()
	trainStore := store.New(store.Options{
		MaxSamples:     cfg.WindowMaxSamples,
		MaxAge:         cfg.WindowMaxAge,
		ContributorTTL: cfg.ContributorTTL,
		Quality:        fusion.Quality,
	})
	estimator := knn.New(knn.Options{K: cfg.KNNK, MaxCorpus: cfg.KNNMaxCorpus})
	wsHub := hub.NewHub(logger)

	svc := ingestor.New(ingestor.Deps{
		Registry:      reg,
		Store:         trainStore,
		Engine:        fusion.NewEngine(cfg.FusionHorizon),
		Policy:        safety.DefaultPolicy(),
		Estimator:     estimator,
		Contributions: ingestor.NewContributions(cfg.ContributorCacheSize, cfg.ContributorTTL),
		Broadcaster:   wsHub,
		Metrics:       m,
	}, ingestor.Options{
		MaxBatchSize:  cfg.MaxBatchSize,
		Region:        geo.NewRegion(cfg.RegionMinLat, cfg.RegionMaxLat, cfg.RegionMinLng, cfg.RegionMaxLng),
		ZoomLevel:     cfg.TileZoomLevel,
		PruneInterval: cfg.PruneInterval,
	}, logger)

	var refresher *ingestor.RegistryRefresher
	if cfg.GTFSURL != "" {
		refresher = ingestor.NewRegistryRefresher(reg, cfg.GTFSURL, cfg.GTFSUpdateInterval, logger)
	}

	var corpusSaver handler.CorpusSaver
	var snapshotter *cache.Snapshotter
	if cfg.RedisEnabled {
		redisCache, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
		if err != nil {
			logger.Error("failed to connect to redis, continuing without persistence", "error", err)
		} else {
			defer redisCache.Close()

			registryStore := cache.NewRegistryStore(redisCache, logger)
			if trains, err := registryStore.Load(ctx); err != nil {
				logger.Warn("failed to load cached registry", "error", err)
			} else if len(trains) > 0 {
				logger.Info("registry restored from cache", "added", reg.Merge(trains))
			}
			if refresher != nil {
				refresher.SetOnUpdate(func(ctx context.Context) {
					if err := registryStore.Save(ctx, reg.All()); err != nil {
						logger.Warn("failed to cache registry", "error", err)
					}
				})
			}

			corpusStore := cache.NewCorpusStore(redisCache, logger)
			if corpus, ok, err := corpusStore.Load(ctx); err != nil {
				logger.Warn("failed to load training corpus", "error", err)
			} else if ok {
				estimator.Load(corpus)
				logger.Info("training corpus restored", "examples", len(corpus))
			}
			corpusSaver = corpusStore

			snapshotter = cache.NewSnapshotter(redisCache, trainStore, cfg.SnapshotInterval, cfg.SnapshotTTL, logger)
			if n, err := snapshotter.Restore(ctx); err != nil {
				logger.Warn("failed to restore windows", "error", err)
			} else {
				logger.Info("windows restored from cache", "trains", n)
			}
			svc.SetOnPrune(snapshotter.Forget)
		}
	}

	keyFunc := middleware.KeyByIP
	if cfg.RateLimitKey == "ip_ua" {
		keyFunc = middleware.KeyByIPAndUserAgent
	}
	limiter := middleware.NewRateLimiter(middleware.Options{
		Rate:      cfg.SubmitRateLimit,
		Window:    cfg.SubmitRateWindow,
		Whitelist: cfg.RateLimitWhitelist,
		KeyFunc:   keyFunc,
		OnReject: func() {
			m.RateLimited()
			handler.ServerStats.IncRateLimitBlocked()
		},
	}, logger)

	gpsHandler := handler.NewGPSHandler(svc, logger)
	collisionHandler := handler.NewCollisionHandler(svc, corpusSaver, m, logger)
	trainsHandler := handler.NewTrainsHandler(reg, logger)
	wsHandler := handler.NewWSHandler(wsHub, svc, m, cfg.TileZoomLevel, logger)
	healthHandler := handler.NewHealthHandler(svc, trainStore)
	statsHandler := handler.NewStatsHandler(trainStore, reg, svc)

	mux := http.NewServeMux()

	mux.Handle("POST /gps/submit", limiter.Middleware(http.HandlerFunc(gpsHandler.Submit)))
	mux.HandleFunc("GET /gps/submit", gpsHandler.Get)
	mux.HandleFunc("GET /gps/nearby", gpsHandler.Nearby)

	mux.HandleFunc("POST /collision/predict", collisionHandler.Predict)
	mux.HandleFunc("POST /collision/batch", collisionHandler.Batch)
	mux.HandleFunc("POST /collision/training", collisionHandler.Training)
	mux.HandleFunc("GET /collision/live", collisionHandler.Live)

	mux.HandleFunc("GET /v1/trains", trainsHandler.ListTrains)
	mux.HandleFunc("GET /v1/trains/{number}", trainsHandler.GetTrain)
	mux.HandleFunc("POST /v1/trains/{number}/operations", gpsHandler.ReportOperations)
	mux.HandleFunc("/v1/ws", wsHandler.ServeWS)

	mux.HandleFunc("GET /healthz", healthHandler.Healthz)
	mux.HandleFunc("GET /readyz", healthHandler.Readyz)
	mux.HandleFunc("GET /v1/stats", statsHandler.GetStats)
	mux.Handle("GET /metrics", m.Handler())

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.CORSMiddleware(handler.GzipMiddleware(handler.CountRequests(mux))),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go wsHub.Run(ctx)

	go svc.Run(ctx)

	go limiter.Run(ctx)

	if refresher != nil {
		go refresher.Start(ctx)
	}

	snapshotDone := make(chan struct{})
	if snapshotter != nil {
		go func() {
			snapshotter.Run(ctx)
			close(snapshotDone)
		}()
	} else {
		close(snapshotDone)
	}

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	select {
	case <-snapshotDone:
	case <-shutdownCtx.Done():
		logger.Warn("final snapshot did not finish before shutdown timeout")
	}

	logger.Info("shutdown complete")
}

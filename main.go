package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"academia-validator/config"
	"academia-validator/providers/ocr"
	"academia-validator/services"
	"academia-validator/storage"
)

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Setup Database
	db, err := storage.OpenDatabase(cfg)
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.String("driver", cfg.DBDriver), zap.Error(err))
	}
	logging.Info("Successfully connected to database.", zap.String("driver", cfg.DBDriver))

	logging.Info("Running database auto-migration...")
	if err := storage.Migrate(db); err != nil {
		logging.Fatal("Auto-migration failed", zap.Error(err))
	}
	if err := storage.SeedIssuers(db, logging, services.CanonicalIdentity); err != nil {
		logging.Error("Issuer seeding failed", zap.Error(err))
	}

	// Setup Services
	issuers := services.NewIssuerDirectory(db, logging)
	if err := issuers.Refresh(ctx); err != nil {
		logging.Fatal("Failed to load issuer directory", zap.Error(err))
	}
	registry := services.NewRegistryService(db, cfg.RegistryTimeout, issuers, logging)
	alerts := services.NewAlertStore(db, logging)
	ledger := services.NewVerdictLedger(db, logging)

	monitor := services.NewFraudMonitor(services.MonitorConfig{
		Window:      cfg.FraudWindow,
		IPThreshold: cfg.FraudIPThreshold,
	}, alerts, issuers, logging)
	if _, err := monitor.Replay(ctx, ledger, time.Now()); err != nil {
		logging.Error("Fraud monitor replay failed", zap.Error(err))
	}
	ledger.Subscribe(monitor)
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	go monitor.Run(monitorCtx)

	backends := []services.Extractor{services.NewTextLayerExtractor(logging)}
	if cfg.OCRServiceURL != "" {
		backends = append(backends, ocr.NewFetcher(cfg, logging))
	}
	extractor := services.NewChainExtractor(logging, backends...)
	logging.Info("Extraction backends loaded", zap.String("backends", extractor.Name()))

	analyzer, err := services.NewAuthenticityAnalyzer(services.WeightsFromConfig(cfg), cfg.SubScoreThreshold, logging)
	if err != nil {
		logging.Fatal("Invalid authenticity weights", zap.Error(err))
	}

	var blobs storage.BlobStore
	if cfg.S3Enabled() {
		s3Store, err := storage.NewS3BlobStore(cfg)
		if err != nil {
			logging.Fatal("S3 client creation failed", zap.Error(err))
		}
		blobs = s3Store
		logging.Info("Staging documents in S3", zap.String("bucket", cfg.S3Bucket))
	} else {
		blobs = storage.NewMemoryBlobStore()
	}

	verifier := services.NewVerificationService(extractor, analyzer, registry, ledger, blobs, services.PolicyFromConfig(cfg), logging)
	intake := services.NewIntake(cfg.MaxUploadBytes)

	// Setup Router
	router := gin.Default()
	router.Use(gin.Recovery())
	router.MaxMultipartMemory = cfg.MaxUploadBytes + 1<<20
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Setup Routes
	setupVerifyRoutes(router, cfg, intake, verifier, ledger, registry, issuers, logging)
	setupFraudAlertRoutes(router, cfg, alerts, logging)
	setupRegistryRoutes(router, cfg, registry, logging)
	setupStatsRoutes(router, cfg, db, ledger, alerts, logging)

	// Setup Cron
	cronScheduler := cron.New()
	if _, err := cronScheduler.AddFunc(cfg.FraudPruneSchedule, func() {
		removed := monitor.Prune(time.Now())
		logging.Debug("Fraud window pruned", zap.Int("removed", removed))
	}); err != nil {
		logging.Fatal("Invalid FRAUD_PRUNE_SCHEDULE", zap.Error(err))
	}
	if _, err := cronScheduler.AddFunc(cfg.IssuerRefreshSchedule, func() {
		if err := issuers.Refresh(context.Background()); err != nil {
			logging.Error("Issuer refresh failed", zap.Error(err))
		}
	}); err != nil {
		logging.Fatal("Invalid ISSUER_REFRESH_SCHEDULE", zap.Error(err))
	}
	cronScheduler.Start()

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("Failed to run server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logging.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("Server shutdown failed", zap.Error(err))
	}
	<-cronScheduler.Stop().Done()

	stopMonitor()
	select {
	case <-monitor.Done():
	case <-shutdownCtx.Done():
		logging.Warn("Fraud monitor did not drain in time")
	}
	logging.Info("Server stopped")
}

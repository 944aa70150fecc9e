package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"pricing-sync-service/internal/cache"
	"pricing-sync-service/internal/config"
	"pricing-sync-service/internal/events"
	"pricing-sync-service/internal/handlers"
	"pricing-sync-service/internal/middleware"
	"pricing-sync-service/internal/repository"
	"pricing-sync-service/internal/secrets"
	"pricing-sync-service/internal/services"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)
	logger.SetLevel(logrus.InfoLevel)

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Info("No .env file found, using system environment variables")
	}

	cfg := config.Load()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("Invalid LOG_LEVEL %q, using info", cfg.LogLevel)
	}

	// Initialize database
	db, err := config.InitDB(cfg)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Initialize repositories
	storeRepo := repository.NewStoreRepository(db)
	updateRepo := repository.NewUpdateRepository(db)
	backupRepo := repository.NewBackupRepository(db)

	// Initialize GCP Secret Manager
	var resolver services.CredentialResolver
	var credentials handlers.CredentialWriter
	var secretManager *secrets.GCPSecretManager
	if cfg.GCPProjectID != "" {
		secretManager, err = secrets.NewGCPSecretManager(context.Background(), cfg.GCPProjectID)
		if err != nil {
			logger.Warnf("Failed to initialize GCP Secret Manager: %v. Connection secrets will be kept in the database.", err)
		} else {
			resolver = secretManager
			credentials = secretManager
			logger.Info("GCP Secret Manager initialized")
		}
	}

	// Initialize progress cache
	progressCache, err := cache.NewProgressCache(cfg.RedisURL, cfg.ProgressRetention)
	if err != nil {
		logger.Warnf("Progress cache disabled: %v", err)
		progressCache, _ = cache.NewProgressCache("", cfg.ProgressRetention)
	}
	if progressCache.Enabled() {
		logger.Info("Progress cache connected to Redis")
	} else {
		logger.Info("REDIS_URL not configured or unreachable, progress is kept in memory only")
	}

	// Initialize event publisher
	var jobEvents services.JobEvents
	var publisher *events.Publisher
	if cfg.NATSURL != "" {
		publisher, err = events.Connect(cfg.NATSURL, logger)
		if err != nil {
			logger.Warnf("Failed to initialize event publisher: %v. Events will not be published.", err)
		} else {
			jobEvents = publisher
			logger.Info("Event publisher initialized")
		}
	} else {
		logger.Info("NATS_URL not configured, event publishing disabled")
	}

	// Initialize services
	component := logrus.NewEntry(logger)
	connector := services.NewStoreConnector(storeRepo, backupRepo, resolver, cfg, nil, component)
	validator := services.NewValidator(cfg.Tiers, storeRepo, connector, component)
	parser := services.NewSpreadsheetParser(cfg.Tiers)
	updateService := services.NewUpdateService(updateRepo, storeRepo, connector, progressCache, jobEvents, cfg, component)

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go updateService.RunJanitor(janitorCtx, time.Minute)

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(map[string]handlers.Pinger{
		"database": handlers.PingFunc(databasePing(db)),
		"redis":    progressCache,
	})
	spreadsheetHandler := handlers.NewSpreadsheetHandler(parser, validator, updateService, cfg.PreviewRowLimit, cfg.MaxUploadSize, component.WithField("component", "spreadsheet_handler"))
	updateHandler := handlers.NewUpdateHandler(updateService, component.WithField("component", "update_handler"))
	backupHandler := handlers.NewBackupHandler(connector, component.WithField("component", "backup_handler"))
	storeHandler := handlers.NewStoreHandler(storeRepo, connector, credentials, cfg.Tiers, component.WithField("component", "store_handler"))

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := setupRouter(cfg, logger, healthHandler, spreadsheetHandler, updateHandler, backupHandler, storeHandler)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("Pricing sync service starting on port %s (env: %s)", cfg.Port, cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	stopJanitor()
	if err := updateService.Shutdown(ctx); err != nil {
		logger.Warnf("Update jobs did not stop in time: %v", err)
	}
	connector.Close()

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Warnf("Failed to drain event publisher: %v", err)
		}
	}
	if err := progressCache.Close(); err != nil {
		logger.Warnf("Failed to close progress cache: %v", err)
	}
	if secretManager != nil {
		if err := secretManager.Close(); err != nil {
			logger.Warnf("Failed to close secret manager: %v", err)
		}
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	logger.Info("Server exited")
}

func databasePing(db *gorm.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

// setupRouter configures the HTTP router
func setupRouter(
	cfg *config.Config,
	logger *logrus.Logger,
	healthHandler *handlers.HealthHandler,
	spreadsheetHandler *handlers.SpreadsheetHandler,
	updateHandler *handlers.UpdateHandler,
	backupHandler *handlers.BackupHandler,
	storeHandler *handlers.StoreHandler,
) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	// Health check
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	// Spreadsheet upload
	spreadsheet := router.Group("/spreadsheet")
	{
		spreadsheet.POST("/preview", spreadsheetHandler.Preview)
		spreadsheet.POST("/process", spreadsheetHandler.Process)
	}

	// Update jobs
	updates := router.Group("/updates")
	{
		updates.GET("", updateHandler.List)
		updates.GET("/queue", updateHandler.Queue)
		updates.GET("/:id", updateHandler.Get)
		updates.GET("/:id/progress", updateHandler.Progress)
		updates.GET("/:id/details", updateHandler.Details)
		updates.POST("/:id/cancel", updateHandler.Cancel)
	}

	// Backups
	backups := router.Group("/backups")
	{
		backups.GET("", backupHandler.List)
		backups.POST("/restore", backupHandler.Restore)
	}

	// Stores and connections
	stores := router.Group("/stores")
	{
		stores.GET("", storeHandler.List)
		stores.PUT("/:id/connection", storeHandler.PutConnection)
		stores.POST("/:id/test-connection", storeHandler.TestConnection)
		stores.GET("/:id/tier-mappings", storeHandler.GetTierMappings)
		stores.PUT("/:id/tier-mappings", storeHandler.PutTierMappings)
	}

	router.POST("/database/test-connection", storeHandler.TestParams)

	return router
}

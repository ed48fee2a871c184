package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/relay/adapters"
	"github.com/satriahrh/arunika/relay/adapters/mongo"
	"github.com/satriahrh/arunika/relay/adapters/mqtt"
	"github.com/satriahrh/arunika/relay/domain/repositories"
	"github.com/satriahrh/arunika/relay/internal/api"
	"github.com/satriahrh/arunika/relay/internal/auth"
	"github.com/satriahrh/arunika/relay/internal/config"
	"github.com/satriahrh/arunika/relay/internal/metrics"
	"github.com/satriahrh/arunika/relay/internal/provider"
	"github.com/satriahrh/arunika/relay/internal/retention"
	"github.com/satriahrh/arunika/relay/internal/websocket"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	transcriber, providerCloser, err := provider.New(ctx, cfg.Provider, logger)
	if err != nil {
		logger.Fatal("Failed to initialize speech provider", zap.String("provider", cfg.Provider.Name), zap.Error(err))
	}
	defer providerCloser.Close()

	// Transcript storage: MongoDB when configured, in-memory otherwise
	var transcripts repositories.TranscriptRepository
	var mongoClient *mongo.Client
	if cfg.Storage.MongoURI != "" {
		mongoClient, err = mongo.NewClient(ctx, cfg.Storage.MongoURI, cfg.Storage.MongoDatabase, logger)
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		repo := mongo.NewTranscriptRepository(mongoClient.Database, logger)
		if err := repo.EnsureIndexes(ctx); err != nil {
			logger.Warn("Failed to create transcript indexes", zap.Error(err))
		}
		transcripts = repo
	} else {
		logger.Info("MONGODB_URI not set, keeping transcripts in memory")
		transcripts = adapters.NewMemoryTranscriptRepository()
	}

	var publisher repositories.TranscriptPublisher
	if cfg.MQTT.Broker != "" {
		mqttPublisher, err := mqtt.NewPublisher(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to connect to MQTT broker", zap.Error(err))
		}
		publisher = mqttPublisher
	}

	var cleanup *retention.CleanupService
	if cfg.Retention() > 0 {
		cleanup = retention.NewCleanupService(transcripts, cfg.Retention(), logger)
		cleanup.Start()
	}

	// Initialize WebSocket hub
	hub := websocket.NewHub(transcriber, cfg.SessionConfig(), transcripts, publisher, logger, m)
	go hub.Run()

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	authenticator := auth.NewAuthenticator(cfg.Server.JWTSecret)
	if !authenticator.Enabled() {
		logger.Warn("JWT_SECRET not set, /ws accepts unauthenticated devices")
	}

	api.InitRoutes(e, api.Dependencies{
		Hub:         hub,
		Transcripts: transcripts,
		Auth:        authenticator,
		Metrics:     m,
		Provider:    transcriber.Name(),
		Logger:      logger,
	})

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Server.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Relay server started",
		zap.String("port", cfg.Server.Port),
		zap.String("provider", transcriber.Name()))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	// Sessions flush and close their devices before the listener stops
	hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	if cleanup != nil {
		cleanup.Stop()
	}
	if publisher != nil {
		publisher.Close()
	}
	if mongoClient != nil {
		mongoClient.Close(shutdownCtx)
	}

	logger.Info("Server exited")
}

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shipping-service/config"
	"shipping-service/internal/api"
	"shipping-service/internal/broker"
	"shipping-service/internal/carrier"
	"shipping-service/internal/redisclient"
	"shipping-service/internal/service"
	"shipping-service/internal/store"
	"shipping-service/internal/util"
	"shipping-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, "shipping-service"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting shipping service")

	tp, err := util.InitTracer("shipping-service", cfg.Observ.JaegerEndpoint, cfg.Observ.TraceSampleRatio)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(migrateCtx); err != nil {
		migrateCancel()
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	migrateCancel()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	gateway, err := carrier.NewGateway(cfg.Carrier)
	if err != nil {
		logger.Fatal("Failed to configure carrier gateway", zap.Error(err))
	}
	logger.Info("Carrier gateway configured", zap.String("provider", gateway.Name()))

	shipmentProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicShipmentEvents)
	defer shipmentProducer.Close()
	trackingProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicTracking)
	defer trackingProducer.Close()
	logger.Info("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(shipmentProducer, trackingProducer)

	calculator := service.NewShippingCalculator(db, gateway, redisClient, cfg.Shipping)
	orchestrator := service.NewFulfillmentOrchestrator(db, gateway, redisClient, eventPublisher, cfg.Shipping, cfg.Carrier.AllowRateFallback)
	catalog := service.NewCatalogService(db)
	addresses := service.NewAddressService(db, gateway)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	trackingConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicTracking, cfg.Kafka.ConsumerGroup)
	trackingWorker := worker.NewTrackingWorker(trackingConsumer, orchestrator)
	go func() {
		if err := trackingWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Tracking worker error", zap.Error(err))
		}
	}()

	poller := worker.NewTrackingPoller(orchestrator, cfg.Shipping.TrackingPollInterval, cfg.Shipping.TrackingBatchSize)
	go func() {
		if err := poller.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Tracking poller error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	deps := api.Deps{
		Quoter:      calculator,
		Fulfiller:   orchestrator,
		Catalog:     catalog,
		Addresses:   addresses,
		Tracking:    eventPublisher,
		Idempotency: redisClient,
		Readiness:   []api.Pinger{db, redisClient},
	}
	if parser, ok := gateway.(carrier.WebhookParser); ok {
		deps.Webhooks = parser
	} else {
		logger.Warn("Carrier gateway does not parse tracking webhooks", zap.String("provider", gateway.Name()))
	}

	router := gin.New()
	handler := api.NewHandler(deps)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	trackingWorker.Stop()

	logger.Info("Server exited")
}

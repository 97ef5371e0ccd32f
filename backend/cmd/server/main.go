package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"layergraph/backend/internal/api"
	"layergraph/backend/internal/bootstrap"
	"layergraph/backend/internal/telemetry"
	"layergraph/backend/pkg/config"
	"layergraph/backend/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}

	// Initialize logger
	if err := logger.Init(cfg.Env, cfg.LogLevel); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting HTTP API server...", zap.String("store", cfg.GraphStore))

	// Open the graph store
	ctx := context.Background()
	store, err := bootstrap.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to open graph store", zap.Error(err))
	}
	defer store.Close(context.Background())

	// Initialize dependencies
	metrics := telemetry.New()
	adapter := bootstrap.NewAdapter(store, cfg, log, metrics)
	builder := bootstrap.NewBuilder(cfg, log, metrics)
	if builder == nil {
		log.Info("LLM not configured, README extraction and enrichment disabled")
	}
	pipeline := bootstrap.NewPipeline(cfg, builder, log, metrics)

	handlers := api.NewHandlers(adapter, pipeline, builder, log.Named("api"))
	router := api.NewRouter(handlers, api.RouterOptions{
		Production: cfg.IsProduction(),
		Metrics:    metrics,
	})

	// Start server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.String("port", cfg.Port))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited")
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/silvercrow/onecut/internal/api"
	"github.com/silvercrow/onecut/internal/assets"
	"github.com/silvercrow/onecut/internal/config"
	"github.com/silvercrow/onecut/internal/db"
	"github.com/silvercrow/onecut/internal/engine"
	"github.com/silvercrow/onecut/internal/export"
	"github.com/silvercrow/onecut/internal/overlay"
	"github.com/silvercrow/onecut/internal/queue"
	"github.com/silvercrow/onecut/internal/storage"
	"github.com/silvercrow/onecut/internal/worker"
)

func main() {
	log.Println("Starting OneCut export API...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database")

	// Connect to Redis queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	// Initialize storage
	stor := storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket)
	log.Println("Initialized Supabase storage")

	// Asset resolution with a bounded on-disk cache
	if err := os.MkdirAll(cfg.TempDir, 0755); err != nil {
		log.Fatalf("Failed to create temp dir: %v", err)
	}
	cache := assets.NewCache(cfg.AssetCacheMaxBytes)
	resolver := assets.NewResolver(cache, cfg.TempDir)

	// Media engine and overlay renderer
	eng := engine.New(cfg.FFmpegPath, cfg.FFprobePath)
	renderer := overlay.NewCommandRenderer(
		cfg.OverlayRendererCommand,
		time.Duration(cfg.OverlayTimeoutSeconds)*time.Second,
	)
	if cfg.OverlayRendererCommand == "" {
		log.Println("WARNING: No OVERLAY_RENDERER_COMMAND set — styled overlays degrade to native rendering")
	}

	orch := export.NewOrchestrator(
		database, stor, resolver, renderer, eng,
		cfg.TempDir,
		export.Policy(cfg.AssetPolicy),
		export.Policy(cfg.OverlayPolicy),
	)

	// Create API handler
	handler := api.NewHandler(database, q, orch)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set — API is unprotected (dev mode)")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start worker if enabled
	var workerCancel context.CancelFunc
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background processing...")

		w := worker.New(database, q, orch)

		var workerCtx context.Context
		workerCtx, workerCancel = context.WithCancel(context.Background())
		go w.Start(workerCtx, cfg.MaxConcurrentJobs)
	}

	// Start server in goroutine
	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Shutdown worker
	if workerCancel != nil {
		workerCancel()
	}

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

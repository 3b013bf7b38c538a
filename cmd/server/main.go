// Package main is the entry point for the seaview tile server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seaview-tiles/server/internal/api"
	"github.com/seaview-tiles/server/internal/cache"
	"github.com/seaview-tiles/server/internal/catalog"
	"github.com/seaview-tiles/server/internal/config"
	"github.com/seaview-tiles/server/internal/render"
	"github.com/seaview-tiles/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting seaview server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Shared across all slides
	frameRenderer := render.NewFrameRenderer(render.Config{})
	httpClient := &http.Client{Timeout: 30 * time.Second}

	newSlide := func(slideID string, slide config.SlideConfig) (*service.SlideService, error) {
		return service.NewSlideService(service.SlideServiceConfig{
			SlideID: slideID,
			Slide:   slide,
			Render:  cfg.Render,
			Cache: cache.Config{
				SnapshotCacheSizeMB: cfg.Cache.SnapshotSizeMB,
				OutputCacheSizeMB:   cfg.Cache.OutputSizeMB,
				SnapshotTTL:         time.Duration(cfg.Cache.SnapshotTTLMinutes) * time.Minute,
				MaxTiles:            cfg.Cache.MaxTiles,
			},
			Renderer:   frameRenderer,
			HTTPClient: httpClient,
		})
	}

	// Initialize slide registry
	slideIDs := cfg.Slides.SlideIDs()
	registry := api.NewSlideRegistry(cfg.Slides.DefaultSlide, cfg.Server.Title)
	defer registry.Close()

	log.Printf("Initializing %d slide(s), default: %s", len(slideIDs), cfg.Slides.DefaultSlide)

	for _, slideID := range slideIDs {
		slide := cfg.Slides.Slides[slideID]
		svc, err := newSlide(slideID, slide)
		if err != nil {
			log.Fatalf("Failed to initialize slide %q: %v", slideID, err)
		}
		registry.Register(slideID, svc)
		log.Printf("  [%s] %d channels from %s (%s)", slideID, len(slide.Channels), slide.Path, slide.Source)
	}

	// Slides registered at runtime survive restarts through the catalog
	var store *catalog.Store
	if cfg.Catalog.SQLitePath != "" {
		store, err = catalog.NewStore(cfg.Catalog.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to open slide catalog: %v", err)
		}
		defer store.Close()

		entries, err := store.List()
		if err != nil {
			log.Fatalf("Failed to read slide catalog: %v", err)
		}
		for _, entry := range entries {
			if registry.Get(entry.ID) != nil {
				log.Printf("  [%s] catalog entry shadowed by config", entry.ID)
				continue
			}
			svc, err := newSlide(entry.ID, entry.Slide)
			if err != nil {
				log.Printf("  [%s] catalog entry skipped: %v", entry.ID, err)
				continue
			}
			registry.Register(entry.ID, svc)
		}
		log.Printf("Slide catalog: %d entries, sqlite=%s", len(entries), cfg.Catalog.SQLitePath)
	}

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		Catalog:     store,
		NewSlide:    newSlide,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// Package main is the entry point for the WSI tile server.
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

	"github.com/dustin/go-humanize"

	"github.com/wsi-tiles/server/internal/api"
	"github.com/wsi-tiles/server/internal/cache"
	"github.com/wsi-tiles/server/internal/config"
	"github.com/wsi-tiles/server/internal/data/plane"
	"github.com/wsi-tiles/server/internal/data/synthetic"
	"github.com/wsi-tiles/server/internal/data/zarr"
	"github.com/wsi-tiles/server/internal/imageserver"
	"github.com/wsi-tiles/server/internal/render"
	"github.com/wsi-tiles/server/internal/service"
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

	log.Printf("Starting WSI tile server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize tile cache (shared across all datasets)
	tileCapacity := int64(cfg.Cache.TileCacheMB) << 20
	tiles, err := cache.New(tileCapacity)
	if err != nil {
		log.Fatalf("Failed to initialize tile cache: %v", err)
	}
	log.Printf("Tile cache: %s", humanize.IBytes(uint64(tileCapacity)))

	// Initialize response cache (shared across all datasets)
	responses, err := service.NewResponseCache(
		cfg.Cache.ResponseCacheMB,
		time.Duration(cfg.Cache.ResponseTTLMinutes)*time.Minute,
	)
	if err != nil {
		log.Fatalf("Failed to initialize response cache: %v", err)
	}
	defer responses.Close()

	// Initialize renderer (shared across all datasets)
	renderer := render.NewRenderer(render.Config{
		DefaultColormap: cfg.Render.DefaultColormap,
	})

	// Builders are tried in order; the first that recognizes a URI wins.
	builders := []imageserver.Builder{
		&zarr.Builder{Cache: tiles, PreferredTileLength: cfg.Render.TileSize},
		&plane.Builder{Cache: tiles, PreferredTileLength: cfg.Render.TileSize},
		&synthetic.Builder{Cache: tiles, PreferredTileLength: cfg.Render.TileSize},
	}

	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)

	log.Printf("Initializing %d dataset(s), default: %s", len(datasetIDs), cfg.Data.DefaultDataset)

	for _, datasetID := range datasetIDs {
		ds := cfg.Data.Datasets[datasetID]

		srv, err := service.OpenServer(ctx, builders, ds.URI, ds.Args...)
		if err != nil {
			log.Fatalf("Failed to open dataset %q from %s: %v", datasetID, ds.URI, err)
		}

		m := srv.Metadata()
		log.Printf("  [%s] %s", datasetID, ds.URI)
		log.Printf("    %dx%d px, %d channel(s), %d z-slice(s), %d timepoint(s), %s, %d level(s)",
			m.Width, m.Height, m.Channels, m.ZSlices, m.Timepoints, m.PixelType, len(m.Downsamples))

		registry.Register(datasetID, service.NewRegionService(service.RegionServiceConfig{
			DatasetID: datasetID,
			Server:    srv,
			Renderer:  renderer,
			Responses: responses,
		}))
	}
	defer func() {
		if err := registry.Close(); err != nil {
			log.Printf("Error closing datasets: %v", err)
		}
	}()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		TileCache:   tiles,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

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

	log.Printf("Tile cache at shutdown: %s in %d tiles",
		humanize.IBytes(uint64(tiles.Bytes())), tiles.Len())
	log.Println("Server stopped")
}

// Package api provides HTTP handlers for the WSI tile server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/wsi-tiles/server/internal/cache"
	"github.com/wsi-tiles/server/internal/imageserver"
	"github.com/wsi-tiles/server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	TileCache   *cache.TileCache
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global endpoints (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))
	r.Get("/api/stats", statsHandler(cfg.TileCache))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Get("/metadata", datasetMetadataHandler)
		r.Get("/region", datasetRegionHandler)
		r.Get("/thumbnail/{z}/{t}.png", datasetThumbnailHandler)
		r.Get("/thumbnail/{z}/{t}", datasetThumbnailHandler)
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from the URL and injects its region
// service into the request context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.RegionService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.RegionService); ok {
		return svc
	}
	return nil
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		datasets := make([]DatasetInfo, 0, len(registry.DatasetIDs()))
		for _, id := range registry.DatasetIDs() {
			datasets = append(datasets, DatasetInfo{ID: id, Name: id})
		}
		response := map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": datasets,
			"title":    registry.Title(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

// statsHandler exposes tile cache statistics.
func statsHandler(tiles *cache.TileCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tiles.Stats())
	}
}

// datasetMetadataHandler returns the dataset's image descriptor.
func datasetMetadataHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(svc.Metadata())
}

// datasetRegionHandler serves an arbitrary region as PNG. Query params:
// x, y, width, height (pixels at the requested downsample), downsample
// (default 1), z, t (default 0), colormap.
func datasetRegionHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	q := r.URL.Query()

	req := imageserver.RegionRequest{Downsample: 1}
	var err error
	if req.X, err = queryInt(q.Get("x"), 0); err != nil {
		http.Error(w, "invalid x: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Y, err = queryInt(q.Get("y"), 0); err != nil {
		http.Error(w, "invalid y: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Width, err = queryInt(q.Get("width"), 0); err != nil {
		http.Error(w, "invalid width: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Height, err = queryInt(q.Get("height"), 0); err != nil {
		http.Error(w, "invalid height: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Z, err = queryInt(q.Get("z"), 0); err != nil {
		http.Error(w, "invalid z: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.T, err = queryInt(q.Get("t"), 0); err != nil {
		http.Error(w, "invalid t: "+err.Error(), http.StatusBadRequest)
		return
	}
	if ds := strings.TrimSpace(q.Get("downsample")); ds != "" {
		req.Downsample, err = strconv.ParseFloat(ds, 64)
		if err != nil {
			http.Error(w, "invalid downsample: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	data, err := svc.RegionPNG(r.Context(), req, q.Get("colormap"))
	if err != nil {
		writeRegionError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}

// datasetThumbnailHandler serves the full image at the coarsest level.
func datasetThumbnailHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)

	z, err := queryInt(strings.TrimSuffix(chi.URLParam(r, "z"), ".png"), 0)
	if err != nil {
		http.Error(w, "invalid z: "+err.Error(), http.StatusBadRequest)
		return
	}
	t, err := queryInt(strings.TrimSuffix(chi.URLParam(r, "t"), ".png"), 0)
	if err != nil {
		http.Error(w, "invalid t: "+err.Error(), http.StatusBadRequest)
		return
	}

	data, err := svc.ThumbnailPNG(r.Context(), z, t, r.URL.Query().Get("colormap"))
	if err != nil {
		writeRegionError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}

func writeRegionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, imageserver.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, imageserver.ErrOutOfBounds):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, imageserver.ErrClosed):
		http.Error(w, err.Error(), http.StatusGone)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func queryInt(s string, fallback int) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback, nil
	}
	return strconv.Atoi(s)
}

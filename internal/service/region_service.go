// Package service provides the dataset-facing logic between the HTTP API
// and the image servers.
package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/wsi-tiles/server/internal/imageserver"
	"github.com/wsi-tiles/server/internal/render"
)

// ResponseCache holds encoded PNG responses so repeated identical requests
// skip both decode and encode. It is shared across datasets; keys embed the
// dataset ID.
type ResponseCache struct {
	cache *bigcache.BigCache
}

// NewResponseCache creates a response cache bounded to sizeMB with entries
// expiring after ttl.
func NewResponseCache(sizeMB int, ttl time.Duration) (*ResponseCache, error) {
	cfg := bigcache.Config{
		Shards:             256,
		LifeWindow:         ttl,
		CleanWindow:        ttl / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       1 << 20,
		HardMaxCacheSize:   sizeMB,
		Verbose:            false,
	}
	c, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create response cache: %w", err)
	}
	return &ResponseCache{cache: c}, nil
}

// Get retrieves an encoded response.
func (c *ResponseCache) Get(key string) ([]byte, bool) {
	data, err := c.cache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set stores an encoded response; failures are ignored, the cache is an
// optimization only.
func (c *ResponseCache) Set(key string, data []byte) {
	_ = c.cache.Set(key, data)
}

// Close releases the cache.
func (c *ResponseCache) Close() error { return c.cache.Close() }

// Metadata is the JSON shape of a dataset's metadata endpoint.
type Metadata struct {
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Channels    int       `json:"channels"`
	ZSlices     int       `json:"z_slices"`
	Timepoints  int       `json:"timepoints"`
	PixelType   string    `json:"pixel_type"`
	Downsamples []float64 `json:"downsamples"`
	PixelWidth  *float64  `json:"pixel_width,omitempty"`
	PixelHeight *float64  `json:"pixel_height,omitempty"`
	ZSpacing    *float64  `json:"z_spacing,omitempty"`
	LengthUnit  string    `json:"length_unit,omitempty"`
}

// RegionService serves one dataset's regions and thumbnails as PNGs.
type RegionService struct {
	datasetID string
	server    imageserver.ImageServer
	renderer  *render.Renderer
	responses *ResponseCache
}

// RegionServiceConfig contains region service configuration.
type RegionServiceConfig struct {
	DatasetID string
	Server    imageserver.ImageServer
	Renderer  *render.Renderer
	Responses *ResponseCache
}

// NewRegionService creates a region service for one dataset.
func NewRegionService(cfg RegionServiceConfig) *RegionService {
	return &RegionService{
		datasetID: cfg.DatasetID,
		server:    cfg.Server,
		renderer:  cfg.Renderer,
		responses: cfg.Responses,
	}
}

// Server exposes the underlying image server.
func (s *RegionService) Server() imageserver.ImageServer { return s.server }

// Metadata returns the dataset's immutable descriptor.
func (s *RegionService) Metadata() Metadata {
	m := s.server.Metadata()
	out := Metadata{
		Width:       m.Width,
		Height:      m.Height,
		Channels:    m.Channels,
		ZSlices:     m.ZSlices,
		Timepoints:  m.Timepoints,
		PixelType:   m.PixelType.String(),
		Downsamples: m.Downsamples,
		LengthUnit:  m.Calibration.LengthUnit,
	}
	if m.Calibration.HasPixelSize() {
		pw, ph := m.Calibration.PixelWidth, m.Calibration.PixelHeight
		out.PixelWidth, out.PixelHeight = &pw, &ph
	}
	if m.Calibration.HasZSpacing() {
		zs := m.Calibration.ZSpacing
		out.ZSpacing = &zs
	}
	return out
}

// RegionPNG reads a region and encodes it as PNG, serving repeated requests
// from the response cache.
func (s *RegionService) RegionPNG(ctx context.Context, req imageserver.RegionRequest, colormapName string) ([]byte, error) {
	key := s.regionKey(req, colormapName)
	if s.responses != nil {
		if data, ok := s.responses.Get(key); ok {
			return data, nil
		}
	}

	px, err := s.server.ReadRegion(ctx, req)
	if err != nil {
		return nil, err
	}
	data, err := s.renderer.RenderPNG(px, colormapName)
	if err != nil {
		return nil, err
	}
	if s.responses != nil {
		s.responses.Set(key, data)
	}
	return data, nil
}

// ThumbnailPNG renders the full image at the coarsest level for one plane.
// Calibrated images get a scale bar.
func (s *RegionService) ThumbnailPNG(ctx context.Context, z, t int, colormapName string) ([]byte, error) {
	key := fmt.Sprintf("thumb:%s:%d/%d:%s", s.datasetID, z, t, colormapName)
	if s.responses != nil {
		if data, ok := s.responses.Get(key); ok {
			return data, nil
		}
	}

	px, err := s.server.DefaultThumbnail(ctx, z, t)
	if err != nil {
		return nil, err
	}
	m := s.server.Metadata()
	micronsPerPixel := 0.0
	if m.Calibration.HasPixelSize() {
		micronsPerPixel = m.Calibration.PixelWidth * m.Downsamples[len(m.Downsamples)-1]
	}
	data, err := s.renderer.RenderThumbnailPNG(px, colormapName, micronsPerPixel)
	if err != nil {
		return nil, err
	}
	if s.responses != nil {
		s.responses.Set(key, data)
	}
	return data, nil
}

// Close closes the underlying image server.
func (s *RegionService) Close() error { return s.server.Close() }

func (s *RegionService) regionKey(req imageserver.RegionRequest, colormapName string) string {
	// Downsample is formatted with full precision so canonical values map to
	// distinct keys.
	return fmt.Sprintf("region:%s:%d,%d,%dx%d@%s:z%d:t%d:%s",
		s.datasetID, req.X, req.Y, req.Width, req.Height,
		formatDownsample(req.Downsample), req.Z, req.T, colormapName)
}

func formatDownsample(d float64) string {
	return fmt.Sprintf("%x", math.Float64bits(d))
}

// Package zarr provides a pyramidal image decoder backed by a zarr-style
// chunked store on disk.
//
// A store is a directory holding a ".zgroup" marker, a ".zattrs" file with
// the image descriptor, and one subdirectory per pyramid level. Each level
// has a ".zarray" file describing the per-channel plane shape, chunk shape,
// dtype and compressor, plus one file per chunk named "c.z.t.cy.cx". Chunks
// are full-size (edge chunks padded), stored row-major with little-endian
// samples, raw or zstd-compressed. Missing chunk files read as zero, the
// store's fill value.
package zarr

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/wsi-tiles/server/internal/imageserver"
)

// Attrs is the image descriptor stored in ".zattrs" under the "image" key.
type Attrs struct {
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
	ZUnit       string    `json:"z_unit,omitempty"`
	TimeUnit    string    `json:"time_unit,omitempty"`
}

type storeAttrs struct {
	Image *Attrs `json:"image"`
}

// ArrayMeta is one level's ".zarray" descriptor.
type ArrayMeta struct {
	ZarrFormat int    `json:"zarr_format"`
	Shape      []int  `json:"shape"`  // [height, width] of one channel plane
	Chunks     []int  `json:"chunks"` // [chunkHeight, chunkWidth]
	DType      string `json:"dtype"`
	Compressor string `json:"compressor"` // "" (raw) or "zstd"
}

// Reader decodes tiles from a zarr store. It implements
// imageserver.TileDecoder and is safe for concurrent use.
type Reader struct {
	basePath string
	meta     imageserver.ImageMetadata
	levels   []ArrayMeta

	mu      sync.Mutex
	decoder *zstd.Decoder
	closed  bool
}

// NewReader opens the store at basePath and loads its metadata.
func NewReader(basePath string) (*Reader, error) {
	if _, err := os.Stat(filepath.Join(basePath, ".zgroup")); err != nil {
		return nil, fmt.Errorf("not a zarr store: %w", err)
	}

	raw, err := os.ReadFile(filepath.Join(basePath, ".zattrs"))
	if err != nil {
		return nil, fmt.Errorf("failed to read store attrs: %w", err)
	}
	var attrs storeAttrs
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return nil, fmt.Errorf("failed to parse store attrs: %w", err)
	}
	if attrs.Image == nil {
		return nil, fmt.Errorf("store attrs missing image descriptor")
	}

	meta, err := metadataFromAttrs(attrs.Image)
	if err != nil {
		return nil, err
	}

	levels := make([]ArrayMeta, len(meta.Downsamples))
	for i := range meta.Downsamples {
		raw, err := os.ReadFile(filepath.Join(basePath, fmt.Sprintf("%d", i), ".zarray"))
		if err != nil {
			return nil, fmt.Errorf("failed to read level %d array metadata: %w", i, err)
		}
		var am ArrayMeta
		if err := json.Unmarshal(raw, &am); err != nil {
			return nil, fmt.Errorf("failed to parse level %d array metadata: %w", i, err)
		}
		if err := validateLevel(i, am, meta); err != nil {
			return nil, err
		}
		levels[i] = am
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Reader{
		basePath: basePath,
		meta:     meta,
		levels:   levels,
		decoder:  decoder,
	}, nil
}

func metadataFromAttrs(a *Attrs) (imageserver.ImageMetadata, error) {
	pt, err := imageserver.ParsePixelType(a.PixelType)
	if err != nil {
		return imageserver.ImageMetadata{}, fmt.Errorf("store attrs: %w", err)
	}

	cal := imageserver.Uncalibrated()
	cal.LengthUnit = a.LengthUnit
	cal.ZUnit = a.ZUnit
	cal.TimeUnit = a.TimeUnit
	if a.PixelWidth != nil {
		cal.PixelWidth = *a.PixelWidth
	}
	if a.PixelHeight != nil {
		cal.PixelHeight = *a.PixelHeight
	}
	if a.ZSpacing != nil {
		cal.ZSpacing = *a.ZSpacing
	}

	meta := imageserver.ImageMetadata{
		Width:       a.Width,
		Height:      a.Height,
		Channels:    a.Channels,
		ZSlices:     maxInt(a.ZSlices, 1),
		Timepoints:  maxInt(a.Timepoints, 1),
		PixelType:   pt,
		Downsamples: a.Downsamples,
		Calibration: cal,
	}
	if err := meta.Validate(); err != nil {
		return imageserver.ImageMetadata{}, fmt.Errorf("store attrs: %w", err)
	}
	return meta, nil
}

func validateLevel(i int, am ArrayMeta, meta imageserver.ImageMetadata) error {
	if len(am.Shape) != 2 || len(am.Chunks) != 2 {
		return fmt.Errorf("level %d: shape and chunks must be [height width]", i)
	}
	if am.Shape[0] != meta.LevelHeight(i) || am.Shape[1] != meta.LevelWidth(i) {
		return fmt.Errorf("level %d: shape %v does not match %dx%d at downsample %g",
			i, am.Shape, meta.LevelWidth(i), meta.LevelHeight(i), meta.Downsamples[i])
	}
	if am.Chunks[0] <= 0 || am.Chunks[1] <= 0 {
		return fmt.Errorf("level %d: non-positive chunk shape %v", i, am.Chunks)
	}
	if am.Compressor != "" && am.Compressor != "zstd" {
		return fmt.Errorf("level %d: unsupported compressor %q", i, am.Compressor)
	}
	return nil
}

// Metadata returns the image descriptor built from the store attrs.
func (r *Reader) Metadata() imageserver.ImageMetadata { return r.meta }

// DecodeTile implements imageserver.TileDecoder. The returned buffer is
// planar channel-major, covering exactly region at the given level.
func (r *Reader) DecodeTile(_ context.Context, level int, region image.Rectangle, z, t int) ([]byte, error) {
	if level < 0 || level >= len(r.levels) {
		return nil, fmt.Errorf("level %d out of range", level)
	}
	am := r.levels[level]
	bps := r.meta.PixelType.BytesPerSample()
	chunkH, chunkW := am.Chunks[0], am.Chunks[1]
	buf := make([]byte, imageserver.BufferLen(region.Dx(), region.Dy(), r.meta.Channels, r.meta.PixelType))

	cy0, cy1 := region.Min.Y/chunkH, (region.Max.Y-1)/chunkH
	cx0, cx1 := region.Min.X/chunkW, (region.Max.X-1)/chunkW

	for c := 0; c < r.meta.Channels; c++ {
		planeOff := c * region.Dx() * region.Dy() * bps
		for cy := cy0; cy <= cy1; cy++ {
			for cx := cx0; cx <= cx1; cx++ {
				chunk, err := r.readChunk(level, c, z, t, cy, cx, chunkW*chunkH*bps)
				if err != nil {
					return nil, err
				}
				if chunk == nil {
					continue // missing chunk reads as fill value zero
				}
				chunkRect := image.Rect(cx*chunkW, cy*chunkH, (cx+1)*chunkW, (cy+1)*chunkH)
				overlap := chunkRect.Intersect(region)
				rowLen := overlap.Dx() * bps
				for y := overlap.Min.Y; y < overlap.Max.Y; y++ {
					srcOff := ((y-chunkRect.Min.Y)*chunkW + (overlap.Min.X - chunkRect.Min.X)) * bps
					dstOff := planeOff + ((y-region.Min.Y)*region.Dx()+(overlap.Min.X-region.Min.X))*bps
					copy(buf[dstOff:dstOff+rowLen], chunk[srcOff:srcOff+rowLen])
				}
			}
		}
	}
	return buf, nil
}

func (r *Reader) readChunk(level, c, z, t, cy, cx, wantLen int) ([]byte, error) {
	name := fmt.Sprintf("%d.%d.%d.%d.%d", c, z, t, cy, cx)
	path := filepath.Join(r.basePath, fmt.Sprintf("%d", level), name)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %s: %w", name, err)
	}

	if r.levels[level].Compressor == "zstd" {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, fmt.Errorf("reader closed")
		}
		raw, err = r.decoder.DecodeAll(raw, nil)
		r.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("failed to decompress chunk %s: %w", name, err)
		}
	}
	if len(raw) != wantLen {
		return nil, fmt.Errorf("chunk %s has %d bytes, want %d", name, len(raw), wantLen)
	}
	return raw, nil
}

// Close releases the zstd decoder. Safe to call more than once.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		r.decoder.Close()
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

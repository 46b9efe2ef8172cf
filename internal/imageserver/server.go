package imageserver

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/wsi-tiles/server/internal/cache"
	"github.com/wsi-tiles/server/internal/tiling"
)

// ImageServer is the read façade over one pyramidal image. Implementations
// are safe for concurrent use; the only mutation behind ReadRegion is tile
// cache population, which callers cannot observe except through timing.
type ImageServer interface {
	// Path returns the resource locator this server was opened from.
	Path() string

	// Metadata returns the immutable image descriptor. No decode is
	// triggered.
	Metadata() ImageMetadata

	// ReadRegion decodes the requested region. Requests partially
	// overlapping the image are clipped to the available pixels; requests
	// entirely outside fail with ErrOutOfBounds. A read either fully
	// succeeds or fails as a whole.
	ReadRegion(ctx context.Context, req RegionRequest) (*Pixels, error)

	// DefaultThumbnail reads the full image at the coarsest native
	// downsample for the given plane.
	DefaultThumbnail(ctx context.Context, z, t int) (*Pixels, error)

	// Close releases decoder resources and forgets this server's cache
	// entries. It is idempotent; reads after Close fail with ErrClosed.
	Close() error
}

// TileDecoder is the format-specific collaborator behind a pyramid server.
// DecodeTile produces the planar pixel buffer for region, expressed in the
// pixel coordinates of the given level, for one (z, t) plane. It may be slow
// and may fail on corrupt data; it must be safe to call concurrently for
// distinct tiles and must not mutate state shared with other decodes.
type TileDecoder interface {
	DecodeTile(ctx context.Context, level int, region image.Rectangle, z, t int) ([]byte, error)
	Close() error
}

// serverSeq distinguishes cache namespaces of servers opened from the same
// path, so closing one instance never drops another's entries.
var serverSeq atomic.Int64

type levelGeometry struct {
	downsample float64
	width      int
	height     int
	tileWidth  int
	tileHeight int
}

// Pyramid is the standard ImageServer implementation: it splits region
// requests into tiles, serves them through the shared tile cache, and
// assembles and resamples the result.
type Pyramid struct {
	path    string
	cacheID string
	meta    ImageMetadata
	decoder TileDecoder
	tiles   *cache.TileCache
	levels  []levelGeometry

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewPyramid builds a pyramid server over decoder. preferredTileLength is a
// hint for the tile edge length; the effective per-level tile size follows
// tiling.TileLength and is fixed for the server's lifetime.
func NewPyramid(path string, meta ImageMetadata, decoder TileDecoder, tiles *cache.TileCache, preferredTileLength int) (*Pyramid, error) {
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("invalid metadata for %s: %w", path, err)
	}
	if tiles == nil {
		return nil, fmt.Errorf("tile cache is required")
	}

	levels := make([]levelGeometry, len(meta.Downsamples))
	for i, d := range meta.Downsamples {
		w, h := meta.LevelWidth(i), meta.LevelHeight(i)
		levels[i] = levelGeometry{
			downsample: d,
			width:      w,
			height:     h,
			tileWidth:  tiling.TileLength(preferredTileLength, w),
			tileHeight: tiling.TileLength(preferredTileLength, h),
		}
	}

	return &Pyramid{
		path:    path,
		cacheID: fmt.Sprintf("%s#%d", path, serverSeq.Add(1)),
		meta:    meta,
		decoder: decoder,
		tiles:   tiles,
		levels:  levels,
	}, nil
}

func (s *Pyramid) Path() string { return s.path }

func (s *Pyramid) Metadata() ImageMetadata { return s.meta }

// TileSize returns the tile dimensions used at a pyramid level.
func (s *Pyramid) TileSize(level int) (w, h int) {
	return s.levels[level].tileWidth, s.levels[level].tileHeight
}

func (s *Pyramid) validate(req RegionRequest) error {
	if req.Path != "" && req.Path != s.path {
		return fmt.Errorf("%w: path %q does not match server %q", ErrInvalidRequest, req.Path, s.path)
	}
	if req.Width <= 0 || req.Height <= 0 {
		return fmt.Errorf("%w: non-positive size %dx%d", ErrInvalidRequest, req.Width, req.Height)
	}
	if req.Downsample < 1.0 || math.IsNaN(req.Downsample) || math.IsInf(req.Downsample, 0) {
		return fmt.Errorf("%w: downsample %g", ErrInvalidRequest, req.Downsample)
	}
	if req.Z < 0 || req.Z >= s.meta.ZSlices {
		return fmt.Errorf("%w: z=%d outside [0,%d)", ErrInvalidRequest, req.Z, s.meta.ZSlices)
	}
	if req.T < 0 || req.T >= s.meta.Timepoints {
		return fmt.Errorf("%w: t=%d outside [0,%d)", ErrInvalidRequest, req.T, s.meta.Timepoints)
	}
	return nil
}

func (s *Pyramid) ReadRegion(ctx context.Context, req RegionRequest) (*Pixels, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := s.validate(req); err != nil {
		return nil, err
	}

	// Clip the request to the image extent at the requested downsample.
	extentW := scaledDim(s.meta.Width, req.Downsample)
	extentH := scaledDim(s.meta.Height, req.Downsample)
	out := image.Rect(req.X, req.Y, req.X+req.Width, req.Y+req.Height).
		Intersect(image.Rect(0, 0, extentW, extentH))
	if out.Empty() {
		return nil, fmt.Errorf("%s: %w", req, ErrOutOfBounds)
	}

	level := s.meta.LevelForDownsample(req.Downsample)
	geom := s.levels[level]

	// Scale the clipped rectangle into the source level's coordinates.
	// scale >= 1 because the level is equal-or-finer than the request.
	scale := req.Downsample / geom.downsample
	src := image.Rect(
		int(math.Floor(float64(out.Min.X)*scale)),
		int(math.Floor(float64(out.Min.Y)*scale)),
		int(math.Ceil(float64(out.Max.X)*scale)),
		int(math.Ceil(float64(out.Max.Y)*scale)),
	).Intersect(image.Rect(0, 0, geom.width, geom.height))
	if src.Empty() {
		return nil, fmt.Errorf("%s: %w", req, ErrOutOfBounds)
	}

	assembled, err := s.assemble(ctx, level, src, req.Z, req.T)
	if err != nil {
		return nil, err
	}

	if scale == 1 && src.Dx() == out.Dx() && src.Dy() == out.Dy() {
		return &Pixels{
			Width:    out.Dx(),
			Height:   out.Dy(),
			Channels: s.meta.Channels,
			Type:     s.meta.PixelType,
			Data:     assembled,
		}, nil
	}

	resampled := resampleNearest(assembled, src, out, scale, s.meta.Channels, s.meta.PixelType.BytesPerSample())
	return &Pixels{
		Width:    out.Dx(),
		Height:   out.Dy(),
		Channels: s.meta.Channels,
		Type:     s.meta.PixelType,
		Data:     resampled,
	}, nil
}

// assemble reads every tile covering src from the cache and composites them
// into one planar buffer spanning src. Tiles decode in parallel; any failure
// fails the whole read.
func (s *Pyramid) assemble(ctx context.Context, level int, src image.Rectangle, z, t int) ([]byte, error) {
	geom := s.levels[level]
	bps := s.meta.PixelType.BytesPerSample()
	buf := make([]byte, BufferLen(src.Dx(), src.Dy(), s.meta.Channels, s.meta.PixelType))

	tiles := tiling.Cover(src, geom.tileWidth, geom.tileHeight, geom.width, geom.height)
	g, gctx := errgroup.WithContext(ctx)
	for _, tile := range tiles {
		tile := tile
		g.Go(func() error {
			key := cache.Key{Source: s.cacheID, Level: level, X: tile.X, Y: tile.Y, Z: z, T: t}
			want := BufferLen(tile.Bounds.Dx(), tile.Bounds.Dy(), s.meta.Channels, s.meta.PixelType)
			data, release, err := s.tiles.GetOrDecode(gctx, key, func(dctx context.Context) ([]byte, error) {
				decoded, err := s.decoder.DecodeTile(dctx, level, tile.Bounds, z, t)
				if err != nil {
					return nil, err
				}
				if len(decoded) != want {
					return nil, fmt.Errorf("decoder returned %d bytes, want %d", len(decoded), want)
				}
				return decoded, nil
			})
			if err != nil {
				return err
			}
			defer release()

			copyPlanar(buf, src, data, tile.Bounds, tile.Bounds.Intersect(src), s.meta.Channels, bps)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *Pyramid) DefaultThumbnail(ctx context.Context, z, t int) (*Pixels, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	downsample := s.meta.Downsamples[len(s.meta.Downsamples)-1]
	return s.ReadRegion(ctx, RegionRequest{
		Path:       s.path,
		Downsample: downsample,
		Width:      scaledDim(s.meta.Width, downsample),
		Height:     scaledDim(s.meta.Height, downsample),
		Z:          z,
		T:          t,
	})
}

func (s *Pyramid) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.tiles.InvalidateSource(s.cacheID)
		s.closeErr = s.decoder.Close()
	})
	return s.closeErr
}

// copyPlanar copies the overlap rectangle from a source planar buffer
// spanning srcRect into a destination planar buffer spanning dstRect. All
// rectangles share the same (level) coordinate space.
func copyPlanar(dst []byte, dstRect image.Rectangle, src []byte, srcRect, overlap image.Rectangle, channels, bps int) {
	if overlap.Empty() {
		return
	}
	dstW, dstH := dstRect.Dx(), dstRect.Dy()
	srcW, srcH := srcRect.Dx(), srcRect.Dy()
	rowLen := overlap.Dx() * bps

	for c := 0; c < channels; c++ {
		dstPlane := c * dstW * dstH * bps
		srcPlane := c * srcW * srcH * bps
		for y := overlap.Min.Y; y < overlap.Max.Y; y++ {
			dstOff := dstPlane + ((y-dstRect.Min.Y)*dstW+(overlap.Min.X-dstRect.Min.X))*bps
			srcOff := srcPlane + ((y-srcRect.Min.Y)*srcW+(overlap.Min.X-srcRect.Min.X))*bps
			copy(dst[dstOff:dstOff+rowLen], src[srcOff:srcOff+rowLen])
		}
	}
}

// resampleNearest maps the source buffer spanning src (level coordinates)
// onto the output rectangle out (request coordinates) by nearest-neighbor:
// output sample i maps to source sample floor((i+0.5)*scale), clamped to the
// source extent. The mapping is a pure function of its inputs, so repeated
// requests yield byte-identical output for every pixel type.
func resampleNearest(data []byte, src, out image.Rectangle, scale float64, channels, bps int) []byte {
	outW, outH := out.Dx(), out.Dy()
	srcW, srcH := src.Dx(), src.Dy()
	result := make([]byte, outW*outH*channels*bps)

	// Precompute per-axis source indices.
	xIdx := make([]int, outW)
	for ox := 0; ox < outW; ox++ {
		sx := int(math.Floor((float64(out.Min.X+ox)+0.5)*scale)) - src.Min.X
		if sx < 0 {
			sx = 0
		} else if sx >= srcW {
			sx = srcW - 1
		}
		xIdx[ox] = sx
	}
	yIdx := make([]int, outH)
	for oy := 0; oy < outH; oy++ {
		sy := int(math.Floor((float64(out.Min.Y+oy)+0.5)*scale)) - src.Min.Y
		if sy < 0 {
			sy = 0
		} else if sy >= srcH {
			sy = srcH - 1
		}
		yIdx[oy] = sy
	}

	for c := 0; c < channels; c++ {
		srcPlane := c * srcW * srcH * bps
		outPlane := c * outW * outH * bps
		for oy := 0; oy < outH; oy++ {
			srcRow := srcPlane + yIdx[oy]*srcW*bps
			outRow := outPlane + oy*outW*bps
			for ox := 0; ox < outW; ox++ {
				copy(result[outRow+ox*bps:outRow+(ox+1)*bps], data[srcRow+xIdx[ox]*bps:srcRow+(xIdx[ox]+1)*bps])
			}
		}
	}
	return result
}

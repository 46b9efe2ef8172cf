// Package synthetic provides a generated image backend. Pixel values are a
// pure function of position and plane, so it needs no storage and gives
// byte-identical results everywhere, which makes it useful as a demo dataset
// and in tests.
package synthetic

import (
	"context"
	"fmt"
	"image"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/wsi-tiles/server/internal/cache"
	"github.com/wsi-tiles/server/internal/imageserver"
)

// Scheme is the URI scheme handled by the builder, e.g.
// "synthetic://?width=4096&height=4096&channels=3&zslices=5".
const Scheme = "synthetic"

// Decoder generates tiles for a synthetic image. Values at full resolution
// follow Value; coarser levels sample every downsample-th pixel so the
// pyramid stays consistent with itself.
type Decoder struct {
	meta imageserver.ImageMetadata
}

// Value returns the full-resolution sample at (x, y) for channel c and
// plane (z, t), before conversion to the image's pixel type.
func Value(x, y, c, z, t int) uint32 {
	return uint32(x*7+y*13+c*29+z*11+t*17) % 256
}

// NewDecoder builds a decoder for meta. Only the shape fields are consulted;
// pixel values derive from Value scaled to the pixel type's range.
func NewDecoder(meta imageserver.ImageMetadata) *Decoder {
	return &Decoder{meta: meta}
}

func (d *Decoder) Metadata() imageserver.ImageMetadata { return d.meta }

func (d *Decoder) DecodeTile(_ context.Context, level int, region image.Rectangle, z, t int) ([]byte, error) {
	if level < 0 || level >= len(d.meta.Downsamples) {
		return nil, fmt.Errorf("level %d out of range", level)
	}
	step := int(d.meta.Downsamples[level])
	bps := d.meta.PixelType.BytesPerSample()
	buf := make([]byte, imageserver.BufferLen(region.Dx(), region.Dy(), d.meta.Channels, d.meta.PixelType))

	i := 0
	for c := 0; c < d.meta.Channels; c++ {
		for y := region.Min.Y; y < region.Max.Y; y++ {
			for x := region.Min.X; x < region.Max.X; x++ {
				v := Value(x*step, y*step, c, z, t)
				writeSample(buf[i*bps:], d.meta.PixelType, v)
				i++
			}
		}
	}
	return buf, nil
}

func (d *Decoder) Close() error { return nil }

// writeSample stores v (0..255) as the given pixel type, stretching to the
// type's natural range for wider integers.
func writeSample(dst []byte, t imageserver.PixelType, v uint32) {
	switch t {
	case imageserver.UInt8, imageserver.RGB:
		dst[0] = byte(v)
	case imageserver.Int8:
		dst[0] = byte(int8(int32(v) - 128))
	case imageserver.UInt16:
		u := uint16(v * 257)
		dst[0] = byte(u)
		dst[1] = byte(u >> 8)
	case imageserver.Int16:
		u := uint16(int16(int32(v*257) - 32768))
		dst[0] = byte(u)
		dst[1] = byte(u >> 8)
	case imageserver.UInt32, imageserver.Int32:
		u := v * 0x01010101
		dst[0] = byte(u)
		dst[1] = byte(u >> 8)
		dst[2] = byte(u >> 16)
		dst[3] = byte(u >> 24)
	case imageserver.Float32:
		putFloat32(dst, float32(v)/255)
	}
}

func putFloat32(dst []byte, f float32) {
	u := math.Float32bits(f)
	dst[0] = byte(u)
	dst[1] = byte(u >> 8)
	dst[2] = byte(u >> 16)
	dst[3] = byte(u >> 24)
}

// Builder opens synthetic: URIs as image servers.
type Builder struct {
	Cache               *cache.TileCache
	PreferredTileLength int
}

func (b *Builder) Name() string { return Scheme }

// Build implements imageserver.Builder. Shape is taken from query
// parameters: width, height, channels, zslices, timepoints, type,
// with a doubling pyramid down to roughly one tile.
func (b *Builder) Build(_ context.Context, uri string, args ...string) (imageserver.ImageServer, error) {
	if !strings.HasPrefix(uri, Scheme+":") {
		return nil, fmt.Errorf("%q: %w", uri, imageserver.ErrUnsupported)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid synthetic uri %q: %w", uri, err)
	}
	q := u.Query()

	meta := imageserver.ImageMetadata{
		Width:       queryInt(q, "width", 4096),
		Height:      queryInt(q, "height", 4096),
		Channels:    queryInt(q, "channels", 1),
		ZSlices:     queryInt(q, "zslices", 1),
		Timepoints:  queryInt(q, "timepoints", 1),
		PixelType:   imageserver.UInt8,
		Calibration: imageserver.Uncalibrated(),
	}
	if s := q.Get("type"); s != "" {
		pt, err := imageserver.ParsePixelType(s)
		if err != nil {
			return nil, fmt.Errorf("invalid synthetic uri %q: %w", uri, err)
		}
		meta.PixelType = pt
		if pt == imageserver.RGB {
			meta.Channels = 3
		}
	}

	// Halve until the coarsest level fits in a single default tile.
	meta.Downsamples = []float64{1}
	for d := 2.0; float64(meta.Width)/d >= 512 || float64(meta.Height)/d >= 512; d *= 2 {
		meta.Downsamples = append(meta.Downsamples, d)
	}

	srv, err := imageserver.NewPyramid(uri, meta, NewDecoder(meta), b.Cache, b.PreferredTileLength)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

func queryInt(q url.Values, key string, fallback int) int {
	if s := q.Get(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// Package plane provides an image server backend for plain single-plane
// image files (PNG, JPEG, TIFF). These formats carry no pyramid, so coarser
// levels are synthesized once at open time; the open file is the only slow
// step and tiles decode from memory afterwards.
package plane

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"golang.org/x/image/tiff"

	"github.com/wsi-tiles/server/internal/cache"
	"github.com/wsi-tiles/server/internal/imageserver"
)

// Decoder serves tiles from an in-memory synthesized pyramid.
// It implements imageserver.TileDecoder.
type Decoder struct {
	meta imageserver.ImageMetadata

	mu     sync.RWMutex
	closed bool
	// Exactly one of these per level is populated, depending on pixel type.
	rgba   []*image.NRGBA
	gray16 []*image.Gray16
}

// Open decodes the file at path and synthesizes its pyramid. 16-bit
// grayscale TIFFs keep their full depth as a single uint16 channel; every
// other input becomes 8-bit RGB. Levels double in downsample until the
// coarsest fits within one default tile, each produced by deterministic
// box (area-average) downscaling.
func Open(path string) (*Decoder, error) {
	var src image.Image
	var err error
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".tif" || ext == ".tiff" {
		f, ferr := os.Open(path)
		if ferr != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, ferr)
		}
		src, err = tiff.Decode(f)
		f.Close()
	} else {
		src, err = imaging.Open(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	b := src.Bounds()
	meta := imageserver.ImageMetadata{
		Width:       b.Dx(),
		Height:      b.Dy(),
		ZSlices:     1,
		Timepoints:  1,
		Calibration: imageserver.Uncalibrated(),
	}
	meta.Downsamples = []float64{1}
	for d := 2.0; float64(meta.Width)/d >= 512 || float64(meta.Height)/d >= 512; d *= 2 {
		meta.Downsamples = append(meta.Downsamples, d)
	}

	d := &Decoder{}
	if g16, ok := src.(*image.Gray16); ok {
		meta.Channels = 1
		meta.PixelType = imageserver.UInt16
		d.gray16 = make([]*image.Gray16, len(meta.Downsamples))
		d.gray16[0] = g16
		for i := 1; i < len(meta.Downsamples); i++ {
			d.gray16[i] = boxDownsampleGray16(g16, meta.LevelWidth(i), meta.LevelHeight(i))
		}
	} else {
		meta.Channels = 3
		meta.PixelType = imageserver.RGB
		d.rgba = make([]*image.NRGBA, len(meta.Downsamples))
		d.rgba[0] = imaging.Clone(src)
		for i := 1; i < len(meta.Downsamples); i++ {
			d.rgba[i] = imaging.Resize(src, meta.LevelWidth(i), meta.LevelHeight(i), imaging.Box)
		}
	}
	d.meta = meta
	return d, nil
}

func (d *Decoder) Metadata() imageserver.ImageMetadata { return d.meta }

func (d *Decoder) DecodeTile(_ context.Context, level int, region image.Rectangle, z, t int) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, fmt.Errorf("decoder closed")
	}
	if level < 0 || level >= len(d.meta.Downsamples) {
		return nil, fmt.Errorf("level %d out of range", level)
	}
	if z != 0 || t != 0 {
		return nil, fmt.Errorf("plane images have a single z/t plane, got z=%d t=%d", z, t)
	}

	w, h := region.Dx(), region.Dy()
	buf := make([]byte, imageserver.BufferLen(w, h, d.meta.Channels, d.meta.PixelType))

	if d.gray16 != nil {
		img := d.gray16[level]
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := img.Gray16At(region.Min.X+x, region.Min.Y+y).Y
				off := (y*w + x) * 2
				buf[off] = byte(v) // planar buffers are little-endian
				buf[off+1] = byte(v >> 8)
			}
		}
		return buf, nil
	}

	img := d.rgba[level]
	planeLen := w * h
	for y := 0; y < h; y++ {
		rowOff := img.PixOffset(region.Min.X, region.Min.Y+y)
		for x := 0; x < w; x++ {
			p := rowOff + x*4
			i := y*w + x
			buf[i] = img.Pix[p]
			buf[planeLen+i] = img.Pix[p+1]
			buf[2*planeLen+i] = img.Pix[p+2]
		}
	}
	return buf, nil
}

// Close releases the pyramid levels. Safe to call more than once; decodes in
// flight finish first and later decodes fail cleanly.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.rgba = nil
	d.gray16 = nil
	return nil
}

// boxDownsampleGray16 area-averages src to dstW x dstH, keeping 16-bit
// depth. Each destination pixel averages the source pixels of its footprint
// with integer rounding, so the result depends only on the inputs.
func boxDownsampleGray16(src *image.Gray16, dstW, dstH int) *image.Gray16 {
	dst := image.NewGray16(image.Rect(0, 0, dstW, dstH))
	srcW, srcH := src.Bounds().Dx(), src.Bounds().Dy()
	sx := float64(srcW) / float64(dstW)
	sy := float64(srcH) / float64(dstH)

	for y := 0; y < dstH; y++ {
		y0 := int(math.Floor(float64(y) * sy))
		y1 := int(math.Ceil(float64(y+1) * sy))
		if y1 > srcH {
			y1 = srcH
		}
		for x := 0; x < dstW; x++ {
			x0 := int(math.Floor(float64(x) * sx))
			x1 := int(math.Ceil(float64(x+1) * sx))
			if x1 > srcW {
				x1 = srcW
			}
			var sum, n uint64
			for yy := y0; yy < y1; yy++ {
				for xx := x0; xx < x1; xx++ {
					sum += uint64(src.Gray16At(src.Bounds().Min.X+xx, src.Bounds().Min.Y+yy).Y)
					n++
				}
			}
			dst.SetGray16(x, y, color.Gray16{Y: uint16((sum + n/2) / n)})
		}
	}
	return dst
}

// Builder opens plain image files as image servers.
type Builder struct {
	Cache               *cache.TileCache
	PreferredTileLength int
}

func (b *Builder) Name() string { return "plane" }

func (b *Builder) Build(_ context.Context, uri string, args ...string) (imageserver.ImageServer, error) {
	path := strings.TrimPrefix(uri, "file://")
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff":
	default:
		return nil, fmt.Errorf("%q: %w", uri, imageserver.ErrUnsupported)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%q: %w", uri, imageserver.ErrUnsupported)
	}

	dec, err := Open(path)
	if err != nil {
		return nil, err
	}
	srv, err := imageserver.NewPyramid(uri, dec.Metadata(), dec, b.Cache, b.PreferredTileLength)
	if err != nil {
		dec.Close()
		return nil, err
	}
	return srv, nil
}

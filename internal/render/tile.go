// Package render turns decoded pixel regions into PNG images.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/wsi-tiles/server/internal/imageserver"
	"github.com/wsi-tiles/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	DefaultColormap string
}

// Renderer converts pixel regions to PNGs. RGB regions render directly;
// other regions normalize one channel and map it through a colormap.
// Safe for concurrent use.
type Renderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewRenderer creates a renderer. An unknown default colormap falls back to
// viridis.
func NewRenderer(cfg Config) *Renderer {
	if _, ok := colormap.Get(cfg.DefaultColormap); !ok {
		cfg.DefaultColormap = "viridis"
	}
	return &Renderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// RenderPNG encodes a region as PNG. Rendering is deterministic: the same
// pixels and colormap always produce the same image. For images that are
// neither RGB nor single-channel, channel 0 is rendered.
func (r *Renderer) RenderPNG(px *imageserver.Pixels, colormapName string) ([]byte, error) {
	if px.Width <= 0 || px.Height <= 0 {
		return nil, fmt.Errorf("cannot render empty region")
	}

	return r.encodePNG(r.renderImage(px, colormapName))
}

// RenderThumbnailPNG encodes a thumbnail as PNG with a scale bar overlaid in
// the bottom-left corner. micronsPerPixel is the physical width of one
// thumbnail pixel; when it is not positive, or the thumbnail is too small to
// carry a legible bar, the output matches RenderPNG.
func (r *Renderer) RenderThumbnailPNG(px *imageserver.Pixels, colormapName string, micronsPerPixel float64) ([]byte, error) {
	if px.Width <= 0 || px.Height <= 0 {
		return nil, fmt.Errorf("cannot render empty region")
	}
	img := r.renderImage(px, colormapName)
	if micronsPerPixel > 0 && px.Width >= 64 && px.Height >= 32 {
		img = drawScaleBar(img, micronsPerPixel)
	}
	return r.encodePNG(img)
}

func (r *Renderer) renderImage(px *imageserver.Pixels, colormapName string) image.Image {
	if px.Type == imageserver.RGB && px.Channels == 3 {
		return renderRGB(px)
	}
	cmap, ok := colormap.Get(colormapName)
	if !ok {
		cmap, _ = colormap.Get(r.config.DefaultColormap)
	}
	return renderChannel(px, 0, cmap)
}

// drawScaleBar overlays a white bar with a black outline whose length is a
// round physical distance (1, 2 or 5 times a power of ten microns), at most
// a quarter of the image width.
func drawScaleBar(img image.Image, micronsPerPixel float64) image.Image {
	dc := gg.NewContextForImage(img)
	w, h := float64(dc.Width()), float64(dc.Height())

	microns := roundMicrons(w / 4 * micronsPerPixel)
	barW := microns / micronsPerPixel
	barH := 4.0
	x := 8.0
	y := h - 8 - barH

	dc.SetRGB(0, 0, 0)
	dc.DrawRectangle(x-1, y-1, barW+2, barH+2)
	dc.Fill()
	dc.SetRGB(1, 1, 1)
	dc.DrawRectangle(x, y, barW, barH)
	dc.Fill()
	return dc.Image()
}

// roundMicrons returns the largest round length (1, 2 or 5 times a power of
// ten) not exceeding maxMicrons.
func roundMicrons(maxMicrons float64) float64 {
	p := math.Pow(10, math.Floor(math.Log10(maxMicrons)))
	for _, m := range []float64{5, 2, 1} {
		if m*p <= maxMicrons {
			return m * p
		}
	}
	return p
}

func renderRGB(px *imageserver.Pixels) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, px.Width, px.Height))
	planeLen := px.Width * px.Height
	for y := 0; y < px.Height; y++ {
		for x := 0; x < px.Width; x++ {
			i := y*px.Width + x
			o := i * 4
			img.Pix[o] = px.Data[i]
			img.Pix[o+1] = px.Data[planeLen+i]
			img.Pix[o+2] = px.Data[2*planeLen+i]
			img.Pix[o+3] = 255
		}
	}
	return img
}

// renderChannel maps one channel through cmap, normalizing to the channel's
// own min/max within the region. A flat channel renders as the colormap's
// low end.
func renderChannel(px *imageserver.Pixels, c int, cmap colormap.Colormap) *image.NRGBA {
	min, max := px.SampleFloat(c, 0, 0), px.SampleFloat(c, 0, 0)
	for y := 0; y < px.Height; y++ {
		for x := 0; x < px.Width; x++ {
			v := px.SampleFloat(c, x, y)
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
	}
	scale := max - min
	if scale == 0 {
		scale = 1
	}

	img := image.NewNRGBA(image.Rect(0, 0, px.Width, px.Height))
	for y := 0; y < px.Height; y++ {
		for x := 0; x < px.Width; x++ {
			red, green, blue := cmap.RGBA8((px.SampleFloat(c, x, y) - min) / scale)
			o := (y*px.Width + x) * 4
			img.Pix[o] = red
			img.Pix[o+1] = green
			img.Pix[o+2] = blue
			img.Pix[o+3] = 255
		}
	}
	return img
}

func (r *Renderer) encodePNG(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer r.bufferPool.Put(buf)
	buf.Reset()

	if err := png.Encode(buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

package imageserver

import (
	"fmt"
	"math"
)

// PixelCalibration holds the physical size of a pixel. Unknown dimensions are
// NaN with an empty unit. Values are immutable once constructed.
type PixelCalibration struct {
	PixelWidth  float64
	PixelHeight float64
	ZSpacing    float64
	LengthUnit  string
	ZUnit       string
	TimeUnit    string
}

// Uncalibrated returns a calibration with every dimension unknown.
func Uncalibrated() PixelCalibration {
	nan := math.NaN()
	return PixelCalibration{PixelWidth: nan, PixelHeight: nan, ZSpacing: nan}
}

// HasPixelSize reports whether the planar pixel size is known.
func (c PixelCalibration) HasPixelSize() bool {
	return !math.IsNaN(c.PixelWidth) && !math.IsNaN(c.PixelHeight)
}

// HasZSpacing reports whether the z-slice spacing is known.
func (c PixelCalibration) HasZSpacing() bool {
	return !math.IsNaN(c.ZSpacing)
}

// ImageMetadata describes an image's shape and pixel format. It is created
// once when a server is built and shared read-only by all callers.
type ImageMetadata struct {
	Width      int
	Height     int
	Channels   int
	ZSlices    int
	Timepoints int
	PixelType  PixelType
	// Downsamples lists the native pyramid levels' downsample factors in
	// ascending order; the first element is always 1.0.
	Downsamples []float64
	Calibration PixelCalibration
}

// Validate checks the metadata's internal consistency.
func (m ImageMetadata) Validate() error {
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("image dimensions must be positive, got %dx%d", m.Width, m.Height)
	}
	if m.Channels <= 0 {
		return fmt.Errorf("channel count must be positive, got %d", m.Channels)
	}
	if m.ZSlices <= 0 || m.Timepoints <= 0 {
		return fmt.Errorf("z and t counts must be positive, got z=%d t=%d", m.ZSlices, m.Timepoints)
	}
	if m.PixelType.BytesPerSample() == 0 {
		return fmt.Errorf("unknown pixel type %v", m.PixelType)
	}
	if len(m.Downsamples) == 0 || m.Downsamples[0] != 1.0 {
		return fmt.Errorf("downsamples must start at 1.0, got %v", m.Downsamples)
	}
	for i := 1; i < len(m.Downsamples); i++ {
		if m.Downsamples[i] <= m.Downsamples[i-1] {
			return fmt.Errorf("downsamples must be ascending, got %v", m.Downsamples)
		}
	}
	return nil
}

// LevelWidth returns the pixel width of pyramid level i, defined as
// ceil(width / downsample). Decoder backends must expose levels with exactly
// these extents.
func (m ImageMetadata) LevelWidth(i int) int {
	return scaledDim(m.Width, m.Downsamples[i])
}

// LevelHeight returns the pixel height of pyramid level i.
func (m ImageMetadata) LevelHeight(i int) int {
	return scaledDim(m.Height, m.Downsamples[i])
}

// LevelForDownsample returns the index of the nearest native level whose
// downsample is less than or equal to the requested one, so a non-native
// request is always served from equal-or-finer data.
func (m ImageMetadata) LevelForDownsample(downsample float64) int {
	best := 0
	for i, d := range m.Downsamples {
		if d <= downsample {
			best = i
		}
	}
	return best
}

// scaledDim returns the extent of a full-resolution axis at a downsample.
func scaledDim(full int, downsample float64) int {
	return int(math.Ceil(float64(full) / downsample))
}

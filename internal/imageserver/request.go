package imageserver

import "fmt"

// RegionRequest identifies a rectangular pixel region of one image plane at a
// requested downsample. X, Y, Width and Height are expressed in pixel
// coordinates at that downsample. The struct is comparable, so two requests
// with identical fields are equal and usable as map keys; downsample factors
// compare exactly, so callers must request canonical values.
type RegionRequest struct {
	Path       string
	Downsample float64
	X          int
	Y          int
	Width      int
	Height     int
	Z          int
	T          int
}

// FullImageRequest returns a request covering the whole image of s at full
// resolution, z=0, t=0.
func FullImageRequest(s ImageServer) RegionRequest {
	m := s.Metadata()
	return RegionRequest{
		Path:       s.Path(),
		Downsample: 1.0,
		Width:      m.Width,
		Height:     m.Height,
	}
}

func (r RegionRequest) String() string {
	return fmt.Sprintf("%s [x=%d y=%d w=%d h=%d ds=%g z=%d t=%d]",
		r.Path, r.X, r.Y, r.Width, r.Height, r.Downsample, r.Z, r.T)
}

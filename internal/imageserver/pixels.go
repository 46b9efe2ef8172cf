// Package imageserver provides uniform, random-access region reading over
// large pyramidal images, backed by format-specific tile decoders and a
// shared tile cache.
package imageserver

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// PixelType enumerates the sample formats a server can expose.
type PixelType int

const (
	UInt8 PixelType = iota
	Int8
	UInt16
	Int16
	UInt32
	Int32
	Float32
	// RGB is packed 8-bit color stored as three one-byte channel planes.
	RGB
)

// BytesPerSample returns the storage size of one sample of this type.
func (t PixelType) BytesPerSample() int {
	switch t {
	case UInt8, Int8, RGB:
		return 1
	case UInt16, Int16:
		return 2
	case UInt32, Int32, Float32:
		return 4
	}
	return 0
}

func (t PixelType) String() string {
	switch t {
	case UInt8:
		return "uint8"
	case Int8:
		return "int8"
	case UInt16:
		return "uint16"
	case Int16:
		return "int16"
	case UInt32:
		return "uint32"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	case RGB:
		return "rgb"
	}
	return fmt.Sprintf("PixelType(%d)", int(t))
}

// ParsePixelType parses the names produced by PixelType.String.
func ParsePixelType(s string) (PixelType, error) {
	switch strings.ToLower(s) {
	case "uint8":
		return UInt8, nil
	case "int8":
		return Int8, nil
	case "uint16":
		return UInt16, nil
	case "int16":
		return Int16, nil
	case "uint32":
		return UInt32, nil
	case "int32":
		return Int32, nil
	case "float32":
		return Float32, nil
	case "rgb":
		return RGB, nil
	}
	return 0, fmt.Errorf("unknown pixel type %q", s)
}

// Pixels is a decoded rectangular region. Data is laid out planar and
// channel-major: all samples of channel 0 in row-major order, then channel 1,
// and so on. Multi-byte samples are little-endian.
type Pixels struct {
	Width    int
	Height   int
	Channels int
	Type     PixelType
	Data     []byte
}

// BufferLen returns the byte length of a planar buffer with the given shape.
func BufferLen(width, height, channels int, t PixelType) int {
	return width * height * channels * t.BytesPerSample()
}

// SampleFloat returns the sample at (x, y) in channel c converted to float64.
// Integer types convert by value; Float32 converts exactly.
func (p *Pixels) SampleFloat(c, x, y int) float64 {
	bps := p.Type.BytesPerSample()
	off := ((c*p.Height+y)*p.Width + x) * bps
	switch p.Type {
	case UInt8, RGB:
		return float64(p.Data[off])
	case Int8:
		return float64(int8(p.Data[off]))
	case UInt16:
		return float64(binary.LittleEndian.Uint16(p.Data[off:]))
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(p.Data[off:])))
	case UInt32:
		return float64(binary.LittleEndian.Uint32(p.Data[off:]))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(p.Data[off:])))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(p.Data[off:])))
	}
	return 0
}

package imageserver

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestMetadataValidate(t *testing.T) {
	valid := testMeta()
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid metadata rejected: %v", err)
	}

	cases := map[string]func(*ImageMetadata){
		"zeroWidth":        func(m *ImageMetadata) { m.Width = 0 },
		"zeroChannels":     func(m *ImageMetadata) { m.Channels = 0 },
		"zeroZ":            func(m *ImageMetadata) { m.ZSlices = 0 },
		"emptyDownsamples": func(m *ImageMetadata) { m.Downsamples = nil },
		"noFullRes":        func(m *ImageMetadata) { m.Downsamples = []float64{2, 4} },
		"notAscending":     func(m *ImageMetadata) { m.Downsamples = []float64{1, 4, 2} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := testMeta()
			mutate(&m)
			if err := m.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLevelForDownsample(t *testing.T) {
	m := testMeta()
	m.Downsamples = []float64{1, 4, 16}

	cases := []struct {
		downsample float64
		want       int
	}{
		{1, 0},
		{2.5, 0},
		{4, 1},
		{10, 1},
		{16, 2},
		{100, 2},
	}
	for _, c := range cases {
		if got := m.LevelForDownsample(c.downsample); got != c.want {
			t.Errorf("LevelForDownsample(%g) = %d, want %d", c.downsample, got, c.want)
		}
	}
}

func TestLevelDimensions(t *testing.T) {
	m := testMeta()
	m.Width, m.Height = 1001, 999
	m.Downsamples = []float64{1, 4}

	if w := m.LevelWidth(1); w != 251 {
		t.Errorf("expected ceil(1001/4)=251, got %d", w)
	}
	if h := m.LevelHeight(1); h != 250 {
		t.Errorf("expected ceil(999/4)=250, got %d", h)
	}
}

func TestRegionRequestEquality(t *testing.T) {
	a := RegionRequest{Path: "p", Downsample: 2, X: 1, Y: 2, Width: 3, Height: 4, Z: 1, T: 1}
	b := a
	if a != b {
		t.Fatal("identical requests must compare equal")
	}

	seen := map[RegionRequest]int{a: 1}
	if seen[b] != 1 {
		t.Fatal("request not usable as map key")
	}

	b.Downsample = 2.0000001
	if a == b {
		t.Fatal("downsample comparison must be exact")
	}
}

func TestPixelCalibration(t *testing.T) {
	c := Uncalibrated()
	if c.HasPixelSize() || c.HasZSpacing() {
		t.Error("uncalibrated must report unknown sizes")
	}

	c = PixelCalibration{PixelWidth: 0.25, PixelHeight: 0.25, ZSpacing: math.NaN(), LengthUnit: "µm"}
	if !c.HasPixelSize() {
		t.Error("expected known pixel size")
	}
	if c.HasZSpacing() {
		t.Error("expected unknown z spacing")
	}
}

func TestSampleFloat(t *testing.T) {
	t.Run("uint16", func(t *testing.T) {
		p := &Pixels{Width: 2, Height: 1, Channels: 1, Type: UInt16, Data: make([]byte, 4)}
		binary.LittleEndian.PutUint16(p.Data[2:], 65535)
		if got := p.SampleFloat(0, 1, 0); got != 65535 {
			t.Errorf("expected 65535, got %v", got)
		}
	})

	t.Run("int16", func(t *testing.T) {
		p := &Pixels{Width: 1, Height: 1, Channels: 1, Type: Int16, Data: make([]byte, 2)}
		binary.LittleEndian.PutUint16(p.Data, uint16(0xFFFF))
		if got := p.SampleFloat(0, 0, 0); got != -1 {
			t.Errorf("expected -1, got %v", got)
		}
	})

	t.Run("float32", func(t *testing.T) {
		p := &Pixels{Width: 1, Height: 1, Channels: 2, Type: Float32, Data: make([]byte, 8)}
		binary.LittleEndian.PutUint32(p.Data[4:], math.Float32bits(1.5))
		if got := p.SampleFloat(1, 0, 0); got != 1.5 {
			t.Errorf("expected 1.5, got %v", got)
		}
	})
}

func TestParsePixelType(t *testing.T) {
	for _, pt := range []PixelType{UInt8, Int8, UInt16, Int16, UInt32, Int32, Float32, RGB} {
		parsed, err := ParsePixelType(pt.String())
		if err != nil {
			t.Fatalf("round-trip of %v failed: %v", pt, err)
		}
		if parsed != pt {
			t.Errorf("round-trip of %v gave %v", pt, parsed)
		}
	}
	if _, err := ParsePixelType("complex128"); err == nil {
		t.Error("expected error for unknown type")
	}
}

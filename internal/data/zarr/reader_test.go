package zarr

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/wsi-tiles/server/internal/cache"
	"github.com/wsi-tiles/server/internal/imageserver"
)

const (
	testWidth  = 100
	testHeight = 80
	testChunk  = 32
)

// testSample is the deterministic uint16 value written at (x, y) of channel c
// in pyramid level.
func testSample(level, c, x, y int) uint16 {
	return uint16(level*10000 + c*1000 + y*100 + x)
}

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal %s: %v", path, err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// writeTestStore builds a two-level store: level 0 raw, level 1 zstd.
// The chunk at (cy=1, cx=1) of level 0 channel 1 is intentionally absent.
func writeTestStore(t *testing.T) string {
	t.Helper()
	base := t.TempDir()

	if err := os.WriteFile(filepath.Join(base, ".zgroup"), []byte(`{"zarr_format":2}`), 0o644); err != nil {
		t.Fatalf("failed to write .zgroup: %v", err)
	}

	pw := 0.5
	writeJSON(t, filepath.Join(base, ".zattrs"), storeAttrs{Image: &Attrs{
		Width:       testWidth,
		Height:      testHeight,
		Channels:    2,
		ZSlices:     1,
		Timepoints:  1,
		PixelType:   "uint16",
		Downsamples: []float64{1, 4},
		PixelWidth:  &pw,
		PixelHeight: &pw,
		LengthUnit:  "µm",
	}})

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("failed to create zstd encoder: %v", err)
	}
	defer enc.Close()

	levelDims := [][2]int{{testWidth, testHeight}, {25, 20}}
	for level, dims := range levelDims {
		dir := filepath.Join(base, fmt.Sprintf("%d", level))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("failed to create level dir: %v", err)
		}
		compressor := ""
		if level == 1 {
			compressor = "zstd"
		}
		writeJSON(t, filepath.Join(dir, ".zarray"), ArrayMeta{
			ZarrFormat: 2,
			Shape:      []int{dims[1], dims[0]},
			Chunks:     []int{testChunk, testChunk},
			DType:      "uint16",
			Compressor: compressor,
		})

		cols := (dims[0] + testChunk - 1) / testChunk
		rows := (dims[1] + testChunk - 1) / testChunk
		for c := 0; c < 2; c++ {
			for cy := 0; cy < rows; cy++ {
				for cx := 0; cx < cols; cx++ {
					if level == 0 && c == 1 && cy == 1 && cx == 1 {
						continue // simulate a never-written chunk
					}
					chunk := make([]byte, testChunk*testChunk*2)
					for y := 0; y < testChunk; y++ {
						for x := 0; x < testChunk; x++ {
							gx, gy := cx*testChunk+x, cy*testChunk+y
							if gx >= dims[0] || gy >= dims[1] {
								continue // padding stays zero
							}
							binary.LittleEndian.PutUint16(chunk[(y*testChunk+x)*2:], testSample(level, c, gx, gy))
						}
					}
					if compressor == "zstd" {
						chunk = enc.EncodeAll(chunk, nil)
					}
					name := fmt.Sprintf("%d.0.0.%d.%d", c, cy, cx)
					if err := os.WriteFile(filepath.Join(dir, name), chunk, 0o644); err != nil {
						t.Fatalf("failed to write chunk: %v", err)
					}
				}
			}
		}
	}
	return base
}

func TestReader_Metadata(t *testing.T) {
	r, err := NewReader(writeTestStore(t))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer r.Close()

	m := r.Metadata()
	if m.Width != testWidth || m.Height != testHeight || m.Channels != 2 {
		t.Errorf("unexpected shape: %+v", m)
	}
	if m.PixelType != imageserver.UInt16 {
		t.Errorf("expected uint16, got %v", m.PixelType)
	}
	if !m.Calibration.HasPixelSize() || m.Calibration.PixelWidth != 0.5 {
		t.Errorf("unexpected calibration: %+v", m.Calibration)
	}
	if m.Calibration.HasZSpacing() {
		t.Error("z spacing should be unknown")
	}
}

func TestReader_DecodeTile(t *testing.T) {
	r, err := NewReader(writeTestStore(t))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer r.Close()

	t.Run("crossesChunks", func(t *testing.T) {
		region := image.Rect(20, 10, 70, 50)
		buf, err := r.DecodeTile(context.Background(), 0, region, 0, 0)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		px := &imageserver.Pixels{Width: region.Dx(), Height: region.Dy(), Channels: 2, Type: imageserver.UInt16, Data: buf}
		for _, p := range [][2]int{{0, 0}, {49, 39}, {15, 25}} {
			want := float64(testSample(0, 0, 20+p[0], 10+p[1]))
			if got := px.SampleFloat(0, p[0], p[1]); got != want {
				t.Errorf("sample (%d,%d) = %v, want %v", p[0], p[1], got, want)
			}
		}
	})

	t.Run("missingChunkReadsZero", func(t *testing.T) {
		// Channel 1's chunk (1,1) covers 32..64 in both axes.
		buf, err := r.DecodeTile(context.Background(), 0, image.Rect(40, 40, 50, 50), 0, 0)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		px := &imageserver.Pixels{Width: 10, Height: 10, Channels: 2, Type: imageserver.UInt16, Data: buf}
		if got := px.SampleFloat(1, 0, 0); got != 0 {
			t.Errorf("missing chunk sample = %v, want 0", got)
		}
		// Channel 0's chunk exists and must be unaffected.
		if got := px.SampleFloat(0, 0, 0); got != float64(testSample(0, 0, 40, 40)) {
			t.Errorf("present chunk sample = %v", got)
		}
	})

	t.Run("zstdLevel", func(t *testing.T) {
		buf, err := r.DecodeTile(context.Background(), 1, image.Rect(0, 0, 25, 20), 0, 0)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		px := &imageserver.Pixels{Width: 25, Height: 20, Channels: 2, Type: imageserver.UInt16, Data: buf}
		if got := px.SampleFloat(1, 24, 19); got != float64(testSample(1, 1, 24, 19)) {
			t.Errorf("zstd level sample = %v", got)
		}
	})
}

func TestBuilder(t *testing.T) {
	tiles, err := cache.New(8 << 20)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	b := &Builder{Cache: tiles, PreferredTileLength: 64}

	t.Run("opensStore", func(t *testing.T) {
		srv, err := b.Build(context.Background(), writeTestStore(t))
		if err != nil {
			t.Fatalf("build failed: %v", err)
		}
		defer srv.Close()

		px, err := srv.ReadRegion(context.Background(), imageserver.RegionRequest{
			Downsample: 1, X: 30, Y: 30, Width: 20, Height: 20,
		})
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if got := px.SampleFloat(0, 0, 0); got != float64(testSample(0, 0, 30, 30)) {
			t.Errorf("served sample = %v", got)
		}
	})

	t.Run("rejectsNonStore", func(t *testing.T) {
		_, err := b.Build(context.Background(), t.TempDir())
		if !errors.Is(err, imageserver.ErrUnsupported) {
			t.Fatalf("expected ErrUnsupported, got %v", err)
		}
	})

	t.Run("rejectsMissingPath", func(t *testing.T) {
		_, err := b.Build(context.Background(), "/does/not/exist")
		if !errors.Is(err, imageserver.ErrUnsupported) {
			t.Fatalf("expected ErrUnsupported, got %v", err)
		}
	})
}

package imageserver

import (
	"bytes"
	"context"
	"errors"
	"image"
	"sync/atomic"
	"testing"

	"github.com/wsi-tiles/server/internal/cache"
)

// patternDecoder produces deterministic pixel values so assembled regions can
// be checked sample by sample.
type patternDecoder struct {
	meta    ImageMetadata
	decodes int32
	failAll bool
	closed  bool
}

func patternValue(level, x, y, c, z, t int) byte {
	return byte((x*31 + y*17 + c*11 + z*7 + t*3 + level*13) % 251)
}

func (d *patternDecoder) DecodeTile(_ context.Context, level int, region image.Rectangle, z, t int) ([]byte, error) {
	atomic.AddInt32(&d.decodes, 1)
	if d.failAll {
		return nil, errors.New("synthetic decode failure")
	}
	buf := make([]byte, BufferLen(region.Dx(), region.Dy(), d.meta.Channels, d.meta.PixelType))
	i := 0
	for c := 0; c < d.meta.Channels; c++ {
		for y := region.Min.Y; y < region.Max.Y; y++ {
			for x := region.Min.X; x < region.Max.X; x++ {
				buf[i] = patternValue(level, x, y, c, z, t)
				i++
			}
		}
	}
	return buf, nil
}

func (d *patternDecoder) Close() error {
	d.closed = true
	return nil
}

func testMeta() ImageMetadata {
	return ImageMetadata{
		Width:       1000,
		Height:      800,
		Channels:    2,
		ZSlices:     3,
		Timepoints:  2,
		PixelType:   UInt8,
		Downsamples: []float64{1, 4},
		Calibration: Uncalibrated(),
	}
}

func newTestServer(t *testing.T) (*Pyramid, *patternDecoder) {
	t.Helper()
	tiles, err := cache.New(64 << 20)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	dec := &patternDecoder{meta: testMeta()}
	srv, err := NewPyramid("pattern://test", testMeta(), dec, tiles, 256)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv, dec
}

func TestReadRegion_FullResolution(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	px, err := srv.ReadRegion(context.Background(), RegionRequest{
		Downsample: 1, X: 10, Y: 20, Width: 300, Height: 400, Z: 1, T: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if px.Width != 300 || px.Height != 400 || px.Channels != 2 {
		t.Fatalf("unexpected shape: %dx%d c=%d", px.Width, px.Height, px.Channels)
	}
	if len(px.Data) != BufferLen(300, 400, 2, UInt8) {
		t.Fatalf("unexpected buffer size %d", len(px.Data))
	}

	// Spot-check samples against the generator, across tile boundaries.
	for _, p := range [][3]int{{0, 0, 0}, {299, 399, 1}, {250, 250, 0}, {123, 7, 1}} {
		x, y, c := p[0], p[1], p[2]
		want := float64(patternValue(0, 10+x, 20+y, c, 1, 1))
		if got := px.SampleFloat(c, x, y); got != want {
			t.Errorf("sample (c=%d x=%d y=%d) = %v, want %v", c, x, y, got, want)
		}
	}
}

func TestReadRegion_QuadrantsStitchToFullImage(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()
	ctx := context.Background()

	full, err := srv.ReadRegion(ctx, FullImageRequest(srv))
	if err != nil {
		t.Fatalf("full read failed: %v", err)
	}

	m := srv.Metadata()
	halfW, halfH := m.Width/2, m.Height/2
	stitched := make([]byte, len(full.Data))
	quads := []image.Rectangle{
		image.Rect(0, 0, halfW, halfH),
		image.Rect(halfW, 0, m.Width, halfH),
		image.Rect(0, halfH, halfW, m.Height),
		image.Rect(halfW, halfH, m.Width, m.Height),
	}
	for _, q := range quads {
		px, err := srv.ReadRegion(ctx, RegionRequest{
			Downsample: 1, X: q.Min.X, Y: q.Min.Y, Width: q.Dx(), Height: q.Dy(),
		})
		if err != nil {
			t.Fatalf("quadrant %v failed: %v", q, err)
		}
		copyPlanar(stitched, image.Rect(0, 0, m.Width, m.Height), px.Data, q, q, m.Channels, 1)
	}

	if !bytes.Equal(full.Data, stitched) {
		t.Fatal("stitched quadrants differ from single full-image read")
	}
}

func TestReadRegion_NativeCoarseLevel(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	// Downsample 4 is native: pixels come straight from level 1.
	px, err := srv.ReadRegion(context.Background(), RegionRequest{
		Downsample: 4, X: 5, Y: 5, Width: 50, Height: 40,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := float64(patternValue(1, 7, 9, 0, 0, 0))
	if got := px.SampleFloat(0, 2, 4); got != want {
		t.Errorf("native level sample = %v, want %v", got, want)
	}
}

func TestReadRegion_NonNativeDownsampleIsDeterministic(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()
	ctx := context.Background()

	req := RegionRequest{Downsample: 2.5, X: 3, Y: 4, Width: 100, Height: 90}
	first, err := srv.ReadRegion(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := srv.ReadRegion(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(first.Data, second.Data) {
		t.Fatal("repeated non-native reads are not byte-identical")
	}
	if first.Width != 100 || first.Height != 90 {
		t.Errorf("unexpected shape %dx%d", first.Width, first.Height)
	}

	// 2.5 falls between native levels 1 and 4; it must be served from the
	// finer level 0, resampled at scale 2.5.
	srcX := (3 + 0 + 0.5) * 2.5
	srcY := (4 + 0 + 0.5) * 2.5
	want := float64(patternValue(0, int(srcX), int(srcY), 0, 0, 0))
	if got := first.SampleFloat(0, 0, 0); got != want {
		t.Errorf("resampled origin = %v, want %v", got, want)
	}
}

func TestReadRegion_EdgeClipping(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	// Overlaps the bottom-right corner: 1000x800 image, request 900..1100.
	px, err := srv.ReadRegion(context.Background(), RegionRequest{
		Downsample: 1, X: 900, Y: 700, Width: 200, Height: 200,
	})
	if err != nil {
		t.Fatalf("edge request must clip, not fail: %v", err)
	}
	if px.Width != 100 || px.Height != 100 {
		t.Errorf("expected 100x100 clipped region, got %dx%d", px.Width, px.Height)
	}
}

func TestReadRegion_OutOfBounds(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	_, err := srv.ReadRegion(context.Background(), RegionRequest{
		Downsample: 1, X: 5000, Y: 5000, Width: 10, Height: 10,
	})
	if !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
}

func TestReadRegion_InvalidRequests(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()
	ctx := context.Background()

	cases := map[string]RegionRequest{
		"zeroWidth":      {Downsample: 1, Width: 0, Height: 10},
		"negativeHeight": {Downsample: 1, Width: 10, Height: -1},
		"downsampleLow":  {Downsample: 0.5, Width: 10, Height: 10},
		"zTooLarge":      {Downsample: 1, Width: 10, Height: 10, Z: 3},
		"tNegative":      {Downsample: 1, Width: 10, Height: 10, T: -1},
		"wrongPath":      {Path: "other://image", Downsample: 1, Width: 10, Height: 10},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := srv.ReadRegion(ctx, req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestReadRegion_DecodeFailure(t *testing.T) {
	tiles, err := cache.New(1 << 20)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	dec := &patternDecoder{meta: testMeta(), failAll: true}
	srv, err := NewPyramid("pattern://bad", testMeta(), dec, tiles, 256)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	defer srv.Close()

	_, err = srv.ReadRegion(context.Background(), RegionRequest{Downsample: 1, Width: 10, Height: 10})
	var de *cache.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected *cache.DecodeError, got %v", err)
	}
}

func TestDefaultThumbnail(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	px, err := srv.DefaultThumbnail(context.Background(), 2, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Coarsest downsample is 4: ceil(1000/4) x ceil(800/4).
	if px.Width != 250 || px.Height != 200 {
		t.Errorf("expected 250x200 thumbnail, got %dx%d", px.Width, px.Height)
	}
	want := float64(patternValue(1, 0, 0, 0, 2, 1))
	if got := px.SampleFloat(0, 0, 0); got != want {
		t.Errorf("thumbnail origin = %v, want %v", got, want)
	}
}

func TestClose(t *testing.T) {
	srv, dec := newTestServer(t)

	if _, err := srv.ReadRegion(context.Background(), RegionRequest{Downsample: 1, Width: 10, Height: 10}); err != nil {
		t.Fatalf("read before close failed: %v", err)
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !dec.closed {
		t.Error("decoder not closed")
	}
	if err := srv.Close(); err != nil {
		t.Errorf("second close must not fail: %v", err)
	}

	_, err := srv.ReadRegion(context.Background(), RegionRequest{Downsample: 1, Width: 10, Height: 10})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := srv.DefaultThumbnail(context.Background(), 0, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from thumbnail, got %v", err)
	}
}

func TestReadRegion_RepeatUsesCachedTiles(t *testing.T) {
	srv, dec := newTestServer(t)
	defer srv.Close()
	ctx := context.Background()

	req := RegionRequest{Downsample: 1, X: 0, Y: 0, Width: 500, Height: 500}
	if _, err := srv.ReadRegion(ctx, req); err != nil {
		t.Fatalf("first read failed: %v", err)
	}
	first := atomic.LoadInt32(&dec.decodes)
	if _, err := srv.ReadRegion(ctx, req); err != nil {
		t.Fatalf("second read failed: %v", err)
	}
	if second := atomic.LoadInt32(&dec.decodes); second != first {
		t.Errorf("repeat read triggered %d extra decodes", second-first)
	}
}

func TestTileSizeIsStable(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	w1, h1 := srv.TileSize(0)
	w2, h2 := srv.TileSize(0)
	if w1 != w2 || h1 != h2 {
		t.Fatalf("tile size changed between calls: %dx%d vs %dx%d", w1, h1, w2, h2)
	}
	if w1 != 256 || h1 != 256 {
		t.Errorf("expected 256x256 tiles at level 0, got %dx%d", w1, h1)
	}
}

package zarr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/wsi-tiles/server/internal/cache"
	"github.com/wsi-tiles/server/internal/imageserver"
)

// Builder opens zarr stores as image servers. It handles any path (with or
// without a "file://" prefix) that is a directory containing a ".zgroup"
// marker.
type Builder struct {
	Cache               *cache.TileCache
	PreferredTileLength int
}

func (b *Builder) Name() string { return "zarr" }

// Build implements imageserver.Builder. The only recognized arg is
// "tile=N", overriding the preferred tile edge length.
func (b *Builder) Build(_ context.Context, uri string, args ...string) (imageserver.ImageServer, error) {
	path := strings.TrimPrefix(uri, "file://")
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%q: %w", uri, imageserver.ErrUnsupported)
	}
	if _, err := os.Stat(filepath.Join(path, ".zgroup")); err != nil {
		return nil, fmt.Errorf("%q: %w", uri, imageserver.ErrUnsupported)
	}

	tileLength := b.PreferredTileLength
	for _, arg := range args {
		if v, ok := strings.CutPrefix(arg, "tile="); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid tile length arg %q: %w", arg, err)
			}
			tileLength = n
		}
	}

	reader, err := NewReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open zarr store %q: %w", path, err)
	}
	srv, err := imageserver.NewPyramid(uri, reader.Metadata(), reader, b.Cache, tileLength)
	if err != nil {
		reader.Close()
		return nil, err
	}
	return srv, nil
}

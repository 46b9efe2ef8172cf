package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/wsi-tiles/server/internal/imageserver"
)

// OpenServer tries each builder in order until one accepts the resource.
// Builders signaling imageserver.ErrUnsupported are skipped; any other
// failure aborts immediately since the resource was recognized but could not
// be opened.
func OpenServer(ctx context.Context, builders []imageserver.Builder, uri string, args ...string) (imageserver.ImageServer, error) {
	for _, b := range builders {
		srv, err := b.Build(ctx, uri, args...)
		if err == nil {
			return srv, nil
		}
		if errors.Is(err, imageserver.ErrUnsupported) {
			continue
		}
		return nil, fmt.Errorf("builder %s: %w", b.Name(), err)
	}
	return nil, fmt.Errorf("%q: %w", uri, imageserver.ErrUnsupported)
}

package imageserver

import "context"

// Builder opens an ImageServer for a resource locator. A builder that does
// not recognize the resource returns an error wrapping ErrUnsupported so the
// caller can try the next builder in sequence; any other error means the
// resource was recognized but could not be opened.
type Builder interface {
	// Name identifies the builder in logs and error messages.
	Name() string

	// Build opens the resource. Args carry builder-specific overrides such
	// as an explicit pixel-type or tile-size hint.
	Build(ctx context.Context, uri string, args ...string) (ImageServer, error)
}

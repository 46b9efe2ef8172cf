package imageserver

import "errors"

var (
	// ErrOutOfBounds reports a region request entirely outside the image
	// extent. Requests that merely overlap an edge are clipped, not rejected.
	ErrOutOfBounds = errors.New("region entirely outside image bounds")

	// ErrInvalidRequest reports a malformed request: non-positive size, a
	// downsample below 1.0, or a z/t index outside the declared range.
	ErrInvalidRequest = errors.New("invalid region request")

	// ErrClosed reports an operation on a closed server.
	ErrClosed = errors.New("image server is closed")

	// ErrUnsupported is returned by a Builder that cannot open the given
	// resource, letting a caller fall through to the next builder.
	ErrUnsupported = errors.New("resource not supported by this builder")
)

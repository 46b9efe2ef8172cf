// Package tiling computes tile sizes and tile layouts for pyramidal images.
package tiling

import (
	"image"
)

const (
	// DefaultTileLength is the tile edge length used when no preference is given.
	DefaultTileLength = 512

	// MinTileLength is the smallest tile edge length ever used; smaller
	// preferences are rounded up to a multiple of themselves.
	MinTileLength = 32

	// MaxTileLength caps the tile edge length regardless of preference.
	MaxTileLength = 512
)

// TileLength computes the tile edge length used along one axis, given the
// preferred edge length and the image extent along that axis.
//
// The result is a pure function of its inputs:
//   - a non-positive preference falls back to DefaultTileLength
//   - a preference below MinTileLength is rounded up to the smallest
//     multiple of itself that is at least MinTileLength, so small tiles
//     still align with the preferred grid
//   - the result never exceeds MaxTileLength
//   - an image shorter than the (adjusted) preference is covered by a
//     single tile spanning the whole axis
func TileLength(preferred, imageLength int) int {
	if preferred <= 0 {
		preferred = DefaultTileLength
	} else if preferred < MinTileLength {
		preferred = ((MinTileLength + preferred - 1) / preferred) * preferred
	}
	if preferred > MaxTileLength {
		preferred = MaxTileLength
	}
	if imageLength < preferred {
		return imageLength
	}
	return preferred
}

// Tile identifies one tile in a level's tile grid, along with its pixel
// bounds within that level. Tiles on the bottom/right edges are clipped to
// the level extent, so Bounds may be smaller than the nominal tile size.
type Tile struct {
	X      int
	Y      int
	Bounds image.Rectangle
}

// GridSize returns the number of tile columns and rows covering a level.
func GridSize(levelWidth, levelHeight, tileWidth, tileHeight int) (cols, rows int) {
	cols = (levelWidth + tileWidth - 1) / tileWidth
	rows = (levelHeight + tileHeight - 1) / tileHeight
	return cols, rows
}

// TileBounds returns the clipped pixel bounds of tile (tx, ty) within a level.
func TileBounds(tx, ty, tileWidth, tileHeight, levelWidth, levelHeight int) image.Rectangle {
	r := image.Rect(tx*tileWidth, ty*tileHeight, (tx+1)*tileWidth, (ty+1)*tileHeight)
	return r.Intersect(image.Rect(0, 0, levelWidth, levelHeight))
}

// Cover enumerates the tiles intersecting region, which must be expressed in
// the level's pixel coordinates. The region is clipped to the level extent;
// an empty intersection yields no tiles. Tiles are returned in row-major
// order.
func Cover(region image.Rectangle, tileWidth, tileHeight, levelWidth, levelHeight int) []Tile {
	clipped := region.Intersect(image.Rect(0, 0, levelWidth, levelHeight))
	if clipped.Empty() {
		return nil
	}

	tx0 := clipped.Min.X / tileWidth
	ty0 := clipped.Min.Y / tileHeight
	tx1 := (clipped.Max.X - 1) / tileWidth
	ty1 := (clipped.Max.Y - 1) / tileHeight

	tiles := make([]Tile, 0, (tx1-tx0+1)*(ty1-ty0+1))
	for ty := ty0; ty <= ty1; ty++ {
		for tx := tx0; tx <= tx1; tx++ {
			tiles = append(tiles, Tile{
				X:      tx,
				Y:      ty,
				Bounds: TileBounds(tx, ty, tileWidth, tileHeight, levelWidth, levelHeight),
			})
		}
	}
	return tiles
}

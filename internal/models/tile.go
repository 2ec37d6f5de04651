package models

import "image"

// Tile is one overlapping crop of a larger plane together with its placement
// in the padded global coordinate space. Tiles are the unit of independent
// (parallel) processing.
type Tile[T any] struct {
	// Index is the position of the tile in row-major raster order
	Index int

	// Row and Col locate the tile in the grid
	Row int
	Col int

	// Y and X are the global coordinates of the tile origin
	Y int
	X int

	// Data is the cropped content (an image, field or label map)
	Data T
}

// Rect returns the tile footprint in global coordinates
func (t Tile[T]) Rect(height, width int) image.Rectangle {
	return image.Rect(t.X, t.Y, t.X+width, t.Y+height)
}

// ImageTile is a crop of a multi-channel image
type ImageTile = Tile[*Image]

// FieldTile is a crop of a scalar field
type FieldTile = Tile[*ScalarField]

// LabelTile is a per-tile instance label map
type LabelTile = Tile[*LabelMap]

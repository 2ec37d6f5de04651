// Package tiling splits large planes into a regular grid of overlapping tiles
// and reassembles per-tile results into one plane.
//
// The grid is anchored at the top-left pixel. Along each axis the image is
// padded on the far side so that the last tile is full-size:
//
//	n      = 1 + ceil(max(0, size - tile) / stride)
//	padded = tile + (n - 1) * stride
//
// Overlap between neighbouring tiles is tile - stride. A stride larger than
// the tile would leave uncovered gaps and is rejected.
package tiling

import (
	"image"

	"wsiseg/internal/wserr"
)

// PadMode selects how pixels beyond the image edge are synthesised
type PadMode int

const (
	// PadReflect mirrors the image about its last row/column without repeating
	// the edge pixel
	PadReflect PadMode = iota
	// PadZero fills with zeros
	PadZero
)

// ParsePadMode maps a configuration string to a PadMode
func ParsePadMode(s string) (PadMode, error) {
	switch s {
	case "", "reflect":
		return PadReflect, nil
	case "zero", "constant":
		return PadZero, nil
	}
	return PadReflect, wserr.Configuration("unknown padding mode %q", s)
}

func (p PadMode) String() string {
	if p == PadZero {
		return "zero"
	}
	return "reflect"
}

// Grid describes how an image of a given size is covered by tiles
type Grid struct {
	// Height and Width of the original (unpadded) image
	Height int
	Width  int

	// TileHeight and TileWidth are the tile dimensions
	TileHeight int
	TileWidth  int

	// StrideHeight and StrideWidth are the distances between tile origins
	StrideHeight int
	StrideWidth  int

	// Rows and Cols are the number of tiles along each axis
	Rows int
	Cols int

	// PaddedHeight and PaddedWidth are the dimensions covered by the grid
	PaddedHeight int
	PaddedWidth  int

	Pad PadMode
}

// NewGrid computes the tile layout for an image
func NewGrid(height, width, tileHeight, tileWidth, strideHeight, strideWidth int, pad PadMode) (*Grid, error) {
	if height <= 0 || width <= 0 {
		return nil, wserr.Input("image must be non-empty, got %dx%d", height, width)
	}
	if tileHeight <= 0 || tileWidth <= 0 {
		return nil, wserr.Configuration("tile size must be positive, got %dx%d", tileHeight, tileWidth)
	}
	if strideHeight <= 0 || strideWidth <= 0 {
		return nil, wserr.Configuration("stride must be positive, got %dx%d", strideHeight, strideWidth)
	}
	if strideHeight > tileHeight || strideWidth > tileWidth {
		return nil, wserr.Input("stride %dx%d exceeds tile size %dx%d, pixels would be left uncovered",
			strideHeight, strideWidth, tileHeight, tileWidth)
	}

	rows, paddedHeight := splitAxis(height, tileHeight, strideHeight)
	cols, paddedWidth := splitAxis(width, tileWidth, strideWidth)

	return &Grid{
		Height:       height,
		Width:        width,
		TileHeight:   tileHeight,
		TileWidth:    tileWidth,
		StrideHeight: strideHeight,
		StrideWidth:  strideWidth,
		Rows:         rows,
		Cols:         cols,
		PaddedHeight: paddedHeight,
		PaddedWidth:  paddedWidth,
		Pad:          pad,
	}, nil
}

// NewSquareGrid is NewGrid with equal sizes along both axes
func NewSquareGrid(height, width, tile, stride int, pad PadMode) (*Grid, error) {
	return NewGrid(height, width, tile, tile, stride, stride, pad)
}

// splitAxis returns the number of tiles and the padded length along one axis
func splitAxis(size, tile, stride int) (int, int) {
	if size <= tile {
		return 1, tile
	}
	n := 1 + (size-tile+stride-1)/stride
	return n, tile + (n-1)*stride
}

// Len returns the total number of tiles
func (g *Grid) Len() int {
	return g.Rows * g.Cols
}

// Origin returns the global (y, x) origin of tile i
func (g *Grid) Origin(i int) (int, int) {
	row, col := i/g.Cols, i%g.Cols
	return row * g.StrideHeight, col * g.StrideWidth
}

// Index returns the raster index of the tile at (row, col)
func (g *Grid) Index(row, col int) int {
	return row*g.Cols + col
}

// Rect returns the footprint of tile i in padded global coordinates
func (g *Grid) Rect(i int) image.Rectangle {
	y, x := g.Origin(i)
	return image.Rect(x, y, x+g.TileWidth, y+g.TileHeight)
}

// Bounds returns the rectangle of the original image
func (g *Grid) Bounds() image.Rectangle {
	return image.Rect(0, 0, g.Width, g.Height)
}

// Overlap returns the overlap between neighbouring tiles along each axis
func (g *Grid) Overlap() (int, int) {
	return g.TileHeight - g.StrideHeight, g.TileWidth - g.StrideWidth
}

// Neighbors returns the indices of tiles after i in raster order whose
// footprint intersects tile i. Every overlapping pair is reported exactly once
// when iterating over all tiles.
func (g *Grid) Neighbors(i int) []int {
	row, col := i/g.Cols, i%g.Cols
	reachY := (g.TileHeight - 1) / g.StrideHeight
	reachX := (g.TileWidth - 1) / g.StrideWidth

	var out []int
	for r := row; r <= row+reachY && r < g.Rows; r++ {
		for c := col - reachX; c <= col+reachX; c++ {
			if c < 0 || c >= g.Cols {
				continue
			}
			j := g.Index(r, c)
			if j <= i {
				continue
			}
			out = append(out, j)
		}
	}
	return out
}

package tiling

import (
	"wsiseg/internal/models"
	"wsiseg/internal/wserr"
)

// CombineMode selects how overlapping tile values are reconciled
type CombineMode int

const (
	// CombineAverage takes the mean of every tile value covering a pixel
	CombineAverage CombineMode = iota
	// CombineCopy keeps the value of the first tile (raster order) covering a pixel
	CombineCopy
)

func (g *Grid) checkTiles(n int) error {
	if n != g.Len() {
		return wserr.Input("expected %d tiles, got %d", g.Len(), n)
	}
	return nil
}

func (g *Grid) outputShape(crop bool) (int, int) {
	if crop {
		return g.Height, g.Width
	}
	return g.PaddedHeight, g.PaddedWidth
}

// ReassembleField stitches scalar tiles back into one field. With crop the
// result has the original image shape, otherwise the padded shape.
// Placement is keyed on each tile's origin, so the order of tiles does not
// affect the result.
func (g *Grid) ReassembleField(tiles []models.FieldTile, mode CombineMode, crop bool) (*models.ScalarField, error) {
	if err := g.checkTiles(len(tiles)); err != nil {
		return nil, err
	}
	h, w := g.outputShape(crop)
	out := models.NewScalarField(h, w)

	switch mode {
	case CombineAverage:
		sum := make([]float64, h*w)
		count := make([]uint16, h*w)
		for _, t := range tiles {
			if err := g.checkTileData(t.Data.Height, t.Data.Width); err != nil {
				return nil, err
			}
			for ty := 0; ty < g.TileHeight; ty++ {
				gy := t.Y + ty
				if gy >= h {
					break
				}
				for tx := 0; tx < g.TileWidth; tx++ {
					gx := t.X + tx
					if gx >= w {
						break
					}
					sum[gy*w+gx] += float64(t.Data.Data[ty*g.TileWidth+tx])
					count[gy*w+gx]++
				}
			}
		}
		for i := range out.Data {
			if count[i] > 0 {
				out.Data[i] = float32(sum[i] / float64(count[i]))
			}
		}

	case CombineCopy:
		// Walk tiles in raster order so the first writer wins regardless of
		// the order they were handed in
		ordered := make([]*models.FieldTile, len(tiles))
		for i := range tiles {
			if tiles[i].Index < 0 || tiles[i].Index >= len(ordered) {
				return nil, wserr.Input("tile index %d out of range", tiles[i].Index)
			}
			ordered[tiles[i].Index] = &tiles[i]
		}
		written := make([]bool, h*w)
		for _, t := range ordered {
			if t == nil {
				return nil, wserr.Input("duplicate tile index in reassembly")
			}
			if err := g.checkTileData(t.Data.Height, t.Data.Width); err != nil {
				return nil, err
			}
			for ty := 0; ty < g.TileHeight; ty++ {
				gy := t.Y + ty
				if gy >= h {
					break
				}
				for tx := 0; tx < g.TileWidth; tx++ {
					gx := t.X + tx
					if gx >= w {
						break
					}
					if written[gy*w+gx] {
						continue
					}
					out.Data[gy*w+gx] = t.Data.Data[ty*g.TileWidth+tx]
					written[gy*w+gx] = true
				}
			}
		}

	default:
		return nil, wserr.Configuration("unknown combine mode %d", mode)
	}

	return out, nil
}

// ReassembleMask stitches binary tiles by averaging and keeping pixels where
// at least half of the covering tiles agree on foreground
func (g *Grid) ReassembleMask(tiles []models.Tile[*models.BinaryMask], crop bool) (*models.BinaryMask, error) {
	fields := make([]models.FieldTile, len(tiles))
	for i, t := range tiles {
		f := models.NewScalarField(t.Data.Height, t.Data.Width)
		for j, v := range t.Data.Data {
			f.Data[j] = float32(v)
		}
		fields[i] = models.FieldTile{Index: t.Index, Row: t.Row, Col: t.Col, Y: t.Y, X: t.X, Data: f}
	}
	avg, err := g.ReassembleField(fields, CombineAverage, crop)
	if err != nil {
		return nil, err
	}
	out := models.NewBinaryMask(avg.Height, avg.Width)
	for i, v := range avg.Data {
		if v >= 0.5 {
			out.Data[i] = 1
		}
	}
	if len(tiles) > 0 {
		out.Threshold = tiles[0].Data.Threshold
	}
	return out, nil
}

func (g *Grid) checkTileData(h, w int) error {
	if h != g.TileHeight || w != g.TileWidth {
		return wserr.Input("tile is %dx%d but grid tiles are %dx%d", h, w, g.TileHeight, g.TileWidth)
	}
	return nil
}

package tiling

import (
	"wsiseg/internal/models"
	"wsiseg/internal/wserr"
)

// reflectIndex maps an out-of-range coordinate onto [0, n) by mirroring about
// the edge pixels (numpy "reflect")
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// cropPadded copies a th×tw window at (y0, x0) out of an h×w plane with c
// interleaved channels, synthesising pixels outside the plane per mode
func cropPadded[E float32 | uint8 | uint32](src []E, h, w, c, y0, x0, th, tw int, mode PadMode) []E {
	dst := make([]E, th*tw*c)
	for ty := 0; ty < th; ty++ {
		sy := y0 + ty
		if sy < 0 || sy >= h {
			if mode == PadZero {
				continue
			}
			sy = reflectIndex(sy, h)
		}
		dstRow := dst[ty*tw*c : (ty+1)*tw*c]

		// Fast path for the part of the row inside the plane
		inStart := max(0, -x0)
		inEnd := min(tw, w-x0)
		if inEnd > inStart {
			copy(dstRow[inStart*c:inEnd*c], src[(sy*w+x0+inStart)*c:(sy*w+x0+inEnd)*c])
		}
		if mode == PadZero {
			continue
		}
		for tx := 0; tx < tw; tx++ {
			if tx >= inStart && tx < inEnd {
				continue
			}
			sx := reflectIndex(x0+tx, w)
			copy(dstRow[tx*c:(tx+1)*c], src[(sy*w+sx)*c:(sy*w+sx+1)*c])
		}
	}
	return dst
}

func (g *Grid) checkShape(h, w int) error {
	if h != g.Height || w != g.Width {
		return wserr.Input("plane is %dx%d but grid was built for %dx%d", h, w, g.Height, g.Width)
	}
	return nil
}

// ExtractImage cuts an image into tiles in row-major order
func (g *Grid) ExtractImage(img *models.Image) ([]models.ImageTile, error) {
	if err := g.checkShape(img.Height, img.Width); err != nil {
		return nil, err
	}
	tiles := make([]models.ImageTile, g.Len())
	for i := range tiles {
		y, x := g.Origin(i)
		data := cropPadded(img.Data, img.Height, img.Width, img.Channels, y, x, g.TileHeight, g.TileWidth, g.Pad)
		tiles[i] = models.ImageTile{
			Index: i, Row: i / g.Cols, Col: i % g.Cols, Y: y, X: x,
			Data: &models.Image{
				Data: data, Height: g.TileHeight, Width: g.TileWidth,
				Channels: img.Channels, MPP: img.MPP,
			},
		}
	}
	return tiles, nil
}

// ExtractField cuts a scalar field into tiles in row-major order
func (g *Grid) ExtractField(f *models.ScalarField) ([]models.FieldTile, error) {
	if err := g.checkShape(f.Height, f.Width); err != nil {
		return nil, err
	}
	tiles := make([]models.FieldTile, g.Len())
	for i := range tiles {
		y, x := g.Origin(i)
		data := cropPadded(f.Data, f.Height, f.Width, 1, y, x, g.TileHeight, g.TileWidth, g.Pad)
		tiles[i] = models.FieldTile{
			Index: i, Row: i / g.Cols, Col: i % g.Cols, Y: y, X: x,
			Data: &models.ScalarField{Data: data, Height: g.TileHeight, Width: g.TileWidth},
		}
	}
	return tiles, nil
}

// ExtractLabels cuts a label map into tiles. Label maps are always zero
// padded, reflecting instance ids would duplicate objects.
func (g *Grid) ExtractLabels(m *models.LabelMap) ([]models.LabelTile, error) {
	if err := g.checkShape(m.Height, m.Width); err != nil {
		return nil, err
	}
	tiles := make([]models.LabelTile, g.Len())
	for i := range tiles {
		y, x := g.Origin(i)
		data := cropPadded(m.Data, m.Height, m.Width, 1, y, x, g.TileHeight, g.TileWidth, PadZero)
		tiles[i] = models.LabelTile{
			Index: i, Row: i / g.Cols, Col: i % g.Cols, Y: y, X: x,
			Data: &models.LabelMap{Data: data, Height: g.TileHeight, Width: g.TileWidth},
		}
	}
	return tiles, nil
}

// FieldTiles views the channel c of image tiles as scalar field tiles
func FieldTiles(tiles []models.ImageTile, c int) []models.FieldTile {
	out := make([]models.FieldTile, len(tiles))
	for i, t := range tiles {
		out[i] = models.FieldTile{Index: t.Index, Row: t.Row, Col: t.Col, Y: t.Y, X: t.X, Data: t.Data.Channel(c)}
	}
	return out
}

package instance

import (
	"wsiseg/internal/models"
	"wsiseg/internal/wserr"
	"wsiseg/pkg/tiling"
)

// ScoredTile is a label tile with the set of local instance ids that were
// judged likely to be cut off by the tile border
type ScoredTile struct {
	models.LabelTile
	LowConfidence map[uint32]bool
}

// FilterLowConfidence marks every instance whose bounding box comes within
// edgeMarginPx of a tile border. Borders on the outside of the grid are
// exempt: no neighbouring tile exists there to supply a better prediction.
func FilterLowConfidence(tiles []models.LabelTile, grid *tiling.Grid, edgeMarginPx int) ([]ScoredTile, error) {
	if edgeMarginPx < 0 {
		return nil, wserr.Configuration("edge margin must not be negative, got %d", edgeMarginPx)
	}
	out := make([]ScoredTile, len(tiles))
	for i, t := range tiles {
		row, col := t.Index/grid.Cols, t.Index%grid.Cols
		top := row > 0
		bottom := row < grid.Rows-1
		left := col > 0
		right := col < grid.Cols-1

		low := make(map[uint32]bool)
		for id, s := range Stats(t.Data) {
			b := s.Bounds
			if (top && b.Min.Y < edgeMarginPx) ||
				(bottom && b.Max.Y > t.Data.Height-edgeMarginPx) ||
				(left && b.Min.X < edgeMarginPx) ||
				(right && b.Max.X > t.Data.Width-edgeMarginPx) {
				low[id] = true
			}
		}
		out[i] = ScoredTile{LabelTile: t, LowConfidence: low}
	}
	return out, nil
}

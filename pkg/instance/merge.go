package instance

import (
	"image"
	"slices"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"wsiseg/internal/models"
	"wsiseg/internal/wserr"
	"wsiseg/pkg/tiling"
)

// node is one (tile, local id) instance
type node struct {
	tile  int
	local uint32
	area  int
	low   bool
}

// outranks orders instances for both representative choice and painting:
// confident before low-confidence, then larger area, then earlier tile in
// raster order, then smaller local id
func (a *node) outranks(b *node) bool {
	if a.low != b.low {
		return !a.low
	}
	if a.area != b.area {
		return a.area > b.area
	}
	if a.tile != b.tile {
		return a.tile < b.tile
	}
	return a.local < b.local
}

// localIndex maps a tile's local ids to node indices
type localIndex struct {
	dense  []int32
	sparse map[uint32]int32
}

const denseLimit = 1 << 16

func (l *localIndex) get(id uint32) int32 {
	if l.dense != nil {
		return l.dense[id]
	}
	return l.sparse[id]
}

// Merge stitches per-tile label maps into one global instance map.
//
// Instances of overlapping tiles are compared inside the overlap rectangle
// only; pairs whose IoU there reaches iouThreshold are unified. Each output
// pixel takes the highest ranked instance among the tiles covering it, so a
// low-confidence instance gives way to its neighbour's prediction. Output
// ids are 1..N in the order of each group's representative.
func Merge(tiles []ScoredTile, grid *tiling.Grid, iouThreshold float64, crop bool) (*models.LabelMap, error) {
	if iouThreshold <= 0 || iouThreshold > 1 {
		return nil, wserr.Configuration("IoU threshold must be in (0, 1], got %g", iouThreshold)
	}
	if len(tiles) != grid.Len() {
		return nil, wserr.Input("expected %d label tiles, got %d", grid.Len(), len(tiles))
	}

	byIndex := make([]*ScoredTile, len(tiles))
	for i := range tiles {
		t := &tiles[i]
		if t.Index < 0 || t.Index >= len(byIndex) || byIndex[t.Index] != nil {
			return nil, wserr.Input("invalid or duplicate tile index %d", t.Index)
		}
		if t.Data.Height != grid.TileHeight || t.Data.Width != grid.TileWidth {
			return nil, wserr.Input("label tile %d is %dx%d, grid tiles are %dx%d",
				t.Index, t.Data.Height, t.Data.Width, grid.TileHeight, grid.TileWidth)
		}
		byIndex[t.Index] = t
	}

	// Step 1: one node per (tile, local id)
	var nodes []node
	index := make([]localIndex, len(byIndex))
	for ti, t := range byIndex {
		areas := make(map[uint32]int)
		var maxID uint32
		for _, id := range t.Data.Data {
			if id != 0 {
				areas[id]++
				maxID = max(maxID, id)
			}
		}
		ids := make([]uint32, 0, len(areas))
		for id := range areas {
			ids = append(ids, id)
		}
		slices.Sort(ids)

		li := localIndex{}
		if maxID < denseLimit {
			li.dense = make([]int32, maxID+1)
		} else {
			li.sparse = make(map[uint32]int32, len(ids))
		}
		for _, id := range ids {
			n := int32(len(nodes))
			nodes = append(nodes, node{tile: ti, local: id, area: areas[id], low: t.LowConfidence[id]})
			if li.dense != nil {
				li.dense[id] = n
			} else {
				li.sparse[id] = n
			}
		}
		index[ti] = li
	}

	h, w := grid.Height, grid.Width
	if !crop {
		h, w = grid.PaddedHeight, grid.PaddedWidth
	}
	region := image.Rect(0, 0, w, h)

	// Step 2: link instances that agree inside each overlap
	links := simple.NewUndirectedGraph()
	for n := range nodes {
		links.AddNode(simple.Node(n))
	}
	for i := range byIndex {
		for _, j := range grid.Neighbors(i) {
			ov := grid.Rect(i).Intersect(grid.Rect(j)).Intersect(region)
			if ov.Empty() {
				continue
			}
			for _, p := range matchOverlap(byIndex[i], byIndex[j], grid, ov, iouThreshold) {
				a, b := index[i].get(p[0]), index[j].get(p[1])
				links.SetEdge(simple.Edge{F: simple.Node(a), T: simple.Node(b)})
			}
		}
	}
	group := make([]int, len(nodes))
	for gi, comp := range topo.ConnectedComponents(links) {
		for _, v := range comp {
			group[v.ID()] = gi
		}
	}

	// Step 3: representative and output id per group
	rep := make(map[int]int)
	for n := range nodes {
		gi := group[n]
		if r, ok := rep[gi]; !ok || nodes[n].outranks(&nodes[r]) {
			rep[gi] = n
		}
	}
	groupID := make(map[int]uint32, len(rep))
	var next uint32
	for n := range nodes {
		if gi := group[n]; rep[gi] == n {
			next++
			groupID[gi] = next
		}
	}

	// Step 4: paint by rank
	best := make([]int32, h*w)
	for i := range best {
		best[i] = -1
	}
	for ti, t := range byIndex {
		oy, ox := grid.Origin(ti)
		r := grid.Rect(ti).Intersect(region)
		li := &index[ti]
		for y := r.Min.Y; y < r.Max.Y; y++ {
			src := t.Data.Data[(y-oy)*grid.TileWidth:]
			dst := best[y*w:]
			for x := r.Min.X; x < r.Max.X; x++ {
				id := src[x-ox]
				if id == 0 {
					continue
				}
				n := li.get(id)
				if cur := dst[x]; cur < 0 || nodes[n].outranks(&nodes[cur]) {
					dst[x] = n
				}
			}
		}
	}

	out := models.NewLabelMap(h, w)
	for p, n := range best {
		if n >= 0 {
			out.Data[p] = groupID[group[n]]
		}
	}
	return out, nil
}

// matchOverlap returns the (local a, local b) pairs of tiles a and b whose IoU
// within the global rectangle ov is at least threshold
func matchOverlap(a, b *ScoredTile, grid *tiling.Grid, ov image.Rectangle, threshold float64) [][2]uint32 {
	ay, ax := grid.Origin(a.Index)
	by, bx := grid.Origin(b.Index)

	areaA := make(map[uint32]int)
	areaB := make(map[uint32]int)
	inter := make(map[[2]uint32]int)
	for y := ov.Min.Y; y < ov.Max.Y; y++ {
		for x := ov.Min.X; x < ov.Max.X; x++ {
			la := a.Data.At(y-ay, x-ax)
			lb := b.Data.At(y-by, x-bx)
			if la != 0 {
				areaA[la]++
			}
			if lb != 0 {
				areaB[lb]++
			}
			if la != 0 && lb != 0 {
				inter[[2]uint32{la, lb}]++
			}
		}
	}

	var pairs [][2]uint32
	for p, n := range inter {
		union := areaA[p[0]] + areaB[p[1]] - n
		if float64(n)/float64(union) >= threshold {
			pairs = append(pairs, p)
		}
	}
	return pairs
}

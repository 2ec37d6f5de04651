// Package repair removes fragmented, undersized and border-truncated
// instances from a global label map by looking at a fixed-size patch around
// every instance.
//
// Every operation returns a new PatchSet and leaves its receiver untouched,
// so consecutive passes always read a consistent snapshot.
package repair

import (
	"image"
	"slices"

	"wsiseg/internal/models"
	"wsiseg/internal/wserr"
	"wsiseg/pkg/instance"
)

// DefaultPatchSize is the side of the square patch around each instance
const DefaultPatchSize = 128

// patch is the window around one instance and the pixels of that instance
// currently retained inside it
type patch struct {
	id     uint32
	window image.Rectangle
	center image.Point

	// pixels are global raster indices in ascending order
	pixels []int
}

// PatchSet is a label map together with one patch per instance
type PatchSet struct {
	labels  *models.LabelMap
	size    int
	ids     []uint32
	patches map[uint32]*patch
}

// FromLabels centres a size x size patch on the rounded centroid of every
// instance of m and collects the instance's pixels inside it
func FromLabels(m *models.LabelMap, size int) (*PatchSet, error) {
	if size <= 0 {
		return nil, wserr.Configuration("patch size must be positive, got %d", size)
	}
	stats := instance.Stats(m)
	ps := &PatchSet{labels: m, size: size, patches: make(map[uint32]*patch, len(stats))}
	for id, s := range stats {
		cy, cx := s.CentroidPixel()
		y0, x0 := cy-size/2, cx-size/2
		ps.patches[id] = &patch{
			id:     id,
			window: image.Rect(x0, y0, x0+size, y0+size),
			center: image.Pt(cx, cy),
		}
		ps.ids = append(ps.ids, id)
	}
	slices.Sort(ps.ids)

	for i, id := range m.Data {
		if id == 0 {
			continue
		}
		p := ps.patches[id]
		if image.Pt(i%m.Width, i/m.Width).In(p.window) {
			p.pixels = append(p.pixels, i)
		}
	}
	return ps, nil
}

// Len returns the number of instances with a patch
func (ps *PatchSet) Len() int { return len(ps.ids) }

// IDs returns the instance ids in ascending order
func (ps *PatchSet) IDs() []uint32 { return slices.Clone(ps.ids) }

// Labels writes every patch's retained pixels into a fresh label map. Pixels
// of an instance that are not retained by its patch become background.
func (ps *PatchSet) Labels() *models.LabelMap {
	out := models.NewLabelMap(ps.labels.Height, ps.labels.Width)
	for _, id := range ps.ids {
		for _, i := range ps.patches[id].pixels {
			out.Data[i] = id
		}
	}
	return out
}

func (ps *PatchSet) derive(labels *models.LabelMap, keep func(*patch) bool) *PatchSet {
	out := &PatchSet{labels: labels, size: ps.size, patches: make(map[uint32]*patch, len(ps.patches))}
	for _, id := range ps.ids {
		p := ps.patches[id]
		if keep != nil && !keep(p) {
			continue
		}
		out.ids = append(out.ids, id)
		out.patches[id] = p
	}
	return out
}

// IsolateCenter keeps, for every instance, only the 4-connected component of
// its patch pixels that contains the patch centre. If the centre pixel does
// not belong to the instance, the component holding the pixel nearest to the
// centre is kept (ties go to the first pixel in raster order). The label map
// is not modified; use RemoveDisjointed to write the result back.
func (ps *PatchSet) IsolateCenter() *PatchSet {
	out := ps.derive(ps.labels, nil)
	occupied := make([]bool, ps.size*ps.size)
	for _, id := range out.ids {
		p := out.patches[id]
		kept := isolate(p, ps.labels.Width, ps.size, occupied)
		if len(kept) != len(p.pixels) {
			out.patches[id] = &patch{id: p.id, window: p.window, center: p.center, pixels: kept}
		}
	}
	return out
}

// isolate returns the pixels of the component selected by IsolateCenter.
// occupied is a size*size scratch buffer that must be all false on entry and
// is left all false on return.
func isolate(p *patch, width, size int, occupied []bool) []int {
	if len(p.pixels) == 0 {
		return nil
	}

	local := func(i int) int {
		return (i/width-p.window.Min.Y)*size + (i%width - p.window.Min.X)
	}
	for _, i := range p.pixels {
		occupied[local(i)] = true
	}

	cy, cx := p.center.Y-p.window.Min.Y, p.center.X-p.window.Min.X
	seed := -1
	if cy >= 0 && cy < size && cx >= 0 && cx < size && occupied[cy*size+cx] {
		seed = cy*size + cx
	} else {
		best := -1
		for _, i := range p.pixels {
			l := local(i)
			dy, dx := l/size-cy, l%size-cx
			if d := dy*dy + dx*dx; best < 0 || d < best {
				best, seed = d, l
			}
		}
	}

	var kept []int
	stack := []int{seed}
	occupied[seed] = false
	for len(stack) > 0 {
		l := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		ly, lx := l/size, l%size
		kept = append(kept, (ly+p.window.Min.Y)*width+lx+p.window.Min.X)
		for _, o := range [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
			ny, nx := ly+o[0], lx+o[1]
			if ny < 0 || ny >= size || nx < 0 || nx >= size {
				continue
			}
			if n := ny*size + nx; occupied[n] {
				occupied[n] = false
				stack = append(stack, n)
			}
		}
	}

	// clear whatever the flood fill did not reach
	for _, i := range p.pixels {
		occupied[local(i)] = false
	}
	slices.Sort(kept)
	return kept
}

// RemoveDisjointed writes the retained pixels of every patch back into the
// label map, zeroing all other pixels of each instance
func (ps *PatchSet) RemoveDisjointed() *PatchSet {
	return ps.derive(ps.Labels(), nil)
}

// FindSmall returns the instances whose retained pixel count is below
// areaFraction * minSizePx². minSizePx 0 flags nothing.
func (ps *PatchSet) FindSmall(minSizePx int, areaFraction float64) []uint32 {
	limit := areaFraction * float64(minSizePx) * float64(minSizePx)
	var ids []uint32
	for _, id := range ps.ids {
		if float64(len(ps.patches[id].pixels)) < limit {
			ids = append(ids, id)
		}
	}
	return ids
}

// FindMissing returns the instances whose patch window extends beyond the
// image, meaning part of the object may lie outside the image
func (ps *PatchSet) FindMissing() []uint32 {
	bounds := image.Rect(0, 0, ps.labels.Width, ps.labels.Height)
	var ids []uint32
	for _, id := range ps.ids {
		if !ps.patches[id].window.In(bounds) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Drop removes the given instances from both the label map and the patch set
func (ps *PatchSet) Drop(ids []uint32) *PatchSet {
	if len(ids) == 0 {
		return ps.derive(ps.labels, nil)
	}
	dropped := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		dropped[id] = true
	}
	return ps.derive(Drop(ps.labels, ids), func(p *patch) bool { return !dropped[p.id] })
}

// Drop zeroes every pixel belonging to one of ids
func Drop(m *models.LabelMap, ids []uint32) *models.LabelMap {
	drop := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	out := m.Clone()
	for i, id := range out.Data {
		if drop[id] {
			out.Data[i] = 0
		}
	}
	return out
}

package instance

import (
	"math/rand/v2"

	"wsiseg/internal/models"
)

// displayIDLimit keeps random ids within 24 bits so neighbouring instances
// get visibly different colours when the map is viewed as RGB
const displayIDLimit = 1 << 24

// Relabel maps every instance id to a distinct pseudo-random id in
// [1, 2^24). The mapping depends only on the set of ids and the seed. Maps
// with too many instances for the 24-bit range draw from the full uint32 range.
func Relabel(m *models.LabelMap, seed uint64) *models.LabelMap {
	ids := m.IDs()
	limit := uint32(displayIDLimit)
	if len(ids) >= displayIDLimit/2 {
		limit = ^uint32(0)
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	used := make(map[uint32]struct{}, len(ids))
	mapping := make(map[uint32]uint32, len(ids))
	for _, id := range ids {
		for {
			v := 1 + rng.Uint32N(limit-1)
			if _, taken := used[v]; !taken {
				used[v] = struct{}{}
				mapping[id] = v
				break
			}
		}
	}
	return apply(m, mapping)
}

// RelabelSequential maps ids to 1..N in raster order of first appearance
func RelabelSequential(m *models.LabelMap) *models.LabelMap {
	mapping := make(map[uint32]uint32)
	var next uint32
	for _, id := range m.Data {
		if id == 0 {
			continue
		}
		if _, ok := mapping[id]; !ok {
			next++
			mapping[id] = next
		}
	}
	return apply(m, mapping)
}

func apply(m *models.LabelMap, mapping map[uint32]uint32) *models.LabelMap {
	out := models.NewLabelMap(m.Height, m.Width)
	var lastIn, lastOut uint32
	for i, id := range m.Data {
		if id == 0 {
			continue
		}
		if id != lastIn {
			lastIn, lastOut = id, mapping[id]
		}
		out.Data[i] = lastOut
	}
	return out
}

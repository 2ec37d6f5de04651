package instance

import (
	"image"
	"math"

	"wsiseg/internal/models"
)

// InstanceStats summarises the pixels of one instance
type InstanceStats struct {
	Area int

	// Bounds is the bounding box, Max exclusive
	Bounds image.Rectangle

	// CentroidY and CentroidX are the mean pixel coordinates
	CentroidY float64
	CentroidX float64
}

// CentroidPixel returns the centroid rounded to the nearest pixel
func (s *InstanceStats) CentroidPixel() (int, int) {
	return roundHalfUp(s.CentroidY), roundHalfUp(s.CentroidX)
}

func roundHalfUp(v float64) int {
	return int(math.Floor(v + 0.5))
}

// Stats computes area, bounding box and centroid for every instance in m
func Stats(m *models.LabelMap) map[uint32]*InstanceStats {
	stats := make(map[uint32]*InstanceStats)
	sums := make(map[uint32][2]int)
	for y := 0; y < m.Height; y++ {
		row := m.Data[y*m.Width : (y+1)*m.Width]
		for x, id := range row {
			if id == 0 {
				continue
			}
			s, ok := stats[id]
			if !ok {
				s = &InstanceStats{Bounds: image.Rect(x, y, x+1, y+1)}
				stats[id] = s
			}
			s.Area++
			s.Bounds = s.Bounds.Union(image.Rect(x, y, x+1, y+1))
			sum := sums[id]
			sums[id] = [2]int{sum[0] + y, sum[1] + x}
		}
	}
	for id, s := range stats {
		sum := sums[id]
		s.CentroidY = float64(sum[0]) / float64(s.Area)
		s.CentroidX = float64(sum[1]) / float64(s.Area)
	}
	return stats
}

// ConnectedComponents labels the foreground of mask 1..N in raster order of
// each component's first pixel. connectivity is 4 or 8; anything else is
// treated as 4.
func ConnectedComponents(mask *models.BinaryMask, connectivity int) *models.LabelMap {
	h, w := mask.Height, mask.Width
	out := models.NewLabelMap(h, w)

	offsets := [][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}}
	if connectivity == 8 {
		offsets = append(offsets, [2]int{-1, -1}, [2]int{-1, 1}, [2]int{1, -1}, [2]int{1, 1})
	}

	var next uint32
	stack := make([]int, 0, 64)
	for start, v := range mask.Data {
		if v == 0 || out.Data[start] != 0 {
			continue
		}
		next++
		out.Data[start] = next
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			py, px := p/w, p%w
			for _, o := range offsets {
				y, x := py+o[0], px+o[1]
				if y < 0 || y >= h || x < 0 || x >= w {
					continue
				}
				q := y*w + x
				if mask.Data[q] != 0 && out.Data[q] == 0 {
					out.Data[q] = next
					stack = append(stack, q)
				}
			}
		}
	}
	return out
}

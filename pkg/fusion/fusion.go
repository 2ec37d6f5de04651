// Package fusion gates instance label maps with an external binary mask.
package fusion

import (
	"wsiseg/internal/models"
	"wsiseg/internal/wserr"
	"wsiseg/pkg/instance"
)

// Method selects how an instance is tested against the mask
type Method int

const (
	// CentroidOverlap keeps an instance when the mask is set at its rounded
	// centroid pixel
	CentroidOverlap Method = iota
)

// ParseMethod maps a configuration string to a Method
func ParseMethod(s string) (Method, error) {
	switch s {
	case "", "centroid_overlap":
		return CentroidOverlap, nil
	}
	return CentroidOverlap, wserr.Configuration("unknown mask fusion method %q", s)
}

// ApplyBinaryMask drops every instance that fails the method's test against
// mask. Instances are dropped whole, never clipped.
func ApplyBinaryMask(m *models.LabelMap, mask *models.BinaryMask, method Method) (*models.LabelMap, []uint32, error) {
	if mask.Height != m.Height || mask.Width != m.Width {
		return nil, nil, wserr.Input("mask is %dx%d but labels are %dx%d", mask.Height, mask.Width, m.Height, m.Width)
	}
	if method != CentroidOverlap {
		return nil, nil, wserr.Configuration("unsupported mask fusion method %d", method)
	}

	drop := make(map[uint32]bool)
	for id, s := range instance.Stats(m) {
		y, x := s.CentroidPixel()
		if mask.At(y, x) == 0 {
			drop[id] = true
		}
	}

	out := m.Clone()
	for i, id := range out.Data {
		if drop[id] {
			out.Data[i] = 0
		}
	}
	dropped := make([]uint32, 0, len(drop))
	for _, id := range m.IDs() {
		if drop[id] {
			dropped = append(dropped, id)
		}
	}
	return out, dropped, nil
}

// AllForeground returns a mask that keeps every instance
func AllForeground(height, width int) *models.BinaryMask {
	mask := models.NewBinaryMask(height, width)
	for i := range mask.Data {
		mask.Data[i] = 1
	}
	return mask
}

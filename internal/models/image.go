package models

import "slices"

// Image represents a dense multi-channel intensity image with its physical resolution.
// Images are treated as immutable once built; every pipeline stage allocates a new one.
type Image struct {
	// Data holds the pixel values in row-major, channel-interleaved order
	Data []float32

	// Height and Width are the image dimensions in pixels
	Height int
	Width  int

	// Channels is the number of interleaved channels per pixel
	Channels int

	// MPP is the physical resolution in microns per pixel
	MPP float64
}

// NewImage allocates a zeroed image
func NewImage(height, width, channels int, mpp float64) *Image {
	return &Image{
		Data:     make([]float32, height*width*channels),
		Height:   height,
		Width:    width,
		Channels: channels,
		MPP:      mpp,
	}
}

// At returns the value of channel c at pixel (y, x)
func (im *Image) At(y, x, c int) float32 {
	return im.Data[(y*im.Width+x)*im.Channels+c]
}

// Set stores the value of channel c at pixel (y, x)
func (im *Image) Set(y, x, c int, v float32) {
	im.Data[(y*im.Width+x)*im.Channels+c] = v
}

// Channel copies a single channel out as a scalar field
func (im *Image) Channel(c int) *ScalarField {
	f := NewScalarField(im.Height, im.Width)
	for i := range f.Data {
		f.Data[i] = im.Data[i*im.Channels+c]
	}
	return f
}

// StackChannels interleaves equally sized fields into one image
func StackChannels(mpp float64, fields ...*ScalarField) *Image {
	if len(fields) == 0 {
		return NewImage(0, 0, 0, mpp)
	}
	h, w := fields[0].Height, fields[0].Width
	img := NewImage(h, w, len(fields), mpp)
	for c, f := range fields {
		for i, v := range f.Data {
			img.Data[i*len(fields)+c] = v
		}
	}
	return img
}

// ScalarField is a per-pixel floating point plane such as an entropy map
type ScalarField struct {
	Data   []float32
	Height int
	Width  int
}

// NewScalarField allocates a zeroed field
func NewScalarField(height, width int) *ScalarField {
	return &ScalarField{Data: make([]float32, height*width), Height: height, Width: width}
}

func (f *ScalarField) At(y, x int) float32 { return f.Data[y*f.Width+x] }

func (f *ScalarField) Set(y, x int, v float32) { f.Data[y*f.Width+x] = v }

// BinaryMask is a per-pixel {0,1} plane
type BinaryMask struct {
	Data   []uint8
	Height int
	Width  int

	// Threshold records the value the mask was derived with (provenance)
	Threshold float64
}

// NewBinaryMask allocates an all-background mask
func NewBinaryMask(height, width int) *BinaryMask {
	return &BinaryMask{Data: make([]uint8, height*width), Height: height, Width: width}
}

func (m *BinaryMask) At(y, x int) uint8 { return m.Data[y*m.Width+x] }

func (m *BinaryMask) Set(y, x int, v uint8) { m.Data[y*m.Width+x] = v }

// Clone returns a deep copy of the mask
func (m *BinaryMask) Clone() *BinaryMask {
	out := &BinaryMask{Data: make([]uint8, len(m.Data)), Height: m.Height, Width: m.Width, Threshold: m.Threshold}
	copy(out.Data, m.Data)
	return out
}

// Count returns the number of foreground pixels
func (m *BinaryMask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// LabelMap is an instance label image: 0 is background and every positive
// value identifies one segmented object
type LabelMap struct {
	Data   []uint32
	Height int
	Width  int
}

// NewLabelMap allocates an all-background label map
func NewLabelMap(height, width int) *LabelMap {
	return &LabelMap{Data: make([]uint32, height*width), Height: height, Width: width}
}

func (m *LabelMap) At(y, x int) uint32 { return m.Data[y*m.Width+x] }

func (m *LabelMap) Set(y, x int, v uint32) { m.Data[y*m.Width+x] = v }

// Clone returns a deep copy of the label map
func (m *LabelMap) Clone() *LabelMap {
	out := &LabelMap{Data: make([]uint32, len(m.Data)), Height: m.Height, Width: m.Width}
	copy(out.Data, m.Data)
	return out
}

// Count returns the number of labelled pixels
func (m *LabelMap) Count() int {
	n := 0
	for _, v := range m.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// IDs returns the distinct non-zero labels in ascending order
func (m *LabelMap) IDs() []uint32 {
	seen := make(map[uint32]struct{})
	for _, v := range m.Data {
		if v != 0 {
			seen[v] = struct{}{}
		}
	}
	ids := make([]uint32, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

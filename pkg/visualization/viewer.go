package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/nfnt/resize"

	"wsiseg/internal/models"
)

// goldenRatioConjugate spreads successive hues evenly around the colour wheel
const goldenRatioConjugate = 0.618033988749895

// Viewer renders segmentation results as downscaled preview images
type Viewer struct {
	// maxSide bounds the longer side of saved previews in pixels; 0 keeps full size
	maxSide int
}

// NewViewer creates a preview renderer
func NewViewer(maxSide int) *Viewer {
	return &Viewer{maxSide: maxSide}
}

// MaskImage renders foreground white on black
func (v *Viewer) MaskImage(m *models.BinaryMask) image.Image {
	img := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	for i, val := range m.Data {
		if val != 0 {
			img.Pix[i] = 255
		}
	}
	return img
}

// FieldImage stretches a scalar field between its minimum and maximum
func (v *Viewer) FieldImage(f *models.ScalarField) image.Image {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, val := range f.Data {
		x := float64(val)
		if math.IsNaN(x) {
			continue
		}
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	span := hi - lo
	if !(span > 0) {
		span = 1
	}

	img := image.NewGray16(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			val := float64(f.At(y, x))
			if math.IsNaN(val) {
				continue
			}
			value := uint16(math.Max(0, math.Min(65535, (val-lo)/span*65535)))
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img
}

// LabelColor returns a stable, saturated colour for an instance id
func LabelColor(id uint32) color.RGBA {
	if id == 0 {
		return color.RGBA{A: 255}
	}
	hue := math.Mod(float64(id)*goldenRatioConjugate, 1) * 360
	r, g, b := colorful.Hsv(hue, 0.65, 0.95).RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// LabelImage paints each instance in its own colour on black
func (v *Viewer) LabelImage(m *models.LabelMap) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, m.Width, m.Height))
	cache := make(map[uint32]color.RGBA)
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			id := m.At(y, x)
			c, ok := cache[id]
			if !ok {
				c = LabelColor(id)
				cache[id] = c
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// Downscale fits img inside maxSide x maxSide. Label previews use nearest
// neighbour so instance colours are never blended.
func (v *Viewer) Downscale(img image.Image, nearest bool) image.Image {
	b := img.Bounds()
	if v.maxSide <= 0 || (b.Dx() <= v.maxSide && b.Dy() <= v.maxSide) {
		return img
	}
	interp := resize.Bilinear
	if nearest {
		interp = resize.NearestNeighbor
	}
	return resize.Thumbnail(uint(v.maxSide), uint(v.maxSide), img, interp)
}

// SaveImage writes img as PNG, or JPEG when filename ends in .jpg or .jpeg
func (v *Viewer) SaveImage(img image.Image, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	default:
		err = png.Encode(file, img)
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	return err
}

// SaveMask writes a downscaled mask preview
func (v *Viewer) SaveMask(m *models.BinaryMask, filename string) error {
	return v.SaveImage(v.Downscale(v.MaskImage(m), false), filename)
}

// SaveField writes a downscaled scalar field preview
func (v *Viewer) SaveField(f *models.ScalarField, filename string) error {
	return v.SaveImage(v.Downscale(v.FieldImage(f), false), filename)
}

// SaveLabels writes a downscaled instance preview
func (v *Viewer) SaveLabels(m *models.LabelMap, filename string) error {
	return v.SaveImage(v.Downscale(v.LabelImage(m), true), filename)
}

// PreviewPath names the preview for one stage of an output file, e.g.
// out/slide_mask.tif and "entropy" give out/slide_mask.entropy.png
func PreviewPath(output, stage string) string {
	base := strings.TrimSuffix(output, filepath.Ext(output))
	base = strings.TrimSuffix(base, ".ome")
	return fmt.Sprintf("%s.%s.png", base, stage)
}

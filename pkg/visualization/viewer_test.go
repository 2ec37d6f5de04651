package visualization

import (
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"wsiseg/internal/models"
)

// TestMaskImage verifies that foreground pixels are rendered white
func TestMaskImage(t *testing.T) {
	m := models.NewBinaryMask(4, 6)
	m.Set(1, 2, 1)

	img := NewViewer(0).MaskImage(m).(*image.Gray)
	if img.Bounds().Dx() != 6 || img.Bounds().Dy() != 4 {
		t.Fatalf("Expected 6x4 image, got %v", img.Bounds())
	}
	if img.GrayAt(2, 1).Y != 255 {
		t.Errorf("Expected foreground at (2,1) to be white, got %d", img.GrayAt(2, 1).Y)
	}
	if img.GrayAt(0, 0).Y != 0 {
		t.Errorf("Expected background at (0,0) to be black, got %d", img.GrayAt(0, 0).Y)
	}
}

// TestFieldImage verifies min/max stretching
func TestFieldImage(t *testing.T) {
	f := models.NewScalarField(1, 3)
	f.Data = []float32{2, 3, 4}

	img := NewViewer(0).FieldImage(f).(*image.Gray16)
	if got := img.Gray16At(0, 0).Y; got != 0 {
		t.Errorf("Expected minimum to map to 0, got %d", got)
	}
	if got := img.Gray16At(2, 0).Y; got != 65535 {
		t.Errorf("Expected maximum to map to 65535, got %d", got)
	}
	if got := img.Gray16At(1, 0).Y; got < 32767 || got > 32768 {
		t.Errorf("Expected midpoint near 32767, got %d", got)
	}

	// constant fields must not divide by zero
	flat := models.NewScalarField(2, 2)
	NewViewer(0).FieldImage(flat)
}

// TestLabelColor verifies that colours are stable and distinct for neighbouring ids
func TestLabelColor(t *testing.T) {
	if c := LabelColor(0); c.R != 0 || c.G != 0 || c.B != 0 {
		t.Errorf("Expected background to be black, got %v", c)
	}
	if LabelColor(17) != LabelColor(17) {
		t.Error("Expected the same colour for the same id")
	}
	for id := uint32(1); id < 50; id++ {
		if LabelColor(id) == LabelColor(id+1) {
			t.Errorf("Expected ids %d and %d to differ in colour", id, id+1)
		}
	}
}

// TestDownscaleKeepsAspectRatio verifies preview sizing
func TestDownscaleKeepsAspectRatio(t *testing.T) {
	m := models.NewLabelMap(100, 400)
	for x := 0; x < 200; x++ {
		for y := 0; y < 100; y++ {
			m.Set(y, x, 3)
		}
	}
	v := NewViewer(80)
	img := v.Downscale(v.LabelImage(m), true)
	if img.Bounds().Dx() != 80 || img.Bounds().Dy() != 20 {
		t.Fatalf("Expected 80x20 preview, got %v", img.Bounds())
	}

	small := NewViewer(1000)
	if got := small.Downscale(small.LabelImage(m), true).Bounds(); got.Dx() != 400 {
		t.Errorf("Expected images within the limit to keep their size, got %v", got)
	}
}

// TestSavePreviews verifies that previews can be saved to disk
func TestSavePreviews(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	tempDir := t.TempDir()
	v := NewViewer(16)

	mask := models.NewBinaryMask(32, 32)
	mask.Set(3, 3, 1)
	labels := models.NewLabelMap(32, 32)
	labels.Set(5, 5, 9)
	field := models.NewScalarField(32, 32)
	field.Set(0, 0, 1)

	out := filepath.Join(tempDir, "slide_mask.ome.tif")
	files := map[string]func(string) error{
		PreviewPath(out, "mask"):   func(p string) error { return v.SaveMask(mask, p) },
		PreviewPath(out, "labels"): func(p string) error { return v.SaveLabels(labels, p) },
		PreviewPath(out, "field"):  func(p string) error { return v.SaveField(field, p) },
	}
	for filename, save := range files {
		if err := save(filename); err != nil {
			t.Fatalf("Failed to save %s: %v", filename, err)
		}
		file, err := os.Open(filename)
		if err != nil {
			t.Fatalf("Saved file does not exist: %s", filename)
		}
		img, err := png.Decode(file)
		file.Close()
		if err != nil {
			t.Fatalf("Failed to decode %s: %v", filename, err)
		}
		if img.Bounds().Dx() != 16 {
			t.Errorf("Expected 16px wide preview in %s, got %d", filename, img.Bounds().Dx())
		}
	}

	if got := PreviewPath(out, "mask"); got != filepath.Join(tempDir, "slide_mask.mask.png") {
		t.Errorf("Unexpected preview path %s", got)
	}
}

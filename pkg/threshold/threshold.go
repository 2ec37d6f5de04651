// Package threshold turns scalar fields into binary masks.
package threshold

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"wsiseg/internal/models"
)

// histogramBins is the resolution of the Otsu histogram
const histogramBins = 256

// Otsu returns a global threshold that maximises the between-class variance
// of the field's histogram. The histogram spans [min, max] of the field with
// 256 bins; the returned value is the upper edge of the last background bin,
// so Binarize keeps the upper class. A constant field returns its value.
func Otsu(field *models.ScalarField) float64 {
	if len(field.Data) == 0 {
		return 0
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range field.Data {
		f := float64(v)
		if math.IsNaN(f) {
			continue
		}
		lo = math.Min(lo, f)
		hi = math.Max(hi, f)
	}
	if math.IsInf(lo, 1) {
		return 0
	}
	if hi <= lo {
		return lo
	}

	width := (hi - lo) / histogramBins
	hist := make([]float64, histogramBins)
	for _, v := range field.Data {
		f := float64(v)
		if math.IsNaN(f) {
			continue
		}
		b := int((f - lo) / width)
		if b >= histogramBins {
			b = histogramBins - 1
		}
		hist[b]++
	}

	centers := make([]float64, histogramBins)
	for i := range centers {
		centers[i] = lo + (float64(i)+0.5)*width
	}

	total := floats.Sum(hist)
	best, bestVar := 0, -1.0
	w0 := 0.0
	for k := 0; k < histogramBins-1; k++ {
		w0 += hist[k]
		w1 := total - w0
		if w0 == 0 || w1 == 0 {
			continue
		}
		m0 := stat.Mean(centers[:k+1], hist[:k+1])
		m1 := stat.Mean(centers[k+1:], hist[k+1:])
		between := w0 * w1 * (m0 - m1) * (m0 - m1)
		if between > bestVar {
			best, bestVar = k, between
		}
	}
	return lo + float64(best+1)*width
}

// Binarize marks pixels whose value is at least t as foreground
func Binarize(field *models.ScalarField, t float64) *models.BinaryMask {
	mask := models.NewBinaryMask(field.Height, field.Width)
	mask.Threshold = t
	for i, v := range field.Data {
		if float64(v) >= t {
			mask.Data[i] = 1
		}
	}
	return mask
}

// ForegroundCount returns the number of foreground pixels in mask
func ForegroundCount(mask *models.BinaryMask) int {
	return mask.Count()
}

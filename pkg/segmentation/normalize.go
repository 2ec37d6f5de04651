package segmentation

import (
	"math"
	"sort"

	"wsiseg/internal/models"
)

// Percentiles used to clip intensities before rescaling
const (
	lowerPercentile = 0.01
	upperPercentile = 0.99
)

// maxQuantileSamples caps the number of pixels sorted per channel
const maxQuantileSamples = 1 << 20

// Normalize clips every channel to its [1st, 99th] percentile range and
// rescales it to [0,1]. Channels without spread become zero.
func Normalize(img *models.Image) *models.Image {
	out := models.NewImage(img.Height, img.Width, img.Channels, img.MPP)
	n := img.Height * img.Width
	if n == 0 {
		return out
	}
	for c := 0; c < img.Channels; c++ {
		lo, hi := channelRange(img, c)
		span := hi - lo
		if !(span > 0) {
			continue
		}
		for i := 0; i < n; i++ {
			v := float64(img.Data[i*img.Channels+c])
			if math.IsNaN(v) {
				continue
			}
			v = (math.Min(math.Max(v, lo), hi) - lo) / span
			out.Data[i*img.Channels+c] = float32(v)
		}
	}
	return out
}

// channelRange estimates the clipping percentiles of channel c on a strided
// sample of at most maxQuantileSamples pixels
func channelRange(img *models.Image, c int) (float64, float64) {
	n := img.Height * img.Width
	step := max(1, (n+maxQuantileSamples-1)/maxQuantileSamples)
	sample := make([]float64, 0, n/step+1)
	for i := 0; i < n; i += step {
		v := float64(img.Data[i*img.Channels+c])
		if !math.IsNaN(v) {
			sample = append(sample, v)
		}
	}
	if len(sample) == 0 {
		return 0, 0
	}
	sort.Float64s(sample)
	return percentile(sample, lowerPercentile), percentile(sample, upperPercentile)
}

// percentile interpolates linearly between the order statistics around
// position p*(n-1) of the sorted sample
func percentile(sorted []float64, p float64) float64 {
	pos := p * float64(len(sorted)-1)
	i := int(math.Floor(pos))
	if i >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	return sorted[i] + (pos-float64(i))*(sorted[i+1]-sorted[i])
}

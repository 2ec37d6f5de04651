// Package entropy computes local Shannon entropy of image intensities, a
// texture measure that separates structured tissue from flat background.
package entropy

import (
	"context"
	"image"
	"math"

	"github.com/nfnt/resize"

	"wsiseg/internal/models"
	"wsiseg/internal/wserr"
	"wsiseg/pkg/tiling"
)

// DefaultBins is the number of intensity levels used for the local histogram
const DefaultBins = 256

// Analyzer computes sliding-window entropy fields
type Analyzer struct {
	// WindowPx is the side of the square window in full-resolution pixels
	WindowPx int

	// DownscaleFactor > 1 computes entropy on a reduced copy of the tile and
	// upsamples the result back
	DownscaleFactor int

	// Bins is the number of quantisation levels for intensities in [0,1]
	Bins int
}

// NewAnalyzer creates an analyzer with the default bin count
func NewAnalyzer(windowPx, downscale int) (*Analyzer, error) {
	if windowPx <= 0 {
		return nil, wserr.Configuration("entropy window must be positive, got %d px", windowPx)
	}
	if downscale <= 0 {
		return nil, wserr.Configuration("entropy downscale factor must be positive, got %d", downscale)
	}
	return &Analyzer{WindowPx: windowPx, DownscaleFactor: downscale, Bins: DefaultBins}, nil
}

// WindowPixels converts a physical window size into pixels
func WindowPixels(windowUM, mpp float64) (int, error) {
	if windowUM <= 0 {
		return 0, wserr.Configuration("entropy window must be positive, got %g um", windowUM)
	}
	if mpp <= 0 {
		return 0, wserr.Configuration("image resolution must be positive, got %g mpp", mpp)
	}
	px := int(math.Round(windowUM / mpp))
	if px < 1 {
		px = 1
	}
	return px, nil
}

// Compute returns the entropy field (in bits) of a tile with intensities in [0,1]
func (a *Analyzer) Compute(tile *models.ScalarField) *models.ScalarField {
	bins := a.Bins
	if bins <= 0 {
		bins = DefaultBins
	}
	if a.DownscaleFactor <= 1 {
		return slidingEntropy(tile, a.WindowPx, bins)
	}

	f := a.DownscaleFactor
	h := max(1, int(math.Round(float64(tile.Height)/float64(f))))
	w := max(1, int(math.Round(float64(tile.Width)/float64(f))))
	window := max(1, int(math.Round(float64(a.WindowPx)/float64(f))))

	small := fromGray16(resize.Resize(uint(w), uint(h), toGray16(tile, 1), resize.Bilinear), 1)
	field := slidingEntropy(small, window, bins)

	// Entropy is bounded by log2(bins); use that as the 16-bit scale
	scale := math.Log2(float64(bins))
	up := resize.Resize(uint(tile.Width), uint(tile.Height), toGray16(field, scale), resize.Bilinear)
	return fromGray16(up, scale)
}

// ComputeTiles runs Compute over every tile on a bounded worker pool. The
// returned tiles keep the index and origin of their inputs.
func (a *Analyzer) ComputeTiles(ctx context.Context, tiles []models.FieldTile, workers int, progress tiling.ProgressFunc) ([]models.FieldTile, error) {
	out := make([]models.FieldTile, len(tiles))
	err := tiling.Map(ctx, len(tiles), workers, func(_ context.Context, i int) error {
		t := tiles[i]
		t.Data = a.Compute(t.Data)
		out[i] = t
		return nil
	}, progress)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// slidingEntropy evaluates the histogram entropy of a window x window square
// around every pixel. The window spans [p - window/2, p + window - 1 - window/2]
// on each axis and is clipped at the field edges.
//
// The histogram is updated incrementally along each row, and the entropy is
// derived from the running sum S = Σ c·log2(c) as log2(N) - S/N.
func slidingEntropy(src *models.ScalarField, window, bins int) *models.ScalarField {
	h, w := src.Height, src.Width
	out := models.NewScalarField(h, w)
	if h == 0 || w == 0 {
		return out
	}

	q := make([]uint16, len(src.Data))
	for i, v := range src.Data {
		b := int(math.Floor(float64(v) * float64(bins)))
		if b < 0 {
			b = 0
		} else if b >= bins {
			b = bins - 1
		}
		q[i] = uint16(b)
	}

	maxCount := window * window
	xlogx := make([]float64, maxCount+1)
	for c := 1; c <= maxCount; c++ {
		xlogx[c] = float64(c) * math.Log2(float64(c))
	}

	before := window / 2
	after := window - 1 - before
	hist := make([]int, bins)

	for y := 0; y < h; y++ {
		y0 := max(0, y-before)
		y1 := min(h-1, y+after)
		rows := y1 - y0 + 1

		clear(hist)
		s := 0.0
		n := 0
		add := func(x int) {
			for yy := y0; yy <= y1; yy++ {
				b := q[yy*w+x]
				c := hist[b]
				s += xlogx[c+1] - xlogx[c]
				hist[b] = c + 1
			}
			n += rows
		}
		remove := func(x int) {
			for yy := y0; yy <= y1; yy++ {
				b := q[yy*w+x]
				c := hist[b]
				s += xlogx[c-1] - xlogx[c]
				hist[b] = c - 1
			}
			n -= rows
		}

		for x := 0; x <= min(w-1, after); x++ {
			add(x)
		}
		for x := 0; x < w; x++ {
			if x > 0 {
				// remove first so no count exceeds window*window
				if leave := x - before - 1; leave >= 0 {
					remove(leave)
				}
				if enter := x + after; enter < w {
					add(enter)
				}
			}
			e := math.Log2(float64(n)) - s/float64(n)
			if e < 0 {
				e = 0
			}
			out.Data[y*w+x] = float32(e)
		}
	}
	return out
}

func toGray16(f *models.ScalarField, scale float64) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			v := float64(f.At(y, x)) / scale
			v = math.Max(0, math.Min(1, v))
			g := uint16(math.Round(v * 65535))
			i := img.PixOffset(x, y)
			img.Pix[i] = uint8(g >> 8)
			img.Pix[i+1] = uint8(g)
		}
	}
	return img
}

func fromGray16(img image.Image, scale float64) *models.ScalarField {
	b := img.Bounds()
	f := models.NewScalarField(b.Dy(), b.Dx())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, _, _, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			f.Set(y, x, float32(float64(r)/65535*scale))
		}
	}
	return f
}

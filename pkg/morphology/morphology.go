// Package morphology implements binary dilation, erosion and the closing
// operations used to clean up thresholded masks.
//
// Erosion treats pixels outside the image as foreground, so a mask that
// touches the border is not eaten away from the border inward.
package morphology

import (
	"wsiseg/internal/models"
	"wsiseg/internal/wserr"
)

// Shape is a structuring element family
type Shape int

const (
	// Disk is the set of offsets within Euclidean distance radius
	Disk Shape = iota
	// Square is the (2*radius+1)² box
	Square
)

func (s Shape) String() string {
	if s == Square {
		return "square"
	}
	return "disk"
}

func checkRadius(radius int) error {
	if radius < 0 {
		return wserr.Configuration("structuring element radius must not be negative, got %d", radius)
	}
	return nil
}

// Dilate grows the foreground of mask by the structuring element
func Dilate(mask *models.BinaryMask, radius int, shape Shape) (*models.BinaryMask, error) {
	if err := checkRadius(radius); err != nil {
		return nil, err
	}
	if radius == 0 {
		return mask.Clone(), nil
	}
	if shape == Square {
		return squareFilter(mask, radius, false), nil
	}
	return diskFilter(mask, radius, false), nil
}

// Erode shrinks the foreground of mask by the structuring element
func Erode(mask *models.BinaryMask, radius int, shape Shape) (*models.BinaryMask, error) {
	if err := checkRadius(radius); err != nil {
		return nil, err
	}
	if radius == 0 {
		return mask.Clone(), nil
	}
	if shape == Square {
		return squareFilter(mask, radius, true), nil
	}
	return diskFilter(mask, radius, true), nil
}

func closing(mask *models.BinaryMask, radius int, shape Shape) (*models.BinaryMask, error) {
	dilated, err := Dilate(mask, radius, shape)
	if err != nil {
		return nil, err
	}
	return Erode(dilated, radius, shape)
}

// Close fills gaps up to radius pixels wide using a square element
func Close(mask *models.BinaryMask, radius int) (*models.BinaryMask, error) {
	return closing(mask, radius, Square)
}

// Smooth dilates then erodes with a disk of the same radius, rounding
// concave corners and filling small holes without growing the mask
func Smooth(mask *models.BinaryMask, radius int) (*models.BinaryMask, error) {
	return closing(mask, radius, Disk)
}

// Refine applies the post-threshold sequence: close, then smooth. A zero
// radius skips its step.
func Refine(mask *models.BinaryMask, closeRadius, smoothRadius int) (*models.BinaryMask, error) {
	if err := checkRadius(closeRadius); err != nil {
		return nil, err
	}
	if err := checkRadius(smoothRadius); err != nil {
		return nil, err
	}
	out := mask
	var err error
	if closeRadius > 0 {
		if out, err = Close(out, closeRadius); err != nil {
			return nil, err
		}
	}
	if smoothRadius > 0 {
		if out, err = Smooth(out, smoothRadius); err != nil {
			return nil, err
		}
	}
	if out == mask {
		out = mask.Clone()
	}
	return out, nil
}

// squareFilter applies a box max (dilate) or min (erode) as two 1-D passes
func squareFilter(mask *models.BinaryMask, radius int, erode bool) *models.BinaryMask {
	h, w := mask.Height, mask.Width
	tmp := make([]uint8, h*w)
	for y := 0; y < h; y++ {
		slideLine(mask.Data, tmp, w, 1, y*w, radius, erode)
	}
	out := models.NewBinaryMask(h, w)
	out.Threshold = mask.Threshold
	for x := 0; x < w; x++ {
		slideLine(tmp, out.Data, h, w, x, radius, erode)
	}
	return out
}

// slideLine filters the n samples at offset, offset+stride, ... with a window
// of radius pixels clipped to the line
func slideLine(src, dst []uint8, n, stride, offset, radius int, erode bool) {
	prefix := make([]int, n+1)
	for i := 0; i < n; i++ {
		prefix[i+1] = prefix[i]
		if src[offset+i*stride] != 0 {
			prefix[i+1]++
		}
	}
	for i := 0; i < n; i++ {
		lo := max(0, i-radius)
		hi := min(n, i+radius+1)
		ones := prefix[hi] - prefix[lo]
		var v uint8
		if erode {
			if ones == hi-lo {
				v = 1
			}
		} else if ones > 0 {
			v = 1
		}
		dst[offset+i*stride] = v
	}
}

// diskFilter dilates (or erodes) by thresholding the squared Euclidean
// distance to the nearest foreground (or background) pixel at radius²
func diskFilter(mask *models.BinaryMask, radius int, erode bool) *models.BinaryMask {
	var target uint8 = 1
	if erode {
		target = 0
	}
	dist := squaredDistance(mask, target)
	r2 := float32(radius * radius)

	out := models.NewBinaryMask(mask.Height, mask.Width)
	out.Threshold = mask.Threshold
	for i, d := range dist {
		if erode {
			if mask.Data[i] != 0 && d > r2 {
				out.Data[i] = 1
			}
		} else if d <= r2 {
			out.Data[i] = 1
		}
	}
	return out
}

// squaredDistance is the exact squared Euclidean distance transform of
// Felzenszwalb & Huttenlocher: every pixel gets the squared distance to the
// nearest pixel whose value equals target. Pixels with no such pixel in the
// image get a value larger than any in-image distance.
func squaredDistance(mask *models.BinaryMask, target uint8) []float32 {
	h, w := mask.Height, mask.Width
	inf := float64((h+w)*(h+w)) + 1
	dist := make([]float32, h*w)

	n := max(h, w)
	f := make([]float64, n)
	d := make([]float64, n)
	v := make([]int, n)
	z := make([]float64, n+1)

	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			if mask.Data[y*w+x] == target {
				f[y] = 0
			} else {
				f[y] = inf
			}
		}
		transform1D(f[:h], d[:h], v, z)
		for y := 0; y < h; y++ {
			dist[y*w+x] = float32(d[y])
		}
	}
	for y := 0; y < h; y++ {
		row := dist[y*w : (y+1)*w]
		for x, val := range row {
			f[x] = float64(val)
		}
		transform1D(f[:w], d[:w], v, z)
		for x := range row {
			row[x] = float32(d[x])
		}
	}
	return dist
}

// transform1D computes the lower envelope of parabolas rooted at f
func transform1D(f, d []float64, v []int, z []float64) {
	n := len(f)
	if n == 0 {
		return
	}
	const huge = 1e300
	k := 0
	v[0] = 0
	z[0] = -huge
	z[1] = huge
	for q := 1; q < n; q++ {
		fq := f[q] + float64(q*q)
		s := (fq - (f[v[k]] + float64(v[k]*v[k]))) / float64(2*q-2*v[k])
		for s <= z[k] {
			k--
			s = (fq - (f[v[k]] + float64(v[k]*v[k]))) / float64(2*q-2*v[k])
		}
		k++
		v[k] = q
		z[k] = s
		z[k+1] = huge
	}
	k = 0
	for q := 0; q < n; q++ {
		for z[k+1] < float64(q) {
			k++
		}
		dq := float64(q - v[k])
		d[q] = dq*dq + f[v[k]]
	}
}

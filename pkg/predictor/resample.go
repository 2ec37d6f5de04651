package predictor

import (
	"image"
	"math"

	"github.com/nfnt/resize"

	"wsiseg/internal/models"
)

// modelSize returns the tile size at the model resolution
func modelSize(h, w int, mpp, modelMPP float64) (int, int) {
	if modelMPP <= 0 || mpp <= 0 || mpp == modelMPP {
		return h, w
	}
	f := mpp / modelMPP
	return max(1, int(math.Round(float64(h)*f))), max(1, int(math.Round(float64(w)*f)))
}

// toModelResolution resamples a batch of tiles with intensities in [0,1] to
// the model resolution. The batch is returned as is when no scaling applies.
func toModelResolution(batch []*models.Image, mpp, modelMPP float64) []*models.Image {
	h, w := modelSize(batch[0].Height, batch[0].Width, mpp, modelMPP)
	if h == batch[0].Height && w == batch[0].Width {
		return batch
	}
	out := make([]*models.Image, len(batch))
	for i, img := range batch {
		out[i] = resampleImage(img, h, w, modelMPP)
	}
	return out
}

func resampleImage(img *models.Image, h, w int, mpp float64) *models.Image {
	out := models.NewImage(h, w, img.Channels, mpp)
	for c := 0; c < img.Channels; c++ {
		ch := img.Channel(c)
		src := image.NewGray16(image.Rect(0, 0, ch.Width, ch.Height))
		for i, v := range ch.Data {
			g := uint16(math.Round(math.Max(0, math.Min(1, float64(v))) * 65535))
			src.Pix[2*i] = uint8(g >> 8)
			src.Pix[2*i+1] = uint8(g)
		}
		dst := resize.Resize(uint(w), uint(h), src, resize.Bilinear)
		b := dst.Bounds()
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, _, _, _ := dst.At(b.Min.X+x, b.Min.Y+y).RGBA()
				out.Set(y, x, c, float32(r)/65535)
			}
		}
	}
	return out
}

// restoreResolution maps label planes back to h x w by nearest neighbour
func restoreResolution(planes []*models.LabelMap, h, w int) []*models.LabelMap {
	for i, m := range planes {
		if m.Height != h || m.Width != w {
			planes[i] = nearestLabels(m, h, w)
		}
	}
	return planes
}

// nearestLabels resizes a label map without mixing ids. nfnt/resize works on
// color images and cannot carry 32-bit ids, so this is done by index.
func nearestLabels(m *models.LabelMap, h, w int) *models.LabelMap {
	out := models.NewLabelMap(h, w)
	for y := 0; y < h; y++ {
		sy := min(m.Height-1, (2*y+1)*m.Height/(2*h))
		for x := 0; x < w; x++ {
			sx := min(m.Width-1, (2*x+1)*m.Width/(2*w))
			out.Data[y*w+x] = m.Data[sy*m.Width+sx]
		}
	}
	return out
}

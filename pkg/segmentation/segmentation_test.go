package segmentation

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wsiseg/internal/models"
	"wsiseg/internal/wserr"
	"wsiseg/pkg/config"
	"wsiseg/pkg/instance"
	"wsiseg/pkg/ometiff"
)

// noisySquare returns a quiet background with a square of random intensities
func noisySquare(size, y0, x0, side int, mpp float64) *models.Image {
	rng := rand.New(rand.NewPCG(7, 11))
	img := models.NewImage(size, size, 1, mpp)
	for i := range img.Data {
		img.Data[i] = 0.5
	}
	for y := y0; y < y0+side; y++ {
		for x := x0; x < x0+side; x++ {
			img.Set(y, x, 0, rng.Float32())
		}
	}
	return img
}

type disc struct{ y, x, r int }

func (d disc) contains(y, x int) bool {
	dy, dx := y-d.y, x-d.x
	return dy*dy+dx*dx <= d.r*d.r
}

func discImage(h, w int, discs []disc, mpp float64) *models.Image {
	img := models.NewImage(h, w, 1, mpp)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for _, d := range discs {
				if d.contains(y, x) {
					img.Set(y, x, 0, 1)
				}
			}
		}
	}
	return img
}

// thresholdPredictor labels 4-connected bright regions of each tile
var thresholdPredictor = instance.PredictorFunc(func(ctx context.Context, batch []*models.Image, mpp float64) ([]*models.LabelMap, error) {
	out := make([]*models.LabelMap, len(batch))
	for i, tile := range batch {
		mask := models.NewBinaryMask(tile.Height, tile.Width)
		for j := range mask.Data {
			if tile.Data[j*tile.Channels] >= 0.5 {
				mask.Data[j] = 1
			}
		}
		out[i] = instance.ConnectedComponents(mask, 4)
	}
	return out, nil
})

func TestPercentileInterpolates(t *testing.T) {
	assert.Equal(t, 2.5, percentile([]float64{1, 2, 3, 4}, 0.5))
	assert.Equal(t, 1.0, percentile([]float64{1, 2, 3, 4}, 0))
	assert.Equal(t, 4.0, percentile([]float64{1, 2, 3, 4}, 1))
	assert.InDelta(t, 1.03, percentile([]float64{1, 2, 3, 4}, 0.01), 1e-12)
	assert.Equal(t, 7.0, percentile([]float64{7}, 0.99))
}

func TestNormalizeClipsPercentiles(t *testing.T) {
	img := models.NewImage(100, 100, 2, 1)
	for i := 0; i < 100*100; i++ {
		img.Data[2*i] = float32(i)
		img.Data[2*i+1] = 3
	}
	img.Data[0] = -1e6
	img.Data[2*9999] = 1e6

	// clip range is [99.99, 9899.01]
	norm := Normalize(img)
	assert.Equal(t, 2, norm.Channels)
	assert.Equal(t, float32(0), norm.At(0, 0, 0))
	assert.Equal(t, float32(0), norm.At(0, 50, 0))
	assert.Equal(t, float32(1), norm.At(99, 50, 0))
	assert.Equal(t, float32(1), norm.At(99, 99, 0))
	assert.InDelta(t, 0.5, norm.At(50, 0, 0), 0.01)
	assert.Greater(t, norm.At(1, 0, 0), float32(0))

	for i := 0; i < 100*100; i++ {
		v := norm.Data[2*i]
		require.True(t, v >= 0 && v <= 1)
		// a constant channel carries no signal
		require.Equal(t, float32(0), norm.Data[2*i+1])
	}
	assert.Equal(t, float32(-1e6), img.Data[0])
}

func TestSegmentBinaryFindsTexturedSquare(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping full-size entropy scenario in short mode")
	}
	const (
		size = 1024
		y0   = 362
		side = 300
	)
	img := noisySquare(size, y0, y0, side, 0.5)
	cfg := config.DefaultConfig()

	out, err := SegmentBinary(context.Background(), img, cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 9, out.Result.Tiles)
	assert.Greater(t, out.Mask.Threshold, 0.0)

	window := 28
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			// signed distance to the square border, positive inside
			d := min(y-y0, y0+side-1-y, x-y0, y0+side-1-x)
			switch {
			case d > window:
				require.Equal(t, uint8(1), out.Mask.At(y, x), "inside at %d,%d", y, x)
			case d < -window:
				require.Equal(t, uint8(0), out.Mask.At(y, x), "outside at %d,%d", y, x)
			}
		}
	}
}

func TestSegmentBinaryUniformSquareOnNoiseIsBackground(t *testing.T) {
	const (
		size = 256
		y0   = 78
		side = 100
	)
	rng := rand.New(rand.NewPCG(3, 5))
	img := models.NewImage(size, size, 1, 1)
	for i := range img.Data {
		img.Data[i] = rng.Float32()
	}
	for y := y0; y < y0+side; y++ {
		for x := y0; x < y0+side; x++ {
			img.Set(y, x, 0, 0.5)
		}
	}
	cfg := config.DefaultConfig()
	cfg.Tiling.TileSize = 128
	cfg.Tiling.Stride = 64
	cfg.Morphology.CloseUM = 0
	cfg.Morphology.ErosionExpansionUM = 0

	out, err := SegmentBinary(context.Background(), img, cfg, zerolog.Nop())
	require.NoError(t, err)

	window := 14
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			d := min(y-y0, y0+side-1-y, x-y0, y0+side-1-x)
			switch {
			case d > window:
				require.Equal(t, uint8(0), out.Mask.At(y, x), "inside at %d,%d", y, x)
			case d < -window:
				require.Equal(t, uint8(1), out.Mask.At(y, x), "outside at %d,%d", y, x)
			}
		}
	}
}

func TestSegmentBinaryUsesConfiguredThreshold(t *testing.T) {
	img := noisySquare(128, 32, 32, 64, 1)
	cfg := config.DefaultConfig()
	cfg.Tiling.TileSize = 64
	cfg.Tiling.Stride = 32
	cfg.Entropy.Threshold = 100
	cfg.Morphology.CloseUM = 0
	cfg.Morphology.ErosionExpansionUM = 0

	out, err := SegmentBinary(context.Background(), img, cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 100.0, out.Result.Threshold)
	assert.Equal(t, 100.0, out.Mask.Threshold)
	assert.Equal(t, 0, out.Result.ForegroundPixels)
}

func TestSegmentBinaryRejectsBadConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Tiling.Stride = 0
	_, err := SegmentBinary(context.Background(), noisySquare(64, 0, 0, 8, 1), cfg, zerolog.Nop())
	assert.True(t, errors.Is(err, wserr.ErrConfiguration))

	_, err = SegmentBinary(context.Background(), noisySquare(64, 0, 0, 8, 0), config.DefaultConfig(), zerolog.Nop())
	assert.True(t, errors.Is(err, wserr.ErrConfiguration))
}

func cellConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Tiling.TileSize = 256
	cfg.Tiling.Stride = 128
	cfg.Instance.BatchSize = 4
	cfg.Instance.EdgeMarginPx = 32
	return cfg
}

var cellDiscs = []disc{
	{100, 100, 20},
	{200, 384, 20},
	{256, 256, 20},
	{300, 500, 20},
	{400, 650, 20},
}

func TestSegmentCellsMergesAcrossSeams(t *testing.T) {
	img := discImage(512, 768, cellDiscs, 0.5)
	out, err := SegmentCells(context.Background(), img, thresholdPredictor, nil, cellConfig(), zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, 15, out.Result.Tiles)
	assert.Equal(t, len(cellDiscs), out.Result.Instances)
	assert.Len(t, out.Labels.IDs(), len(cellDiscs))
	assert.Equal(t, 512*768, out.Gate.Count())

	// every disc is one instance covering exactly its pixels
	for _, d := range cellDiscs {
		id := out.Labels.At(d.y, d.x)
		require.NotZero(t, id)
		for y := d.y - d.r; y <= d.y+d.r; y++ {
			for x := d.x - d.r; x <= d.x+d.r; x++ {
				if d.contains(y, x) {
					assert.Equal(t, id, out.Labels.At(y, x))
				}
			}
		}
	}
}

func TestSegmentCellsGatesByMask(t *testing.T) {
	img := discImage(512, 768, cellDiscs, 0.5)
	gate := models.NewBinaryMask(512, 768)
	for y := 0; y < 512; y++ {
		for x := 300; x < 768; x++ {
			gate.Set(y, x, 1)
		}
	}
	out, err := SegmentCells(context.Background(), img, thresholdPredictor, gate, cellConfig(), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, out.Result.Gated)
	assert.Equal(t, 3, out.Result.Instances)
	assert.Zero(t, out.Labels.At(100, 100))
	assert.NotZero(t, out.Labels.At(400, 650))

	_, err = SegmentCells(context.Background(), img, thresholdPredictor, models.NewBinaryMask(10, 10), cellConfig(), zerolog.Nop())
	assert.True(t, errors.Is(err, wserr.ErrInput))
}

func TestSegmentCellsPropagatesModelErrors(t *testing.T) {
	failing := instance.PredictorFunc(func(ctx context.Context, batch []*models.Image, mpp float64) ([]*models.LabelMap, error) {
		return nil, errors.New("out of memory")
	})
	_, err := SegmentCells(context.Background(), discImage(256, 256, nil, 0.5), failing, nil, cellConfig(), zerolog.Nop())
	assert.True(t, errors.Is(err, wserr.ErrModel))
}

func writeInput(t *testing.T, img *models.Image) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "slide.ome.tif")
	w := ometiff.NewWriter(true)
	w.AddField(img.Channel(0), ometiff.OMEDescription("DAPI", img.Width, img.Height, "float", img.MPP))
	require.NoError(t, w.Commit(path))
	return path
}

func TestBinarySegmenterProcess(t *testing.T) {
	img := noisySquare(256, 78, 78, 100, 1)
	input := writeInput(t, img)
	output := filepath.Join(t.TempDir(), "out", "mask.ome.tif")
	preview := filepath.Join(t.TempDir(), "mask.png")

	cfg := config.DefaultConfig()
	cfg.Tiling.TileSize = 128
	cfg.Tiling.Stride = 64
	cfg.Morphology.CloseUM = 0
	cfg.Morphology.ErosionExpansionUM = 0

	res, err := NewBinarySegmenter(&BinaryParams{
		InputFile:       input,
		OutputFile:      output,
		MPP:             1,
		NuclearChannel:  0,
		MembraneChannel: NoChannel,
		SaveEntropyMask: true,
		PreviewFile:     preview,
		Config:          cfg,
		Logger:          zerolog.Nop(),
	}).Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, res.Tiles)
	assert.NotEmpty(t, res.Timings)

	r, err := ometiff.Open(output)
	require.NoError(t, err)
	defer r.Close()
	pages := r.Pages()
	require.Len(t, pages, 2)
	assert.True(t, strings.HasPrefix(pages[0].Description, "processed_image_mask (Threshold: "))
	assert.Equal(t, "entropy_mask", pages[1].Description)
	assert.Equal(t, "float", pages[1].PixelType())

	mask, err := r.ReadMask(0)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), mask.At(128, 128))
	assert.Equal(t, uint8(0), mask.At(5, 5))
	assert.Equal(t, res.ForegroundPixels, mask.Count())

	assert.FileExists(t, preview)
	assert.FileExists(t, strings.TrimSuffix(preview, ".png")+".entropy.png")
}

func TestBinarySegmenterChannelOutOfRange(t *testing.T) {
	input := writeInput(t, noisySquare(64, 0, 0, 8, 1))
	_, err := NewBinarySegmenter(&BinaryParams{
		InputFile:       input,
		OutputFile:      filepath.Join(t.TempDir(), "mask.tif"),
		MPP:             1,
		NuclearChannel:  3,
		MembraneChannel: NoChannel,
		Config:          config.DefaultConfig(),
	}).Process(context.Background())
	assert.True(t, errors.Is(err, wserr.ErrInput))
}

func TestCellSegmenterProcess(t *testing.T) {
	img := discImage(512, 768, cellDiscs, 0.5)
	input := writeInput(t, img)

	gate := models.NewBinaryMask(512, 768)
	for y := 0; y < 512; y++ {
		for x := 300; x < 768; x++ {
			gate.Set(y, x, 1)
		}
	}
	gatePath := filepath.Join(t.TempDir(), "gate.tif")
	gw := ometiff.NewWriter(true)
	gw.AddMask(gate, ThresholdDescription(0.42))
	require.NoError(t, gw.Commit(gatePath))

	output := filepath.Join(t.TempDir(), "cells.ome.tif")
	res, err := NewCellSegmenter(&CellParams{
		InputFile:       input,
		OutputFile:      output,
		MPP:             0.5,
		NuclearChannel:  0,
		MembraneChannel: 0,
		Predictor:       thresholdPredictor,
		BinaryMaskFile:  gatePath,
		Config:          cellConfig(),
		Logger:          zerolog.Nop(),
	}).Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Instances)

	r, err := ometiff.Open(output)
	require.NoError(t, err)
	defer r.Close()
	pages := r.Pages()
	require.Len(t, pages, 2)
	assert.Equal(t, "processed_image_mask", pages[0].Description)
	assert.Equal(t, "segmented_image_mask", pages[1].Description)

	gotGate, err := r.ReadMask(0)
	require.NoError(t, err)
	assert.Equal(t, gate.Data, gotGate.Data)

	labels, err := r.ReadLabels(1)
	require.NoError(t, err)
	assert.Len(t, labels.IDs(), 3)
}

func TestResultString(t *testing.T) {
	r := &Result{Height: 10, Width: 20, Tiles: 4, Threshold: 1.5, ForegroundPixels: 7}
	s := r.String()
	assert.Contains(t, s, "Image: 20 x 10 pixels, 4 tiles")
	assert.Contains(t, s, "Entropy threshold: 1.5000")
	assert.NotContains(t, s, "Instances")
}

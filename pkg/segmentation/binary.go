package segmentation

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"wsiseg/internal/models"
	"wsiseg/pkg/config"
	"wsiseg/pkg/entropy"
	"wsiseg/pkg/morphology"
	"wsiseg/pkg/ometiff"
	"wsiseg/pkg/threshold"
	"wsiseg/pkg/tiling"
	"wsiseg/pkg/visualization"
)

// BinaryParams holds the inputs of a binary segmentation run. Physical
// parameters (window, threshold, radii) are taken from Config.
type BinaryParams struct {
	// InputFile is the OME-TIFF to segment
	InputFile string

	// OutputFile receives the mask and, optionally, the entropy field
	OutputFile string

	// MPP is the image resolution in microns per pixel
	MPP float64

	NuclearChannel int

	// MembraneChannel is stacked after the nuclear channel; NoChannel skips it
	MembraneChannel int

	// SaveEntropyMask writes the entropy field as a second page
	SaveEntropyMask bool

	// PreviewFile receives a PNG preview of the mask when set
	PreviewFile string

	Config *config.Config
	Logger zerolog.Logger
}

// BinaryOutput is the in-memory product of the binary pipeline
type BinaryOutput struct {
	Mask    *models.BinaryMask
	Entropy *models.ScalarField
	Result  Result
}

// BinarySegmenter separates tissue from background by thresholding local entropy
type BinarySegmenter struct {
	params *BinaryParams
}

// NewBinarySegmenter creates a binary segmenter
func NewBinarySegmenter(params *BinaryParams) *BinarySegmenter {
	return &BinarySegmenter{params: params}
}

// Process runs the complete binary segmentation pipeline
func (s *BinarySegmenter) Process(ctx context.Context) (*Result, error) {
	p := s.params
	if err := checkConfig(p.Config); err != nil {
		return nil, err
	}
	logger := p.Logger

	logger.Info().Int("step", 1).Str("input", p.InputFile).Msg("Loading input channels")
	img, err := loadChannels(p.InputFile, p.MPP, p.NuclearChannel, p.MembraneChannel, logger)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load channels")
	}

	out, err := SegmentBinary(ctx, img, p.Config, logger)
	if err != nil {
		return nil, err
	}
	sw := newStopwatch(&out.Result)

	logger.Info().Int("step", 7).Str("output", p.OutputFile).Msg("Writing masks")
	w := ometiff.NewWriter(p.Config.Output.Compress)
	w.AddMask(out.Mask, ThresholdDescription(out.Mask.Threshold))
	if p.SaveEntropyMask {
		w.AddField(out.Entropy, entropyDescription)
	}
	if err := w.Commit(p.OutputFile); err != nil {
		return nil, errors.WithMessage(err, "failed to write masks")
	}
	sw.lap("write")

	savePreview(p.PreviewFile, func(v *visualization.Viewer) error {
		if p.SaveEntropyMask {
			if err := v.SaveField(out.Entropy, visualization.PreviewPath(p.PreviewFile, "entropy")); err != nil {
				return err
			}
		}
		return v.SaveMask(out.Mask, p.PreviewFile)
	}, logger)

	logger.Info().Float64("threshold", out.Mask.Threshold).Int("foreground", out.Result.ForegroundPixels).
		Msg("Binary segmentation completed")
	return &out.Result, nil
}

// ThresholdDescription is the page description of a binary mask
func ThresholdDescription(t float64) string {
	return fmt.Sprintf("%s (Threshold: %s)", maskDescription, strconv.FormatFloat(t, 'g', -1, 64))
}

// SegmentBinary runs the binary pipeline on an image already in memory.
// Entropy is computed on channel 0.
func SegmentBinary(ctx context.Context, img *models.Image, cfg *config.Config, logger zerolog.Logger) (*BinaryOutput, error) {
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}
	out := &BinaryOutput{Result: Result{Height: img.Height, Width: img.Width}}
	sw := newStopwatch(&out.Result)

	logger.Info().Int("step", 2).Int("channels", img.Channels).Msg("Normalizing intensities")
	norm := Normalize(img)
	sw.lap("normalize")

	grid, err := newGrid(norm, cfg)
	if err != nil {
		return nil, err
	}
	tiles, err := grid.ExtractImage(norm)
	if err != nil {
		return nil, err
	}
	out.Result.Tiles = len(tiles)
	logger.Info().Int("step", 3).Int("tiles", len(tiles)).Int("rows", grid.Rows).Int("cols", grid.Cols).
		Msg("Extracted tiles")
	sw.lap("tiling")

	windowPx, err := entropy.WindowPixels(cfg.Entropy.WindowSizeUM, img.MPP)
	if err != nil {
		return nil, err
	}
	analyzer, err := entropy.NewAnalyzer(windowPx, cfg.Entropy.DownscaleFactor)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("step", 4).Int("window_px", windowPx).Int("downscale", cfg.Entropy.DownscaleFactor).
		Msg("Computing entropy")
	fieldTiles, err := analyzer.ComputeTiles(ctx, tiling.FieldTiles(tiles, 0), cfg.Processing.Workers,
		progressLogger(logger, "entropy"))
	if err != nil {
		return nil, errors.WithMessage(err, "failed to compute entropy")
	}
	out.Entropy, err = grid.ReassembleField(fieldTiles, tiling.CombineAverage, true)
	if err != nil {
		return nil, err
	}
	sw.lap("entropy")

	t := cfg.Entropy.Threshold
	source := "configured"
	if t <= 0 {
		t = threshold.Otsu(out.Entropy)
		source = "otsu"
	}
	mask := threshold.Binarize(out.Entropy, t)
	logger.Info().Int("step", 5).Float64("threshold", t).Str("source", source).
		Int("foreground", threshold.ForegroundCount(mask)).Msg("Applied threshold")
	sw.lap("threshold")

	closePx, err := config.PixelsFromMicrons(cfg.Morphology.CloseUM, img.MPP)
	if err != nil {
		return nil, err
	}
	smoothPx, err := config.PixelsFromMicrons(cfg.Morphology.ErosionExpansionUM, img.MPP)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("step", 6).Int("close_px", closePx).Int("smooth_px", smoothPx).Msg("Refining mask")
	out.Mask, err = morphology.Refine(mask, closePx, smoothPx)
	if err != nil {
		return nil, err
	}
	sw.lap("morphology")

	out.Result.Threshold = t
	out.Result.ForegroundPixels = threshold.ForegroundCount(out.Mask)
	return out, nil
}

package segmentation

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"wsiseg/internal/models"
	"wsiseg/internal/wserr"
	"wsiseg/pkg/config"
	"wsiseg/pkg/fusion"
	"wsiseg/pkg/instance"
	"wsiseg/pkg/ometiff"
	"wsiseg/pkg/predictor"
	"wsiseg/pkg/repair"
	"wsiseg/pkg/visualization"
)

// CellParams holds the inputs of a cell segmentation run
type CellParams struct {
	InputFile  string
	OutputFile string
	MPP        float64

	NuclearChannel  int
	MembraneChannel int

	// ModelPath locates the ONNX model; ignored when Predictor is set
	ModelPath string

	// Predictor overrides the ONNX model
	Predictor instance.Predictor

	// BinaryMaskFile gates instances by the first page of a mask file
	BinaryMaskFile string

	PreviewFile string

	Config *config.Config
	Logger zerolog.Logger
}

// CellOutput is the in-memory product of the cell pipeline
type CellOutput struct {
	// Gate is the mask instances were filtered with, all foreground when none was given
	Gate *models.BinaryMask

	Labels *models.LabelMap
	Result Result
}

// CellSegmenter labels individual cells with an instance model
type CellSegmenter struct {
	params *CellParams
}

// NewCellSegmenter creates a cell segmenter
func NewCellSegmenter(params *CellParams) *CellSegmenter {
	return &CellSegmenter{params: params}
}

// Process runs the complete cell segmentation pipeline
func (s *CellSegmenter) Process(ctx context.Context) (*Result, error) {
	p := s.params
	if err := checkConfig(p.Config); err != nil {
		return nil, err
	}
	logger := p.Logger

	pred := p.Predictor
	if pred == nil {
		onnx, err := predictor.NewONNX(predictor.Options{
			ModelPath:         p.ModelPath,
			SharedLibraryPath: p.Config.Model.SharedLibraryPath,
			InputName:         p.Config.Model.InputName,
			OutputName:        p.Config.Model.OutputName,
			Mode:              predictor.OutputMode(p.Config.Model.OutputMode),
			IntraOpThreads:    p.Config.Model.IntraOpThreads,
			ModelMPP:          p.Config.Model.MPP,
			Logger:            logger,
		})
		if err != nil {
			return nil, errors.WithMessage(err, "failed to load model")
		}
		defer onnx.Close()
		pred = onnx
	}

	logger.Info().Int("step", 1).Str("input", p.InputFile).Msg("Loading input channels")
	img, err := loadChannels(p.InputFile, p.MPP, p.NuclearChannel, p.MembraneChannel, logger)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load channels")
	}

	var gate *models.BinaryMask
	if p.BinaryMaskFile != "" {
		gate, err = readGate(p.BinaryMaskFile, logger)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to load binary mask")
		}
	}

	out, err := SegmentCells(ctx, img, pred, gate, p.Config, logger)
	if err != nil {
		return nil, err
	}
	sw := newStopwatch(&out.Result)

	logger.Info().Int("step", 9).Str("output", p.OutputFile).Msg("Writing masks")
	w := ometiff.NewWriter(p.Config.Output.Compress)
	w.AddMask(out.Gate, maskDescription)
	w.AddLabels(out.Labels, instancesDescription)
	if err := w.Commit(p.OutputFile); err != nil {
		return nil, errors.WithMessage(err, "failed to write masks")
	}
	sw.lap("write")

	savePreview(p.PreviewFile, func(v *visualization.Viewer) error {
		return v.SaveLabels(out.Labels, p.PreviewFile)
	}, logger)

	logger.Info().Int("instances", out.Result.Instances).Msg("Cell segmentation completed")
	return &out.Result, nil
}

// readGate loads the first page of a mask file
func readGate(path string, logger zerolog.Logger) (*models.BinaryMask, error) {
	r, err := ometiff.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	logger.Info().Str("path", path).Str("description", r.Pages()[0].Description).Msg("Applying mask")
	return r.ReadMask(0)
}

// SegmentCells runs the cell pipeline on an image already in memory. gate
// may be nil.
func SegmentCells(ctx context.Context, img *models.Image, pred instance.Predictor, gate *models.BinaryMask,
	cfg *config.Config, logger zerolog.Logger) (*CellOutput, error) {
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}
	if gate != nil && (gate.Height != img.Height || gate.Width != img.Width) {
		return nil, wserr.Input("binary mask is %dx%d but the image is %dx%d",
			gate.Height, gate.Width, img.Height, img.Width)
	}
	minSizePx, err := config.PixelsFromMicrons(cfg.Repair.MinSizeUM, img.MPP)
	if err != nil {
		return nil, err
	}

	out := &CellOutput{Result: Result{Height: img.Height, Width: img.Width}}
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

	orch, err := instance.NewOrchestrator(pred, cfg.Instance.BatchSize)
	if err != nil {
		return nil, err
	}
	orch.Logger = logger
	logger.Info().Int("step", 4).Int("batch_size", cfg.Instance.BatchSize).Msg("Running instance model")
	labelTiles, err := orch.Segment(ctx, tiles, img.MPP)
	if err != nil {
		return nil, err
	}
	sw.lap("inference")

	logger.Info().Int("step", 5).Int("edge_margin_px", cfg.Instance.EdgeMarginPx).
		Float64("iou_threshold", cfg.Instance.IoUThreshold).Msg("Merging tiles")
	scored, err := instance.FilterLowConfidence(labelTiles, grid, cfg.Instance.EdgeMarginPx)
	if err != nil {
		return nil, err
	}
	merged, err := instance.Merge(scored, grid, cfg.Instance.IoUThreshold, true)
	if err != nil {
		return nil, err
	}
	merged = instance.Relabel(merged, cfg.Processing.Seed)
	sw.lap("merge")

	if gate == nil {
		gate = fusion.AllForeground(img.Height, img.Width)
	} else {
		var dropped []uint32
		merged, dropped, err = fusion.ApplyBinaryMask(merged, gate, fusion.CentroidOverlap)
		if err != nil {
			return nil, err
		}
		out.Result.Gated = len(dropped)
		logger.Info().Int("step", 6).Int("dropped", len(dropped)).Msg("Applied binary mask")
		sw.lap("fusion")
	}

	opts := repair.Options{
		PatchSize:       cfg.Repair.PatchSize,
		MinSizePx:       minSizePx,
		MinAreaFraction: cfg.Repair.MinAreaFraction,
		Logger:          logger,
	}
	logger.Info().Int("step", 7).Int("patch_size", opts.PatchSize).Int("min_size_px", minSizePx).
		Msg("Repairing instances")
	repaired, report, err := repair.Run(merged, opts)
	if err != nil {
		return nil, err
	}
	sw.lap("repair")

	out.Gate = gate
	out.Labels = repaired
	out.Result.Repair = report
	out.Result.Instances = report.Remaining
	out.Result.ForegroundPixels = gate.Count()
	logger.Info().Int("step", 8).Int("instances", report.Remaining).Msg("Instances finalized")
	return out, nil
}

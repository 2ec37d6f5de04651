// Package segmentation wires the tiling, entropy, morphology, instance and
// repair stages into the binary and cell segmentation pipelines.
//
// Both pipelines follow the same shape:
//  1. Load and stack the nuclear and optional membrane channels
//  2. Normalise intensities to [0,1]
//  3. Cut the image into overlapping tiles
//  4. Analyse every tile (entropy or instance inference)
//  5. Reconcile the tiles into one image and post-process it
//  6. Write the multi-page output file
package segmentation

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"wsiseg/internal/models"
	"wsiseg/internal/wserr"
	"wsiseg/pkg/config"
	"wsiseg/pkg/ometiff"
	"wsiseg/pkg/repair"
	"wsiseg/pkg/tiling"
	"wsiseg/pkg/visualization"
)

// NoChannel marks an absent optional channel
const NoChannel = -1

// previewSide bounds the longer side of preview images
const previewSide = 2048

// Page descriptions of the output files
const (
	maskDescription      = "processed_image_mask"
	entropyDescription   = "entropy_mask"
	instancesDescription = "segmented_image_mask"
)

// StageTiming records how long one pipeline stage took
type StageTiming struct {
	Stage    string
	Duration time.Duration
}

// Result summarises a pipeline run
type Result struct {
	Height int
	Width  int
	Tiles  int

	// Threshold is the entropy threshold applied by the binary pipeline
	Threshold float64

	// ForegroundPixels counts mask pixels set in the written gating or tissue mask
	ForegroundPixels int

	// Instances is the number of labels in the written instance map
	Instances int

	// Gated counts instances dropped by the binary mask
	Gated int

	Repair repair.Report

	Timings []StageTiming
}

// String renders the result like a metrics summary
func (r *Result) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Image: %d x %d pixels, %d tiles\n", r.Width, r.Height, r.Tiles)
	if r.Threshold > 0 {
		fmt.Fprintf(&sb, "Entropy threshold: %.4f\n", r.Threshold)
	}
	fmt.Fprintf(&sb, "Foreground pixels: %d\n", r.ForegroundPixels)
	if r.Instances > 0 || r.Repair.Instances > 0 {
		fmt.Fprintf(&sb, "Instances: %d (gated %d, fragmented %d, small %d, truncated %d)\n",
			r.Instances, r.Gated, r.Repair.Fragmented, r.Repair.Small, r.Repair.Missing)
	}
	for _, t := range r.Timings {
		fmt.Fprintf(&sb, "  %-12s %v\n", t.Stage, t.Duration.Round(time.Millisecond))
	}
	return sb.String()
}

// stopwatch appends stage timings to a result
type stopwatch struct {
	result *Result
	start  time.Time
}

func newStopwatch(r *Result) *stopwatch {
	return &stopwatch{result: r, start: time.Now()}
}

func (s *stopwatch) lap(stage string) {
	now := time.Now()
	s.result.Timings = append(s.result.Timings, StageTiming{Stage: stage, Duration: now.Sub(s.start)})
	s.start = now
}

// progressLogger logs tile progress in steps of roughly ten percent
func progressLogger(logger zerolog.Logger, stage string) tiling.ProgressFunc {
	next := 0
	return func(completed, total int) {
		pct := completed * 100 / total
		if pct < next && completed != total {
			return
		}
		logger.Debug().Str("stage", stage).Int("completed", completed).Int("total", total).Msg("progress")
		next = pct/10*10 + 10
	}
}

// newGrid builds the tile grid configured for an image
func newGrid(img *models.Image, cfg *config.Config) (*tiling.Grid, error) {
	pad, err := tiling.ParsePadMode(cfg.Tiling.Padding)
	if err != nil {
		return nil, err
	}
	return tiling.NewSquareGrid(img.Height, img.Width, cfg.Tiling.TileSize, cfg.Tiling.Stride, pad)
}

// loadChannels reads the nuclear and optional membrane channels and stacks
// them into one image at the given resolution
func loadChannels(path string, mpp float64, nuclear, membrane int, logger zerolog.Logger) (*models.Image, error) {
	if mpp <= 0 {
		return nil, wserr.Configuration("image mpp must be positive, got %g", mpp)
	}
	r, err := ometiff.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	meta := r.Metadata()
	if meta.PhysicalSizeX > 0 && meta.PhysicalSizeX != mpp {
		logger.Warn().Float64("metadata_mpp", meta.PhysicalSizeX).Float64("mpp", mpp).
			Msg("Resolution differs from the file metadata, using the given value")
	}

	channels := []int{nuclear}
	if membrane != NoChannel {
		channels = append(channels, membrane)
	}
	fields := make([]*models.ScalarField, len(channels))
	for i, c := range channels {
		img, err := r.Channel(c)
		if err != nil {
			return nil, err
		}
		fields[i] = img.Channel(0)
		logger.Debug().Int("channel", c).Int("width", img.Width).Int("height", img.Height).Msg("Loaded channel")
	}
	return models.StackChannels(mpp, fields...), nil
}

func checkConfig(cfg *config.Config) error {
	if cfg == nil {
		return wserr.Configuration("configuration is required")
	}
	return cfg.Validate()
}

func savePreview(path string, save func(v *visualization.Viewer) error, logger zerolog.Logger) {
	if path == "" {
		return
	}
	if err := save(visualization.NewViewer(previewSide)); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Failed to save preview")
		return
	}
	logger.Info().Str("path", path).Msg("Saved preview")
}

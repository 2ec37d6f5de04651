package repair

import (
	"github.com/rs/zerolog"

	"wsiseg/internal/models"
	"wsiseg/internal/wserr"
)

// DefaultMinAreaFraction flags instances smaller than a square of half the
// minimum size
const DefaultMinAreaFraction = 0.25

// Options control a repair run
type Options struct {
	// PatchSize is the side of the square window around each instance
	PatchSize int

	// MinSizePx is the minimum object diameter in pixels; 0 keeps everything
	MinSizePx int

	// MinAreaFraction scales MinSizePx² into the minimum pixel count
	MinAreaFraction float64

	Logger zerolog.Logger
}

// DefaultOptions returns the standard patch size and area fraction
func DefaultOptions(minSizePx int) Options {
	return Options{
		PatchSize:       DefaultPatchSize,
		MinSizePx:       minSizePx,
		MinAreaFraction: DefaultMinAreaFraction,
		Logger:          zerolog.Nop(),
	}
}

// Validate checks the options
func (o Options) Validate() error {
	if o.PatchSize <= 0 {
		return wserr.Configuration("patch size must be positive, got %d", o.PatchSize)
	}
	if o.MinSizePx < 0 {
		return wserr.Configuration("minimum size must not be negative, got %d", o.MinSizePx)
	}
	if o.MinAreaFraction < 0 {
		return wserr.Configuration("minimum area fraction must not be negative, got %g", o.MinAreaFraction)
	}
	return nil
}

// Report counts what each step of a run changed
type Report struct {
	Instances    int
	Fragmented   int
	Small        int
	Missing      int
	Refragmented int
	Remaining    int
}

// Run applies the fixed repair sequence: isolate centre components, write
// them back, drop small instances, drop instances whose patch leaves the
// image, then isolate once more. Two passes suffice: removing whole
// instances cannot split another instance.
func Run(m *models.LabelMap, opts Options) (*models.LabelMap, Report, error) {
	var report Report
	if err := opts.Validate(); err != nil {
		return nil, report, err
	}
	log := opts.Logger

	ps, err := FromLabels(m, opts.PatchSize)
	if err != nil {
		return nil, report, err
	}
	report.Instances = ps.Len()

	isolated := ps.IsolateCenter()
	report.Fragmented = countChanged(ps, isolated)
	cleaned := isolated.RemoveDisjointed()
	log.Debug().Int("instances", report.Instances).Int("fragmented", report.Fragmented).Msg("isolated centre components")

	small := cleaned.FindSmall(opts.MinSizePx, opts.MinAreaFraction)
	report.Small = len(small)
	cleaned = cleaned.Drop(small)
	log.Debug().Int("min_size_px", opts.MinSizePx).Int("dropped", report.Small).Msg("dropped small instances")

	missing := cleaned.FindMissing()
	report.Missing = len(missing)
	cleaned = cleaned.Drop(missing)
	log.Debug().Int("patch_size", opts.PatchSize).Int("dropped", report.Missing).Msg("dropped truncated instances")

	final := cleaned.IsolateCenter()
	report.Refragmented = countChanged(cleaned, final)
	report.Remaining = final.Len()

	log.Info().
		Int("instances", report.Instances).
		Int("fragmented", report.Fragmented).
		Int("small", report.Small).
		Int("missing", report.Missing).
		Int("remaining", report.Remaining).
		Msg("repair complete")

	return final.Labels(), report, nil
}

// countChanged counts the instances whose retained pixels differ between two
// sets derived from one another
func countChanged(before, after *PatchSet) int {
	n := 0
	for id, p := range after.patches {
		if q, ok := before.patches[id]; ok && q != p {
			n++
		}
	}
	return n
}

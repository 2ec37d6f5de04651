// Package instance runs an instance segmentation model over image tiles and
// reconciles the per-tile label maps into one global instance map.
package instance

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"wsiseg/internal/models"
	"wsiseg/internal/wserr"
)

// Predictor segments a batch of tiles into per-tile instance label maps. The
// returned slice must have one map per input tile, each of the tile's shape.
type Predictor interface {
	Predict(ctx context.Context, batch []*models.Image, mpp float64) ([]*models.LabelMap, error)
}

// PredictorFunc adapts a function to the Predictor interface
type PredictorFunc func(ctx context.Context, batch []*models.Image, mpp float64) ([]*models.LabelMap, error)

// Predict calls f
func (f PredictorFunc) Predict(ctx context.Context, batch []*models.Image, mpp float64) ([]*models.LabelMap, error) {
	return f(ctx, batch, mpp)
}

// Orchestrator feeds tiles to a predictor in fixed-size batches
type Orchestrator struct {
	Predictor Predictor
	BatchSize int
	Logger    zerolog.Logger
}

// NewOrchestrator creates an orchestrator that logs nothing
func NewOrchestrator(p Predictor, batchSize int) (*Orchestrator, error) {
	if p == nil {
		return nil, wserr.Configuration("predictor is required")
	}
	if batchSize <= 0 {
		return nil, wserr.Configuration("batch size must be positive, got %d", batchSize)
	}
	return &Orchestrator{Predictor: p, BatchSize: batchSize, Logger: zerolog.Nop()}, nil
}

// Segment predicts every tile, one blocking call per batch, and returns one
// label tile per input tile in input order. The first failing batch aborts
// the run; nothing is retried.
func (o *Orchestrator) Segment(ctx context.Context, tiles []models.ImageTile, mpp float64) ([]models.LabelTile, error) {
	if o.BatchSize <= 0 {
		return nil, wserr.Configuration("batch size must be positive, got %d", o.BatchSize)
	}
	out := make([]models.LabelTile, len(tiles))
	batches := (len(tiles) + o.BatchSize - 1) / o.BatchSize

	for b := 0; b < batches; b++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := b * o.BatchSize
		end := min(start+o.BatchSize, len(tiles))

		batch := make([]*models.Image, end-start)
		for i := range batch {
			batch[i] = tiles[start+i].Data
		}

		o.Logger.Debug().Int("batch", b+1).Int("batches", batches).Int("tiles", len(batch)).Msg("predicting")
		maps, err := o.Predictor.Predict(ctx, batch, mpp)
		if err != nil {
			return nil, wserr.Model(err, "batch %d/%d", b+1, batches)
		}
		if len(maps) != len(batch) {
			return nil, wserr.Model(errors.Errorf("predictor returned %d maps for %d tiles", len(maps), len(batch)),
				"batch %d/%d", b+1, batches)
		}

		for i, m := range maps {
			t := tiles[start+i]
			if m == nil || m.Height != t.Data.Height || m.Width != t.Data.Width {
				return nil, wserr.Model(errors.Errorf("label map for tile %d does not match the %dx%d tile",
					t.Index, t.Data.Height, t.Data.Width), "batch %d/%d", b+1, batches)
			}
			out[start+i] = models.LabelTile{Index: t.Index, Row: t.Row, Col: t.Col, Y: t.Y, X: t.X, Data: m}
		}
	}
	o.Logger.Info().Int("tiles", len(tiles)).Int("batches", batches).Msg("inference complete")
	return out, nil
}

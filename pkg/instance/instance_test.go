package instance

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wsiseg/internal/models"
	"wsiseg/internal/wserr"
	"wsiseg/pkg/tiling"
)

// twoTileGrid is a 512x768 image cut into two 512x512 tiles at x=0 and x=256
func twoTileGrid(t *testing.T) *tiling.Grid {
	g, err := tiling.NewSquareGrid(512, 768, 512, 256, tiling.PadZero)
	require.NoError(t, err)
	require.Equal(t, 2, g.Len())
	return g
}

// labelTile paints rectangles given in global coordinates into tile i
func labelTile(g *tiling.Grid, i int, rects map[uint32]image.Rectangle) models.LabelTile {
	y0, x0 := g.Origin(i)
	m := models.NewLabelMap(g.TileHeight, g.TileWidth)
	for id, r := range rects {
		r = r.Sub(image.Pt(x0, y0)).Intersect(image.Rect(0, 0, g.TileWidth, g.TileHeight))
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				m.Set(y, x, id)
			}
		}
	}
	return models.LabelTile{Index: i, Row: i / g.Cols, Col: i % g.Cols, Y: y0, X: x0, Data: m}
}

func areas(m *models.LabelMap) map[uint32]int {
	out := map[uint32]int{}
	for id, s := range Stats(m) {
		out[id] = s.Area
	}
	return out
}

func TestMergeUnifiesAboveThreshold(t *testing.T) {
	g := twoTileGrid(t)
	tiles := []models.LabelTile{
		labelTile(g, 0, map[uint32]image.Rectangle{1: image.Rect(300, 100, 400, 200)}),
		labelTile(g, 1, map[uint32]image.Rectangle{7: image.Rect(300, 100, 395, 200)}),
	}
	scored, err := FilterLowConfidence(tiles, g, 64)
	require.NoError(t, err)

	merged, err := Merge(scored, g, 0.9, true)
	require.NoError(t, err)
	assert.Equal(t, 512, merged.Height)
	assert.Equal(t, 768, merged.Width)
	assert.Equal(t, map[uint32]int{1: 100 * 100}, areas(merged))
}

func TestMergeGroupsTransitively(t *testing.T) {
	// three tiles in a row; the bar is matched 0-1 and 1-2 but tiles 0 and 2 never overlap
	g, err := tiling.NewGrid(100, 200, 100, 100, 100, 50, tiling.PadZero)
	require.NoError(t, err)
	require.Equal(t, 3, g.Len())

	bar := image.Rect(20, 40, 180, 60)
	tiles := []models.LabelTile{
		labelTile(g, 0, map[uint32]image.Rectangle{1: image.Rect(5, 5, 15, 15), 2: bar}),
		labelTile(g, 1, map[uint32]image.Rectangle{9: bar}),
		labelTile(g, 2, map[uint32]image.Rectangle{4: bar}),
	}
	scored, err := FilterLowConfidence(tiles, g, 0)
	require.NoError(t, err)

	merged, err := Merge(scored, g, 0.9, true)
	require.NoError(t, err)
	assert.Equal(t, map[uint32]int{1: 10 * 10, 2: 160 * 20}, areas(merged))
	assert.Equal(t, uint32(2), merged.At(50, 25))
	assert.Equal(t, uint32(2), merged.At(50, 175))
}

func TestMergeKeepsBelowThresholdDistinct(t *testing.T) {
	g := twoTileGrid(t)
	tiles := []models.LabelTile{
		labelTile(g, 0, map[uint32]image.Rectangle{1: image.Rect(300, 100, 420, 200)}),
		labelTile(g, 1, map[uint32]image.Rectangle{1: image.Rect(340, 100, 460, 200)}),
	}
	scored, err := FilterLowConfidence(tiles, g, 64)
	require.NoError(t, err)
	require.Empty(t, scored[0].LowConfidence)
	require.Empty(t, scored[1].LowConfidence)

	merged, err := Merge(scored, g, 0.9, true)
	require.NoError(t, err)
	got := areas(merged)
	require.Len(t, got, 2)

	// equal area and confidence: the earlier tile keeps the shared pixels
	first := merged.At(150, 350)
	assert.Equal(t, 120*100, got[first])
	assert.Equal(t, first, merged.At(150, 300))
	second := merged.At(150, 440)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 40*100, got[second])
}

func TestMergeIsOrderIndependent(t *testing.T) {
	g := twoTileGrid(t)
	a := labelTile(g, 0, map[uint32]image.Rectangle{1: image.Rect(300, 100, 420, 200), 2: image.Rect(10, 10, 50, 50)})
	b := labelTile(g, 1, map[uint32]image.Rectangle{3: image.Rect(340, 100, 460, 200), 4: image.Rect(600, 300, 700, 400)})

	s1, err := FilterLowConfidence([]models.LabelTile{a, b}, g, 64)
	require.NoError(t, err)
	s2, err := FilterLowConfidence([]models.LabelTile{b, a}, g, 64)
	require.NoError(t, err)

	m1, err := Merge(s1, g, 0.9, true)
	require.NoError(t, err)
	m2, err := Merge(s2, g, 0.9, true)
	require.NoError(t, err)
	assert.Equal(t, m1.Data, m2.Data)
}

func TestLowConfidenceGivesWayToNeighbour(t *testing.T) {
	g := twoTileGrid(t)
	// tile 0 sees a truncated object hugging its right border
	tiles := []models.LabelTile{
		labelTile(g, 0, map[uint32]image.Rectangle{5: image.Rect(440, 200, 512, 260)}),
		labelTile(g, 1, map[uint32]image.Rectangle{9: image.Rect(420, 190, 540, 270)}),
	}
	scored, err := FilterLowConfidence(tiles, g, 64)
	require.NoError(t, err)
	assert.True(t, scored[0].LowConfidence[5])
	assert.False(t, scored[1].LowConfidence[9])

	merged, err := Merge(scored, g, 0.9, true)
	require.NoError(t, err)
	got := areas(merged)
	neighbour := merged.At(230, 530)
	assert.Equal(t, neighbour, merged.At(230, 450))
	assert.Equal(t, 120*80, got[neighbour])
	assert.Len(t, got, 1)
}

func TestFilterLowConfidenceExemptsImageBorder(t *testing.T) {
	g := twoTileGrid(t)
	tiles := []models.LabelTile{
		// touches the top and left image border only
		labelTile(g, 0, map[uint32]image.Rectangle{1: image.Rect(0, 0, 30, 30), 2: image.Rect(470, 300, 500, 320)}),
		// touches the right and bottom image border, and the left tile border
		labelTile(g, 1, map[uint32]image.Rectangle{3: image.Rect(740, 490, 768, 512), 4: image.Rect(260, 100, 290, 130)}),
	}
	scored, err := FilterLowConfidence(tiles, g, 64)
	require.NoError(t, err)
	assert.Equal(t, map[uint32]bool{2: true}, scored[0].LowConfidence)
	assert.Equal(t, map[uint32]bool{4: true}, scored[1].LowConfidence)

	_, err = FilterLowConfidence(tiles, g, -1)
	assert.True(t, errors.Is(err, wserr.ErrConfiguration))
}

func TestMergeValidatesInput(t *testing.T) {
	g := twoTileGrid(t)
	tiles := []models.LabelTile{labelTile(g, 0, nil), labelTile(g, 1, nil)}
	scored, err := FilterLowConfidence(tiles, g, 0)
	require.NoError(t, err)

	_, err = Merge(scored[:1], g, 0.9, true)
	assert.True(t, errors.Is(err, wserr.ErrInput))
	_, err = Merge(scored, g, 0, true)
	assert.True(t, errors.Is(err, wserr.ErrConfiguration))

	scored[1].Index = 0
	_, err = Merge(scored, g, 0.9, true)
	assert.True(t, errors.Is(err, wserr.ErrInput))
}

func TestMergeWithoutCropKeepsPaddedShape(t *testing.T) {
	g, err := tiling.NewSquareGrid(500, 700, 512, 256, tiling.PadZero)
	require.NoError(t, err)
	tiles := make([]models.LabelTile, g.Len())
	for i := range tiles {
		tiles[i] = labelTile(g, i, nil)
	}
	scored, err := FilterLowConfidence(tiles, g, 64)
	require.NoError(t, err)
	m, err := Merge(scored, g, 0.9, false)
	require.NoError(t, err)
	assert.Equal(t, g.PaddedHeight, m.Height)
	assert.Equal(t, g.PaddedWidth, m.Width)
}

// thresholdPredictor labels connected regions brighter than 0.5
var thresholdPredictor = PredictorFunc(func(_ context.Context, batch []*models.Image, _ float64) ([]*models.LabelMap, error) {
	out := make([]*models.LabelMap, len(batch))
	for i, img := range batch {
		mask := models.NewBinaryMask(img.Height, img.Width)
		for p := range mask.Data {
			if img.Data[p*img.Channels] > 0.5 {
				mask.Data[p] = 1
			}
		}
		out[i] = ConnectedComponents(mask, 8)
	}
	return out, nil
})

func TestSeamCircleMergesIntoOneInstance(t *testing.T) {
	const cy, cx, r = 256, 384, 150
	img := models.NewImage(512, 768, 1, 0.5)
	want := 0
	for y := 0; y < 512; y++ {
		for x := 0; x < 768; x++ {
			if (y-cy)*(y-cy)+(x-cx)*(x-cx) <= r*r {
				img.Set(y, x, 0, 1)
				want++
			}
		}
	}

	g, err := tiling.NewSquareGrid(512, 768, 512, 256, tiling.PadReflect)
	require.NoError(t, err)
	tiles, err := g.ExtractImage(img)
	require.NoError(t, err)

	o, err := NewOrchestrator(thresholdPredictor, 1)
	require.NoError(t, err)
	labels, err := o.Segment(context.Background(), tiles, img.MPP)
	require.NoError(t, err)

	// each tile sees a truncated disc
	for _, lt := range labels {
		require.Len(t, lt.Data.IDs(), 1)
		require.Less(t, lt.Data.Count(), want)
	}

	scored, err := FilterLowConfidence(labels, g, 64)
	require.NoError(t, err)
	merged, err := Merge(scored, g, 0.9, true)
	require.NoError(t, err)

	got := areas(merged)
	require.Len(t, got, 1)
	for _, a := range got {
		assert.Equal(t, want, a)
	}
}

func TestSegmentBatchesInOrder(t *testing.T) {
	g, err := tiling.NewSquareGrid(64, 64, 16, 16, tiling.PadZero)
	require.NoError(t, err)
	img := models.NewImage(64, 64, 1, 1)
	tiles, err := g.ExtractImage(img)
	require.NoError(t, err)

	var sizes []int
	seen := 0
	p := PredictorFunc(func(_ context.Context, batch []*models.Image, mpp float64) ([]*models.LabelMap, error) {
		assert.Equal(t, 1.0, mpp)
		sizes = append(sizes, len(batch))
		out := make([]*models.LabelMap, len(batch))
		for i := range batch {
			seen++
			out[i] = models.NewLabelMap(16, 16)
			out[i].Data[0] = uint32(seen)
		}
		return out, nil
	})
	o, err := NewOrchestrator(p, 5)
	require.NoError(t, err)
	labels, err := o.Segment(context.Background(), tiles, 1)
	require.NoError(t, err)

	assert.Equal(t, []int{5, 5, 5, 1}, sizes)
	for i, lt := range labels {
		assert.Equal(t, i, lt.Index)
		assert.Equal(t, uint32(i+1), lt.Data.Data[0])
		assert.Equal(t, tiles[i].X, lt.X)
	}
}

func TestSegmentFailuresAreModelErrors(t *testing.T) {
	g, err := tiling.NewSquareGrid(32, 32, 16, 16, tiling.PadZero)
	require.NoError(t, err)
	tiles, err := g.ExtractImage(models.NewImage(32, 32, 1, 1))
	require.NoError(t, err)

	calls := 0
	failing := PredictorFunc(func(context.Context, []*models.Image, float64) ([]*models.LabelMap, error) {
		calls++
		return nil, errors.New("out of memory")
	})
	o, err := NewOrchestrator(failing, 2)
	require.NoError(t, err)
	_, err = o.Segment(context.Background(), tiles, 1)
	assert.True(t, errors.Is(err, wserr.ErrModel))
	assert.Contains(t, err.Error(), "out of memory")
	assert.Equal(t, 1, calls)

	short := PredictorFunc(func(_ context.Context, batch []*models.Image, _ float64) ([]*models.LabelMap, error) {
		return []*models.LabelMap{models.NewLabelMap(16, 16)}, nil
	})
	o.Predictor = short
	_, err = o.Segment(context.Background(), tiles, 1)
	assert.True(t, errors.Is(err, wserr.ErrModel))

	wrongShape := PredictorFunc(func(_ context.Context, batch []*models.Image, _ float64) ([]*models.LabelMap, error) {
		out := make([]*models.LabelMap, len(batch))
		for i := range out {
			out[i] = models.NewLabelMap(8, 8)
		}
		return out, nil
	})
	o.Predictor = wrongShape
	_, err = o.Segment(context.Background(), tiles, 1)
	assert.True(t, errors.Is(err, wserr.ErrModel))

	_, err = NewOrchestrator(short, 0)
	assert.True(t, errors.Is(err, wserr.ErrConfiguration))
}

func TestRelabel(t *testing.T) {
	m := models.NewLabelMap(10, 10)
	for i := range m.Data {
		m.Data[i] = uint32(i % 7)
	}
	a := Relabel(m, 42)
	b := Relabel(m, 42)
	assert.Equal(t, a.Data, b.Data)

	mapping := map[uint32]uint32{}
	for i, id := range m.Data {
		if id == 0 {
			require.Zero(t, a.Data[i])
			continue
		}
		nv := a.Data[i]
		require.NotZero(t, nv)
		require.Less(t, nv, uint32(1<<24))
		if prev, ok := mapping[id]; ok {
			require.Equal(t, prev, nv)
		}
		mapping[id] = nv
	}
	distinct := map[uint32]bool{}
	for _, v := range mapping {
		distinct[v] = true
	}
	assert.Len(t, distinct, 6)

	c := Relabel(m, 43)
	assert.NotEqual(t, a.Data, c.Data)
}

func TestRelabelSequential(t *testing.T) {
	m := &models.LabelMap{Data: []uint32{0, 90, 90, 7, 0, 7, 3, 90}, Height: 2, Width: 4}
	assert.Equal(t, []uint32{0, 1, 1, 2, 0, 2, 3, 1}, RelabelSequential(m).Data)
}

func TestConnectedComponents(t *testing.T) {
	// diagonal neighbours join only under 8-connectivity
	mask := &models.BinaryMask{Data: []uint8{
		1, 0, 0, 1,
		0, 1, 0, 1,
		0, 0, 0, 0,
		1, 1, 0, 1,
	}, Height: 4, Width: 4}

	four := ConnectedComponents(mask, 4)
	assert.Equal(t, []uint32{
		1, 0, 0, 2,
		0, 3, 0, 2,
		0, 0, 0, 0,
		4, 4, 0, 5,
	}, four.Data)

	eight := ConnectedComponents(mask, 8)
	assert.Equal(t, []uint32{
		1, 0, 0, 2,
		0, 1, 0, 2,
		0, 0, 0, 0,
		3, 3, 0, 4,
	}, eight.Data)
}

func TestStats(t *testing.T) {
	m := &models.LabelMap{Data: []uint32{
		0, 2, 2,
		0, 2, 0,
		5, 0, 0,
	}, Height: 3, Width: 3}
	s := Stats(m)
	require.Len(t, s, 2)
	assert.Equal(t, 3, s[2].Area)
	assert.Equal(t, image.Rect(1, 0, 3, 2), s[2].Bounds)
	assert.InDelta(t, 1.0/3, s[2].CentroidY, 1e-12)
	assert.InDelta(t, 4.0/3, s[2].CentroidX, 1e-12)
	cy, cx := s[2].CentroidPixel()
	assert.Equal(t, 0, cy)
	assert.Equal(t, 1, cx)
	assert.Equal(t, image.Rect(0, 2, 1, 3), s[5].Bounds)
}

package correlator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stereocorr/internal/models"
	"stereocorr/pkg/alignment"
	"stereocorr/pkg/backend"
)

// shiftedPair returns a textured pair where left (x, y) matches right (x+dx, y+dy)
func shiftedPair(w, h, dx, dy int) alignment.Pair {
	rng := rand.New(rand.NewSource(11))
	left := models.NewImage(w, h)
	for i := range left.Pix {
		left.Pix[i] = rng.Float64()
	}
	right := models.NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			right.Set(x, y, left.At(x-dx, y-dy))
		}
	}
	return alignment.Pair{Left: left, Right: right}
}

func exactConfig() models.BackendConfig {
	cfg := models.BackendConfig{Algorithm: "asp_bm", Matcher: models.DefaultMatcherParams()}
	cfg.Matcher.Levels = 0
	cfg.Matcher.Subpixel = models.SubpixelNone
	return cfg
}

func uniformSeed(w, h int, dx, dy float64) *models.SeedMap {
	d := models.NewDisparityRaster(w, h)
	for i := range d.Data {
		d.Data[i] = models.DisparityVector{DX: dx, DY: dy, Valid: true}
	}
	return &models.SeedMap{Disparity: d}
}

// windowRunner answers every request with the lower corner of its window
type windowRunner struct {
	calls int
	last  backend.Request
	err   error
}

func (r *windowRunner) Run(_ context.Context, req backend.Request) (*models.DisparityRaster, error) {
	r.calls++
	r.last = req
	if r.err != nil {
		return nil, r.err
	}
	d := models.NewDisparityRaster(req.Left.Width, req.Left.Height)
	for i := range d.Data {
		d.Data[i] = models.DisparityVector{DX: req.Window.MinX, DY: req.Window.MinY, Valid: true}
	}
	return d, nil
}

func TestSeedRegion(t *testing.T) {
	seed := image.Rect(0, 0, 16, 12)

	tests := []struct {
		name string
		tile image.Rectangle
		want image.Rectangle
	}{
		{"interior", image.Rect(16, 16, 32, 32), image.Rect(3, 3, 9, 9)},
		{"unaligned edges", image.Rect(5, 6, 13, 14), image.Rect(0, 0, 5, 5)},
		{"clipped to the seed", image.Rect(48, 32, 64, 48), image.Rect(11, 7, 16, 12)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SeedRegion(tt.tile, 4, 4, seed))
		})
	}
}

func TestScaleWindow(t *testing.T) {
	w := ScaleWindow(models.Window(-1.5, -0.25, 2.1, 0.5), 4, 2)
	assert.Equal(t, models.Window(-6, -1, 9, 1), w)
}

func TestLocalWindow(t *testing.T) {
	t.Run("widens by one seed pixel and scales", func(t *testing.T) {
		seed := uniformSeed(16, 12, 2, 0)
		w, ok, err := LocalWindow(seed, image.Rect(16, 16, 32, 32), 4, 4, models.SearchWindow{})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, models.Window(4, -4, 12, 4), w)
	})

	t.Run("spread widens the range", func(t *testing.T) {
		seed := uniformSeed(16, 12, 2, 0)
		seed.Spread = uniformSeed(16, 12, 1.5, 0.5).Disparity
		w, ok, err := LocalWindow(seed, image.Rect(16, 16, 32, 32), 4, 4, models.SearchWindow{})
		require.NoError(t, err)
		require.True(t, ok)
		// x: [0.5, 3.5] -> [0, 4] -> [-1, 5]; y: [-0.5, 0.5] -> [-1, 1] -> [-2, 2]
		assert.Equal(t, models.Window(-4, -8, 20, 8), w)
	})

	t.Run("limit clamps", func(t *testing.T) {
		seed := uniformSeed(16, 12, 2, 0)
		w, ok, err := LocalWindow(seed, image.Rect(16, 16, 32, 32), 4, 4, models.Window(0, -1, 8, 1))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, models.Window(4, -1, 8, 1), w)
	})

	t.Run("no valid seed", func(t *testing.T) {
		seed := &models.SeedMap{Disparity: models.NewDisparityRaster(16, 12)}
		_, ok, err := LocalWindow(seed, image.Rect(16, 16, 32, 32), 4, 4, models.SearchWindow{})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("spread of another size", func(t *testing.T) {
		seed := uniformSeed(16, 12, 2, 0)
		seed.Spread = models.NewDisparityRaster(15, 12)
		_, _, err := LocalWindow(seed, image.Rect(16, 16, 32, 32), 4, 4, models.SearchWindow{})
		assert.ErrorIs(t, err, models.ErrDimensionMismatch)
	})
}

// Every full resolution pixel whose true disparity is within one seed pixel
// of the seed value above it must be searchable.
func TestLocalWindowCoversSeed(t *testing.T) {
	const up = 4.0
	rng := rand.New(rand.NewSource(3))

	for trial := 0; trial < 50; trial++ {
		seed := models.NewDisparityRaster(20, 15)
		spread := models.NewDisparityRaster(20, 15)
		for i := range seed.Data {
			if rng.Float64() < 0.2 {
				continue
			}
			seed.Data[i] = models.DisparityVector{DX: rng.Float64()*40 - 20, DY: rng.Float64()*6 - 3, Valid: true}
			spread.Data[i] = models.DisparityVector{DX: rng.Float64() * 2, DY: rng.Float64(), Valid: true}
		}
		withSpread := trial%2 == 0
		sm := &models.SeedMap{Disparity: seed}
		if withSpread {
			sm.Spread = spread
		}

		x0, y0 := rng.Intn(70), rng.Intn(50)
		tile := image.Rect(x0, y0, x0+1+rng.Intn(80-x0), y0+1+rng.Intn(60-y0))

		w, ok, err := LocalWindow(sm, tile, up, up, models.SearchWindow{})
		require.NoError(t, err)

		t.Run(fmt.Sprintf("trial %d", trial), func(t *testing.T) {
			for y := tile.Min.Y; y < tile.Max.Y; y++ {
				for x := tile.Min.X; x < tile.Max.X; x++ {
					s := seed.At(int(math.Floor(float64(x)/up)), int(math.Floor(float64(y)/up)))
					if !s.Valid {
						continue
					}
					require.True(t, ok)

					mx, my := up*0.99, up*0.99
					if withSpread {
						sp := spread.At(int(math.Floor(float64(x)/up)), int(math.Floor(float64(y)/up)))
						mx += sp.DX * up
						my += sp.DY * up
					}
					for _, c := range [][2]float64{{-mx, -my}, {mx, my}, {-mx, my}, {mx, -my}} {
						dx, dy := s.DX*up+c[0], s.DY*up+c[1]
						require.True(t, w.ContainsPoint(dx, dy),
							"pixel (%d, %d) disparity (%g, %g) outside %v", x, y, dx, dy, w)
					}
				}
			}
		})
	}
}

func TestNewValidatesSeed(t *testing.T) {
	pair := shiftedPair(32, 32, 0, 0)
	seed := uniformSeed(8, 8, 0, 0)
	seed.Spread = models.NewDisparityRaster(4, 4)
	_, err := New(Params{}, pair, seed, &windowRunner{})
	assert.ErrorIs(t, err, models.ErrDimensionMismatch)
}

func TestNewRequiresAlignmentForRowMatchers(t *testing.T) {
	pair := shiftedPair(32, 32, 3, -1)
	aligner := alignment.NewMatchAligner(nil, alignment.MatchParams{})

	for _, alg := range []string{"mgm", "opencv_bm", "libelas"} {
		t.Run(alg, func(t *testing.T) {
			params := Params{Window: models.Window(-5, -1, 5, 1), Backend: models.BackendConfig{Algorithm: alg}}
			runner := &windowRunner{}

			_, err := New(params, pair, uniformSeed(8, 8, 0.75, -0.25), runner)
			assert.ErrorIs(t, err, errUnalignedRowBackend)
			assert.Zero(t, runner.calls)

			params.Aligner = aligner
			c, err := New(params, pair, nil, runner)
			require.NoError(t, err)
			assert.True(t, c.Aligned())
		})
	}
}

func TestComputeSeeded(t *testing.T) {
	pair := shiftedPair(64, 48, 3, -1)
	seed := uniformSeed(16, 12, 0.75, -0.25)

	c, err := New(Params{Collar: 8, Backend: exactConfig()}, pair, seed, backend.NewDispatcher(t.TempDir()))
	require.NoError(t, err)
	require.True(t, c.Seeded())

	tile := models.Tile{Index: 3, Bounds: image.Rect(16, 16, 40, 32)}
	out, err := c.Compute(context.Background(), tile)
	require.NoError(t, err)
	require.Equal(t, 24, out.Width)
	require.Equal(t, 16, out.Height)
	require.Equal(t, 24*16, out.ValidCount())
	for _, v := range out.Data {
		assert.Equal(t, 3.0, v.DX)
		assert.Equal(t, -1.0, v.DY)
	}
}

func TestComputeCropCoordinates(t *testing.T) {
	pair := shiftedPair(64, 64, 0, 0)
	runner := &windowRunner{}
	params := Params{Window: models.Window(-5, -2, 7, 2), Collar: 4, Backend: exactConfig()}

	c, err := New(params, pair, nil, runner)
	require.NoError(t, err)

	tile := models.Tile{Index: 0, Bounds: image.Rect(20, 20, 36, 36)}
	out, err := c.Compute(context.Background(), tile)
	require.NoError(t, err)
	require.Equal(t, 1, runner.calls)

	// Left crop is the tile plus the collar; the right crop also covers the
	// window and the kernel
	assert.Equal(t, 24, runner.last.Left.Width)
	assert.Equal(t, 24, runner.last.Left.Height)
	right := RightRegion(image.Rect(16, 16, 40, 40), params.Window, params.Backend.Matcher)
	assert.Equal(t, right.Dx(), runner.last.Right.Width)
	assert.Equal(t, right.Dy(), runner.last.Right.Height)

	// Shifted into crop coordinates and back
	assert.Equal(t, params.Window.Width(), runner.last.Window.Width())
	for _, v := range out.Data {
		require.True(t, v.Valid)
		assert.Equal(t, -5.0, v.DX)
		assert.Equal(t, -2.0, v.DY)
	}
}

func TestComputeEmptyWindowSkipsBackend(t *testing.T) {
	runner := &windowRunner{}
	params := Params{
		Window: models.Window(-5, -2, 7, 2),
		Limit:  models.Window(10, -1, 20, 1),
	}
	c, err := New(params, shiftedPair(32, 32, 0, 0), nil, runner)
	require.NoError(t, err)

	out, err := c.Compute(context.Background(), models.Tile{Bounds: image.Rect(0, 0, 16, 16)})
	require.NoError(t, err)
	assert.Zero(t, runner.calls)
	assert.Equal(t, 16*16, len(out.Data))
	assert.Zero(t, out.ValidCount())
}

func TestComputeWrapsBackendFailure(t *testing.T) {
	runner := &windowRunner{err: fmt.Errorf("exit: %w", models.ErrBackendFailure)}
	c, err := New(Params{Window: models.Window(-1, -1, 1, 1)}, shiftedPair(32, 32, 0, 0), nil, runner)
	require.NoError(t, err)

	_, err = c.Compute(context.Background(), models.Tile{Index: 7, Bounds: image.Rect(0, 0, 16, 16)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrBackendFailure))
	assert.True(t, models.IsTileScoped(err))
	assert.Contains(t, err.Error(), "tile 7")
}

func TestComputeAligned(t *testing.T) {
	pair := shiftedPair(96, 96, 3, -1)

	rng := rand.New(rand.NewSource(5))
	matches := make([]models.Match, 100)
	for i := range matches {
		x, y := rng.Float64()*90, rng.Float64()*90
		matches[i] = models.Match{
			Left:  models.Point2D{X: x, Y: y},
			Right: models.Point2D{X: x + 3, Y: y - 1},
		}
	}

	params := Params{
		Collar:  8,
		Aligner: alignment.NewMatchAligner(matches, alignment.MatchParams{MinMatches: 6, Margin: 2}),
		Backend: exactConfig(),
	}
	c, err := New(params, pair, nil, backend.NewDispatcher(t.TempDir()))
	require.NoError(t, err)

	out, err := c.Compute(context.Background(), models.Tile{Index: 1, Bounds: image.Rect(32, 32, 64, 64)})
	require.NoError(t, err)
	require.Equal(t, 32*32, out.ValidCount())
	for _, v := range out.Data {
		assert.InDelta(t, 3, v.DX, 1e-6)
		assert.InDelta(t, -1, v.DY, 1e-6)
	}

	t.Run("vectors outside the limit are invalid", func(t *testing.T) {
		limited := params
		limited.Limit = models.Window(-2, -2, 2, 2)
		c, err := New(limited, pair, nil, backend.NewDispatcher(t.TempDir()))
		require.NoError(t, err)

		out, err := c.Compute(context.Background(), models.Tile{Index: 1, Bounds: image.Rect(32, 32, 64, 64)})
		require.NoError(t, err)
		assert.Zero(t, out.ValidCount())
	})

	t.Run("alignment failure", func(t *testing.T) {
		params.Aligner = alignment.NewMatchAligner(nil, alignment.MatchParams{})
		runner := &windowRunner{}
		c, err := New(params, pair, nil, runner)
		require.NoError(t, err)

		_, err = c.Compute(context.Background(), models.Tile{Bounds: image.Rect(32, 32, 64, 64)})
		assert.ErrorIs(t, err, models.ErrAlignmentFailure)
		assert.Zero(t, runner.calls)
	})
}

package alignment

import (
	"image"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stereocorr/internal/models"
)

func TestTransform(t *testing.T) {
	t.Run("inverse undoes apply", func(t *testing.T) {
		tr := Affine(1.1, 0.2, -5, -0.1, 0.9, 7)
		inv, err := tr.Inverse()
		require.NoError(t, err)

		p := models.Point2D{X: 12.5, Y: -3}
		q, ok := tr.Apply(p)
		require.True(t, ok)
		back, ok := inv.Apply(q)
		require.True(t, ok)
		assert.InDelta(t, p.X, back.X, 1e-9)
		assert.InDelta(t, p.Y, back.Y, 1e-9)
	})

	t.Run("then composes in order", func(t *testing.T) {
		tr := Translation(2, 0).Then(Affine(2, 0, 0, 0, 2, 0))
		q, _ := tr.Apply(models.Point2D{X: 1, Y: 1})
		assert.Equal(t, models.Point2D{X: 6, Y: 2}, q)
	})

	t.Run("singular", func(t *testing.T) {
		_, err := Affine(1, 2, 0, 2, 4, 0).Inverse()
		assert.ErrorIs(t, err, models.ErrAlignmentFailure)
	})

	t.Run("projective point at infinity", func(t *testing.T) {
		tr, err := FromMatrix(Affine(1, 0, 0, 0, 1, 0).Matrix())
		require.NoError(t, err)
		h := tr.Matrix()
		h.Set(2, 0, 1)
		h.Set(2, 2, 0)
		tr, err = FromMatrix(h)
		require.NoError(t, err)
		_, ok := tr.Apply(models.Point2D{X: 0, Y: 4})
		assert.False(t, ok)
	})

	t.Run("zero value is identity", func(t *testing.T) {
		var tr Transform
		q, ok := tr.Apply(models.Point2D{X: 3, Y: 4})
		assert.True(t, ok)
		assert.Equal(t, models.Point2D{X: 3, Y: 4}, q)
	})
}

func TestReadTransform(t *testing.T) {
	dir := t.TempDir()

	tr, err := ReadTransform(filepath.Join(dir, "run-align-L.bin"))
	require.NoError(t, err)
	q, _ := tr.Apply(models.Point2D{X: 5, Y: 6})
	assert.Equal(t, models.Point2D{X: 5, Y: 6}, q, "missing file is the identity")

	path := filepath.Join(dir, "run-align-R.bin")
	require.NoError(t, WriteTransform(path, Affine(1, 0, 3, 0, 1, -2)))
	tr, err = ReadTransform(path)
	require.NoError(t, err)
	q, _ = tr.Apply(models.Point2D{X: 5, Y: 6})
	assert.Equal(t, models.Point2D{X: 8, Y: 4}, q)
}

// For L = R = T the aligned disparity of a uniform shift d is the linear part
// of T applied to d, so unaligning must give d back for every valid pixel.
func TestUnalignRoundTrip(t *testing.T) {
	window := image.Rect(40, 30, 72, 62)
	d := models.DisparityVector{DX: 3.25, DY: -1.5, Valid: true}

	transforms := map[string]Transform{
		"translation": Translation(-40, -30),
		"rotation and scale": Translation(-56, -46).
			Then(Affine(math.Cos(0.1)*1.05, -math.Sin(0.1)*1.05, 0, math.Sin(0.1)*1.05, math.Cos(0.1)*1.05, 0)).
			Then(Translation(16, 16)),
		"shear": Translation(-40, -30).Then(Affine(1, 0.15, 0, 0, 0.95, 1)),
	}

	for name, tr := range transforms {
		t.Run(name, func(t *testing.T) {
			a := TileAlignment{Window: window, Left: tr, Right: tr}

			ax, ay := tr.Linear(d.DX, d.DY)
			aligned := models.NewDisparityRaster(window.Dx(), window.Dy())
			for i := range aligned.Data {
				aligned.Data[i] = models.DisparityVector{DX: ax, DY: ay, Valid: true}
			}

			out, err := Unalign(aligned, a)
			require.NoError(t, err)
			require.Greater(t, out.ValidCount(), window.Dx()*window.Dy()/2)
			for _, v := range out.Data {
				if !v.Valid {
					continue
				}
				assert.InDelta(t, d.DX, v.DX, 1e-9)
				assert.InDelta(t, d.DY, v.DY, 1e-9)
			}
		})
	}
}

func TestUnalignOutsideGridIsInvalid(t *testing.T) {
	window := image.Rect(0, 0, 10, 10)
	a := TileAlignment{Window: window, Left: Translation(5, 0), Right: Translation(5, 0)}

	aligned := models.NewDisparityRaster(10, 10)
	for i := range aligned.Data {
		aligned.Data[i] = models.DisparityVector{DX: 1, Valid: true}
	}
	out, err := Unalign(aligned, a)
	require.NoError(t, err)
	assert.True(t, out.At(4, 3).Valid)
	assert.False(t, out.At(5, 3).Valid)
	assert.False(t, out.At(9, 9).Valid)
}

func shiftedMatches(n int, dx, dy float64, seed int64) []models.Match {
	rng := rand.New(rand.NewSource(seed))
	out := make([]models.Match, n)
	for i := range out {
		l := models.Point2D{X: rng.Float64() * 100, Y: rng.Float64() * 100}
		out[i] = models.Match{Left: l, Right: models.Point2D{X: l.X + dx, Y: l.Y + dy}}
	}
	return out
}

func TestMatchAligner(t *testing.T) {
	t.Run("uniform shift aligns to zero disparity", func(t *testing.T) {
		a := NewMatchAligner(shiftedMatches(200, 3, -1, 1), MatchParams{MinMatches: 6, Margin: 2})
		ta, err := a.Align(image.Rect(20, 20, 60, 60))
		require.NoError(t, err)

		assert.True(t, ta.Bound.ContainsPoint(0, 0))
		assert.Equal(t, -1.0, ta.Bound.MinY)
		assert.Equal(t, 1.0, ta.Bound.MaxY)

		// A right point maps to the aligned position of its left match
		l, _ := ta.Left.Apply(models.Point2D{X: 30, Y: 30})
		r, _ := ta.Right.Apply(models.Point2D{X: 33, Y: 29})
		assert.InDelta(t, l.X, r.X, 1e-6)
		assert.InDelta(t, l.Y, r.Y, 1e-6)
	})

	t.Run("sparse tile uses nearest matches", func(t *testing.T) {
		a := NewMatchAligner(shiftedMatches(50, 3, -1, 2), MatchParams{MinMatches: 6})
		_, err := a.Align(image.Rect(500, 500, 520, 520))
		assert.NoError(t, err)
	})

	t.Run("too few matches", func(t *testing.T) {
		a := NewMatchAligner(shiftedMatches(4, 3, -1, 3), MatchParams{MinMatches: 6})
		_, err := a.Align(image.Rect(0, 0, 100, 100))
		assert.ErrorIs(t, err, models.ErrAlignmentFailure)
	})

	t.Run("collinear matches", func(t *testing.T) {
		ms := make([]models.Match, 10)
		for i := range ms {
			p := models.Point2D{X: float64(i * 5), Y: float64(i * 5)}
			ms[i] = models.Match{Left: p, Right: p}
		}
		_, err := NewMatchAligner(ms, MatchParams{MinMatches: 6}).Align(image.Rect(0, 0, 50, 50))
		assert.ErrorIs(t, err, models.ErrAlignmentFailure)
	})

	t.Run("no matches", func(t *testing.T) {
		_, err := NewMatchAligner(nil, MatchParams{}).Align(image.Rect(0, 0, 50, 50))
		assert.ErrorIs(t, err, models.ErrAlignmentFailure)
	})
}

func texturedPair(w, h int, dx, dy int) Pair {
	rng := rand.New(rand.NewSource(7))
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
	return Pair{Left: left, Right: right}
}

func TestTileRun(t *testing.T) {
	pair := texturedPair(96, 96, 3, -1)
	aligner := NewMatchAligner(shiftedMatches(100, 3, -1, 4), MatchParams{MinMatches: 6, Margin: 2})
	tile := models.Tile{Index: 5, Bounds: image.Rect(32, 32, 64, 64)}

	t.Run("full cycle", func(t *testing.T) {
		run := NewTileRun(tile)
		require.Equal(t, Untransformed, run.State())

		aligned, err := run.Pre(aligner, pair, 8)
		require.NoError(t, err)
		require.Equal(t, Aligned, run.State())
		require.Equal(t, image.Rect(24, 24, 72, 72), run.Alignment().Window)

		// The aligned right image is the aligned left image: zero disparity
		for y := 4; y < 44; y++ {
			for x := 4; x < 44; x++ {
				require.True(t, aligned.RightMask.Valid(x, y))
				require.InDelta(t, aligned.Left.At(x, y), aligned.Right.At(x, y), 1e-6)
			}
		}

		zero := models.NewDisparityRaster(48, 48)
		for i := range zero.Data {
			zero.Data[i].Valid = true
		}
		require.NoError(t, run.Record(zero))
		require.Equal(t, Matched, run.State())

		out, err := run.Post()
		require.NoError(t, err)
		assert.Equal(t, Untransformed, run.State())
		require.Equal(t, 32, out.Width)
		require.Equal(t, 32*32, out.ValidCount())
		for _, v := range out.Data {
			assert.InDelta(t, 3, v.DX, 1e-6)
			assert.InDelta(t, -1, v.DY, 1e-6)
		}
	})

	t.Run("transitions are enforced", func(t *testing.T) {
		run := NewTileRun(tile)
		assert.ErrorIs(t, run.Record(models.NewDisparityRaster(1, 1)), errTransition)
		_, err := run.Post()
		assert.ErrorIs(t, err, errTransition)
	})

	t.Run("mis-sized result", func(t *testing.T) {
		run := NewTileRun(tile)
		_, err := run.Pre(aligner, pair, 8)
		require.NoError(t, err)
		assert.ErrorIs(t, run.Record(models.NewDisparityRaster(32, 32)), models.ErrDimensionMismatch)
		assert.Equal(t, Aligned, run.State())
	})

	t.Run("failed alignment stays untransformed", func(t *testing.T) {
		run := NewTileRun(tile)
		_, err := run.Pre(NewMatchAligner(nil, MatchParams{}), pair, 8)
		assert.ErrorIs(t, err, models.ErrAlignmentFailure)
		assert.Equal(t, Untransformed, run.State())
	})
}

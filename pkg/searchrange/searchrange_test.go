package searchrange

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stereocorr/internal/models"
	"stereocorr/pkg/alignment"
)

func matchesFrom(dx, dy []float64) []models.Match {
	out := make([]models.Match, len(dx))
	for i := range dx {
		l := models.Point2D{X: float64(i), Y: float64(2 * i)}
		out[i] = models.Match{Left: l, Right: models.Point2D{X: l.X + dx[i], Y: l.Y + dy[i]}}
	}
	return out
}

func TestEstimateTightExtent(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	n := 60

	shapes := map[string]func(i int) (float64, float64){
		"uniform": func(i int) (float64, float64) {
			return rng.Float64()*150 - 20, rng.Float64()*4 - 2
		},
		"peaked": func(i int) (float64, float64) {
			if i%10 == 0 {
				return 180, -3
			}
			return 12 + rng.NormFloat64()*0.1, 0.5
		},
		"bimodal": func(i int) (float64, float64) {
			if i%2 == 0 {
				return -40 + rng.Float64(), 1
			}
			return 150 + rng.Float64(), -1
		},
	}

	for name, gen := range shapes {
		t.Run(name, func(t *testing.T) {
			dx := make([]float64, n)
			dy := make([]float64, n)
			for i := range dx {
				dx[i], dy[i] = gen(i)
			}
			ms := matchesFrom(dx, dy)
			for i, m := range ms {
				dx[i], dy[i] = m.Disparity()
			}
			raw := models.Window(minOf(dx), minOf(dy), maxOf(dx), maxOf(dy))
			require.Less(t, raw.Width(), 200.0)

			w, err := NewEstimator(DefaultParams()).Estimate(ms)
			require.NoError(t, err)
			assert.Equal(t, raw.Expand(10, 1), w)
		})
	}
}

func TestEstimateInsufficientMatches(t *testing.T) {
	dx := make([]float64, 29)
	dy := make([]float64, 29)

	_, err := NewEstimator(DefaultParams()).Estimate(matchesFrom(dx, dy))
	assert.ErrorIs(t, err, models.ErrInsufficientMatches)

	dx = make([]float64, 40)
	dy = make([]float64, 40)
	for i := range dx {
		dx[i] = float64(i)
	}
	_, err = NewEstimator(DefaultParams()).Estimate(matchesFrom(dx, dy), MaxDisparityMagnitude(20))
	assert.ErrorIs(t, err, models.ErrInsufficientMatches, "filters run before the count check")

	_, err = NewEstimator(DefaultParams()).Estimate(nil)
	assert.ErrorIs(t, err, models.ErrInsufficientMatches)
}

func TestEstimateTrimsOutliers(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	var dx, dy []float64
	for i := 0; i < 1000; i++ {
		dx = append(dx, rng.Float64()*300)
		dy = append(dy, rng.Float64()*6-3)
	}
	for i := 0; i < 20; i++ {
		dx = append(dx, 5000)
		dy = append(dy, 0)
	}

	w, err := NewEstimator(DefaultParams()).Estimate(matchesFrom(dx, dy))
	require.NoError(t, err)

	assert.LessOrEqual(t, w.MinX, 0.0)
	assert.GreaterOrEqual(t, w.MaxX, 300.0)
	assert.Less(t, w.MaxX, 1000.0, "outliers at 5000 are trimmed")
	assert.LessOrEqual(t, w.MinY, -3.0)
	assert.GreaterOrEqual(t, w.MaxY, 3.0)
	assert.Equal(t, w, w.GrowToInt(), "bounds are integers")
}

func TestEstimateKeepsLastWindowAtMaxCutoff(t *testing.T) {
	n := 2001
	dx := make([]float64, n)
	dy := make([]float64, n)
	for i := range dx {
		dx[i] = float64(i) * 5
	}

	w, err := NewEstimator(DefaultParams()).Estimate(matchesFrom(dx, dy))
	require.NoError(t, err)

	// 20% trim: band [2000, 8000], doubled around its centre
	assert.InDelta(t, -1000, w.MinX, 1.5)
	assert.InDelta(t, 11000, w.MaxX, 1.5)
	assert.Equal(t, models.Window(w.MinX, -2, w.MaxX, 2), w, "forced expansion on a flat axis")
}

func TestEstimateForcedExpansion(t *testing.T) {
	// A peaked distribution wider than the minimum search width
	var dx, dy []float64
	for i := 0; i < 100; i++ {
		dx = append(dx, 50)
		dy = append(dy, 0)
	}
	dx = append(dx, 400)
	dy = append(dy, 0)

	p := DefaultParams()
	p.NumBins = 1000
	w, err := NewEstimator(p).Estimate(matchesFrom(dx, dy))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, w.Width(), 60.0)
	assert.GreaterOrEqual(t, w.Height(), 4.0)
	assert.True(t, w.ContainsPoint(50, 0))
}

func TestFilters(t *testing.T) {
	dx := []float64{1, 2, 3, 100, -2}
	dy := []float64{0, 0, 1, 0, 50}
	ms := matchesFrom(dx, dy)

	t.Run("magnitude", func(t *testing.T) {
		assert.Len(t, MaxDisparityMagnitude(10)(ms), 3)
		assert.Len(t, MaxDisparityMagnitude(0)(ms), 5)
	})

	t.Run("predicate", func(t *testing.T) {
		keep := Predicate(func(m models.Match) bool { return m.Left.X < 2 })
		assert.Len(t, keep(ms), 2)
	})

	t.Run("outlier bracket", func(t *testing.T) {
		var odx, ody []float64
		for i := 0; i < 100; i++ {
			odx = append(odx, float64(i%10))
			ody = append(ody, float64(i%3))
		}
		odx = append(odx, 500)
		ody = append(ody, 0)

		out := DisparityOutlierFilter(95, 3)(matchesFrom(odx, ody))
		assert.Len(t, out, 100)
		assert.Len(t, DisparityOutlierFilter(100, 3)(matchesFrom(odx, ody)), 101)
	})
}

func TestClampToLimit(t *testing.T) {
	w := models.Window(-50, -5, 50, 5)

	got, err := ClampToLimit(w, models.SearchWindow{})
	require.NoError(t, err)
	assert.Equal(t, w, got)

	got, err = ClampToLimit(w, models.Window(-10, -100, 100, 2))
	require.NoError(t, err)
	assert.Equal(t, models.Window(-10, -5, 50, 2), got)

	_, err = ClampToLimit(w, models.Window(60, 0, 70, 1))
	assert.ErrorIs(t, err, models.ErrEmptySearchWindow)
}

func TestEnsureMatches(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "left.tif")
	path := filepath.Join(dir, "run.match")
	require.NoError(t, os.WriteFile(src, []byte("img"), 0644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(src, old, old))

	want := matchesFrom([]float64{1, 2}, []float64{0, -1})

	_, err := EnsureMatches(context.Background(), path, []string{src}, nil)
	assert.ErrorIs(t, err, models.ErrMissingArtifact)

	calls := 0
	derive := func(ctx context.Context, p string) error {
		calls++
		return WriteMatchFile(p, want)
	}

	got, err := EnsureMatches(context.Background(), path, []string{src}, derive)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 1, calls)

	_, err = EnsureMatches(context.Background(), path, []string{src}, derive)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "fresh match file is reused")

	now := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(src, now, now))
	_, err = EnsureMatches(context.Background(), path, []string{src}, derive)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "stale match file is rebuilt")
}

func TestAdjustForAlignment(t *testing.T) {
	ms := matchesFrom([]float64{3}, []float64{-1})
	out := AdjustForAlignment(ms, alignment.Translation(10, 0), alignment.Affine(2, 0, 0, 0, 2, 0))
	assert.Equal(t, models.Point2D{X: 10, Y: 0}, out[0].Left)
	assert.Equal(t, models.Point2D{X: 6, Y: -2}, out[0].Right)

	h := alignment.Identity().Matrix()
	h.Set(2, 2, 0)
	degenerate, err := alignment.FromMatrix(h)
	require.NoError(t, err)
	out = AdjustForAlignment(ms, degenerate, alignment.Identity())
	assert.Equal(t, ms[0], out[0], "division by zero keeps the original pair")

	l, r, err := LoadAlignment(filepath.Join(t.TempDir(), "a"), filepath.Join(t.TempDir(), "b"))
	require.NoError(t, err)
	p, _ := l.Apply(models.Point2D{X: 1, Y: 2})
	q, _ := r.Apply(models.Point2D{X: 1, Y: 2})
	assert.Equal(t, p, q)
}

func minOf(v []float64) float64 {
	m := v[0]
	for _, x := range v {
		if x < m {
			m = x
		}
	}
	return m
}

func maxOf(v []float64) float64 {
	m := v[0]
	for _, x := range v {
		if x > m {
			m = x
		}
	}
	return m
}

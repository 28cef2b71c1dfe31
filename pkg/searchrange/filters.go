package searchrange

import (
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"stereocorr/internal/models"
)

// Filter removes unwanted matches from a set
type Filter func([]models.Match) []models.Match

// Predicate keeps the matches for which keep returns true. Geometric checks
// such as elevation or ground position limits are supplied this way.
func Predicate(keep func(models.Match) bool) Filter {
	return func(in []models.Match) []models.Match {
		out := make([]models.Match, 0, len(in))
		for _, m := range in {
			if keep(m) {
				out = append(out, m)
			}
		}
		return out
	}
}

// MaxDisparityMagnitude drops matches whose disparity is longer than max.
// A non-positive max keeps everything.
func MaxDisparityMagnitude(max float64) Filter {
	if max <= 0 {
		return func(in []models.Match) []models.Match { return in }
	}
	return Predicate(func(m models.Match) bool {
		dx, dy := m.Disparity()
		return math.Hypot(dx, dy) <= max
	})
}

// DisparityOutlierFilter drops matches whose disparity falls outside the box
// and whisker bracket of either axis. The bracket spans the (100-pct) and
// pct percentiles widened by factor times their distance. A pct of 100 or
// more disables the filter.
func DisparityOutlierFilter(pct, factor float64) Filter {
	return func(in []models.Match) []models.Match {
		if pct >= 100 || len(in) == 0 {
			return in
		}

		dx := make([]float64, len(in))
		dy := make([]float64, len(in))
		for i, m := range in {
			dx[i], dy[i] = m.Disparity()
		}
		bx0, bx1 := outlierBracket(dx, pct/100, factor)
		by0, by1 := outlierBracket(dy, pct/100, factor)

		out := make([]models.Match, 0, len(in))
		for i, m := range in {
			if dx[i] >= bx0 && dx[i] <= bx1 && dy[i] >= by0 && dy[i] <= by1 {
				out = append(out, m)
			}
		}
		slog.Info("Filtered matches by disparity", "before", len(in), "after", len(out))
		return out
	}
}

// outlierBracket returns [Q(1-p) - f*(Q(p)-Q(1-p)), Q(p) + f*(Q(p)-Q(1-p))]
func outlierBracket(values []float64, p, factor float64) (float64, float64) {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	lo, hi := 1-p, p
	if lo > hi {
		lo, hi = hi, lo
	}
	qlo := stat.Quantile(lo, stat.Empirical, sorted, nil)
	qhi := stat.Quantile(hi, stat.Empirical, sorted, nil)
	d := qhi - qlo
	return qlo - factor*d, qhi + factor*d
}

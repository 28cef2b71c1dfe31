// Package searchrange turns sparse interest point matches into a robust
// disparity search window.
package searchrange

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"stereocorr/internal/models"
)

// Params holds the constants of the trimming procedure
type Params struct {
	// MinNumMatches is the number of matches that must survive filtering
	MinNumMatches int

	// MinSearchWidth is the x extent under which matches are not trimmed
	MinSearchWidth float64

	// MinimalExpand is added around an untrimmed extent, per axis
	MinimalExpand [2]float64

	// MaxSearchWidth is the width the trimming tries to get under
	MaxSearchWidth float64

	// StartCutoff, CutoffStep and MaxCutoff control the percentile trim
	StartCutoff float64
	CutoffStep  float64
	MaxCutoff   float64

	// SearchScale multiplies the trimmed half-extent
	SearchScale float64

	// ForcedExpansion is the minimum half-extent per axis
	ForcedExpansion [2]float64

	// NumBins is the histogram resolution per axis
	NumBins int
}

// DefaultParams returns the standard estimator constants
func DefaultParams() Params {
	return Params{
		MinNumMatches:   30,
		MinSearchWidth:  200,
		MinimalExpand:   [2]float64{10, 1},
		MaxSearchWidth:  4000,
		StartCutoff:     0.05,
		CutoffStep:      0.05,
		MaxCutoff:       0.201,
		SearchScale:     2.0,
		ForcedExpansion: [2]float64{30, 2},
		NumBins:         1000000,
	}
}

// Estimator derives search windows from matches
type Estimator struct {
	params Params
}

// NewEstimator creates an estimator
func NewEstimator(params Params) *Estimator {
	if params.NumBins < 1 {
		params.NumBins = 1
	}
	return &Estimator{params: params}
}

// Estimate filters matches and computes the search window.
//
// Steps:
// 1. Apply filters; fail with ErrInsufficientMatches under MinNumMatches
// 2. Return the raw extent plus MinimalExpand when it is narrower than MinSearchWidth
// 3. Trim percentiles of per-axis histograms until the window is narrow enough
// 4. Round outward; fail with ErrEmptySearchWindow when degenerate
func (e *Estimator) Estimate(matches []models.Match, filters ...Filter) (models.SearchWindow, error) {
	kept := matches
	for _, f := range filters {
		kept = f(kept)
	}

	if len(kept) < e.params.MinNumMatches || len(kept) == 0 {
		return models.SearchWindow{}, fmt.Errorf("%d matches left after filtering, need %d: %w",
			len(kept), e.params.MinNumMatches, models.ErrInsufficientMatches)
	}

	dx := make([]float64, len(kept))
	dy := make([]float64, len(kept))
	for i, m := range kept {
		dx[i], dy[i] = m.Disparity()
	}
	sort.Float64s(dx)
	sort.Float64s(dy)

	raw := models.Window(dx[0], dy[0], dx[len(dx)-1], dy[len(dy)-1])
	slog.Info("Initial search range", "matches", len(kept), "range", raw.String())

	if raw.Width() <= e.params.MinSearchWidth {
		w := raw.Expand(e.params.MinimalExpand[0], e.params.MinimalExpand[1])
		slog.Info("Using expanded search range", "range", w.String())
		return w, nil
	}

	histX := newHistogram(dx, e.params.NumBins)
	histY := newHistogram(dy, e.params.NumBins)

	var w models.SearchWindow
	cutoff := e.params.StartCutoff
	for {
		w = e.trimmedWindow(histX, histY, cutoff)
		slog.Debug("Computed search range", "cutoff", cutoff, "range", w.String())

		cutoff += e.params.CutoffStep
		if cutoff > e.params.MaxCutoff {
			break
		}
		if w.Width() < e.params.MaxSearchWidth {
			break
		}
	}

	if w.Empty() {
		return models.SearchWindow{}, fmt.Errorf("computed search range %v: %w", w, models.ErrEmptySearchWindow)
	}
	return w, nil
}

// trimmedWindow centres the percentile band of both axes, scales it and
// enforces the forced expansion, then rounds outward
func (e *Estimator) trimmedWindow(hx, hy *histogram, cutoff float64) models.SearchWindow {
	lo := [2]float64{hx.percentile(cutoff), hy.percentile(cutoff)}
	hi := [2]float64{hx.percentile(1 - cutoff), hy.percentile(1 - cutoff)}

	var min, max [2]float64
	for i := 0; i < 2; i++ {
		center := (lo[i] + hi[i]) / 2
		minExpand := (lo[i] - center) * e.params.SearchScale
		maxExpand := (hi[i] - center) * e.params.SearchScale
		if minExpand > -e.params.ForcedExpansion[i] {
			minExpand = -e.params.ForcedExpansion[i]
		}
		if maxExpand < e.params.ForcedExpansion[i] {
			maxExpand = e.params.ForcedExpansion[i]
		}
		min[i] = center + minExpand
		max[i] = center + maxExpand
	}

	return models.Window(min[0], min[1], max[0], max[1]).GrowToInt()
}

// histogram is a fixed resolution histogram over [lo, hi]
type histogram struct {
	lo, width float64
	counts    []float64
	total     float64
}

// newHistogram bins the sorted values into n equal bins spanning their range
func newHistogram(sorted []float64, n int) *histogram {
	lo, hi := sorted[0], sorted[len(sorted)-1]
	if hi <= lo {
		return &histogram{lo: lo, counts: []float64{float64(len(sorted))}, total: float64(len(sorted))}
	}

	dividers := floats.Span(make([]float64, n+1), lo, hi)
	dividers[n] = math.Nextafter(hi, math.Inf(1))

	counts := stat.Histogram(nil, dividers, sorted, nil)
	return &histogram{lo: lo, width: (hi - lo) / float64(n), counts: counts, total: float64(len(sorted))}
}

// percentile returns the centre of the first bin whose cumulative share
// reaches p
func (h *histogram) percentile(p float64) float64 {
	sum := 0.0
	for i, c := range h.counts {
		sum += c
		if sum/h.total >= p {
			return h.lo + (float64(i)+0.5)*h.width
		}
	}
	return h.lo + (float64(len(h.counts))-0.5)*h.width
}

// ClampToLimit intersects w with a user hard limit. A zero limit is unset.
func ClampToLimit(w, limit models.SearchWindow) (models.SearchWindow, error) {
	if limit.IsZero() {
		return w, nil
	}
	out := w.Intersect(limit)
	if out.Empty() {
		return models.SearchWindow{}, fmt.Errorf("search range %v outside limit %v: %w", w, limit, models.ErrEmptySearchWindow)
	}
	slog.Info("Search range constrained", "range", out.String())
	return out, nil
}

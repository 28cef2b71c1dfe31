package alignment

import (
	"fmt"
	"image"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"

	"stereocorr/internal/models"
)

// TileAlignment is the transform pair computed for one tile. Both transforms
// map full image coordinates into the aligned tile grid.
type TileAlignment struct {
	// Window is the left image region covered by the aligned grid
	Window image.Rectangle

	Left, Right Transform

	// Bound is the disparity range expected in aligned coordinates
	Bound models.SearchWindow
}

// Aligner computes the alignment of a left image window
type Aligner interface {
	Align(window image.Rectangle) (TileAlignment, error)
}

// MatchParams holds the settings for match based alignment
type MatchParams struct {
	// MinMatches is the number of correspondences needed for a fit
	MinMatches int

	// Margin pads the disparity bound found from the fitted matches
	Margin float64
}

// MatchAligner fits an affine map from the right image onto the left image
// using the interest point matches near each tile
type MatchAligner struct {
	params  MatchParams
	matches []models.Match
	tree    *kdtree.Tree
}

// NewMatchAligner indexes matches by their left position
func NewMatchAligner(matches []models.Match, params MatchParams) *MatchAligner {
	if params.MinMatches < 3 {
		params.MinMatches = 3
	}

	a := &MatchAligner{params: params, matches: matches}
	if len(matches) > 0 {
		pts := make(matchPoints, len(matches))
		for i, m := range matches {
			pts[i] = matchPoint{X: m.Left.X, Y: m.Left.Y, Index: i}
		}
		a.tree = kdtree.New(pts, true)
	}
	return a
}

// Align fits the tile. Matches with their left point inside the window are
// used; when there are too few, the nearest MinMatches matches are used.
func (a *MatchAligner) Align(window image.Rectangle) (TileAlignment, error) {
	if window.Empty() {
		return TileAlignment{}, fmt.Errorf("empty window %v: %w", window, models.ErrAlignmentFailure)
	}

	used := a.inside(window)
	if len(used) < a.params.MinMatches {
		used = a.nearest(window, a.params.MinMatches)
	}
	if len(used) < a.params.MinMatches {
		return TileAlignment{}, fmt.Errorf("%d matches near %v, need %d: %w",
			len(used), window, a.params.MinMatches, models.ErrAlignmentFailure)
	}

	fit, err := fitAffine(used)
	if err != nil {
		return TileAlignment{}, err
	}
	if _, err := fit.Inverse(); err != nil {
		return TileAlignment{}, err
	}

	left := Translation(-float64(window.Min.X), -float64(window.Min.Y))
	right := fit.Then(left)

	minX, maxX := math.Inf(1), math.Inf(-1)
	for _, m := range used {
		l, _ := left.Apply(m.Left)
		r, ok := right.Apply(m.Right)
		if !ok {
			continue
		}
		minX = math.Min(minX, r.X-l.X)
		maxX = math.Max(maxX, r.X-l.X)
	}
	if math.IsInf(minX, 0) {
		return TileAlignment{}, fmt.Errorf("no usable match after fit: %w", models.ErrAlignmentFailure)
	}

	bound := models.Window(
		math.Floor(minX-a.params.Margin), -1,
		math.Ceil(maxX+a.params.Margin), 1,
	)
	if bound.Width() < 1 {
		bound = bound.Expand(1, 0)
	}

	slog.Debug("Tile aligned",
		"window", window.String(),
		"matches", len(used),
		"bound", bound.String())

	return TileAlignment{Window: window, Left: left, Right: right, Bound: bound}, nil
}

func (a *MatchAligner) inside(window image.Rectangle) []models.Match {
	var out []models.Match
	for _, m := range a.matches {
		if image.Pt(int(math.Floor(m.Left.X)), int(math.Floor(m.Left.Y))).In(window) {
			out = append(out, m)
		}
	}
	return out
}

func (a *MatchAligner) nearest(window image.Rectangle, k int) []models.Match {
	if a.tree == nil {
		return nil
	}
	c := matchPoint{
		X: float64(window.Min.X+window.Max.X) / 2,
		Y: float64(window.Min.Y+window.Max.Y) / 2,
	}
	keeper := kdtree.NewNKeeper(k)
	a.tree.NearestSet(keeper, c)

	out := make([]models.Match, 0, keeper.Len())
	for _, item := range keeper.Heap {
		if item.Comparable == nil {
			continue
		}
		out = append(out, a.matches[item.Comparable.(matchPoint).Index])
	}
	return out
}

// fitAffine solves the least squares affine map taking right points to left points
func fitAffine(matches []models.Match) (Transform, error) {
	n := len(matches)
	if n < 3 {
		return Transform{}, fmt.Errorf("need at least 3 points: %w", models.ErrAlignmentFailure)
	}
	if collinear(matches) {
		return Transform{}, fmt.Errorf("matches are collinear: %w", models.ErrAlignmentFailure)
	}

	A := mat.NewDense(n*2, 6, nil)
	B := mat.NewVecDense(n*2, nil)
	for i, m := range matches {
		x, y := m.Right.X, m.Right.Y

		A.Set(i*2, 0, x)
		A.Set(i*2, 1, y)
		A.Set(i*2, 2, 1)
		B.SetVec(i*2, m.Left.X)

		A.Set(i*2+1, 3, x)
		A.Set(i*2+1, 4, y)
		A.Set(i*2+1, 5, 1)
		B.SetVec(i*2+1, m.Left.Y)
	}

	var qr mat.QR
	qr.Factorize(A)

	var p mat.VecDense
	if err := qr.SolveVecTo(&p, false, B); err != nil {
		return Transform{}, fmt.Errorf("degenerate match geometry: %v: %w", err, models.ErrAlignmentFailure)
	}

	return Affine(p.AtVec(0), p.AtVec(1), p.AtVec(2), p.AtVec(3), p.AtVec(4), p.AtVec(5)), nil
}

// collinear reports whether the right points span less than two dimensions
func collinear(matches []models.Match) bool {
	var mx, my float64
	for _, m := range matches {
		mx += m.Right.X
		my += m.Right.Y
	}
	n := float64(len(matches))
	mx, my = mx/n, my/n

	var sxx, syy, sxy float64
	for _, m := range matches {
		dx, dy := m.Right.X-mx, m.Right.Y-my
		sxx += dx * dx
		syy += dy * dy
		sxy += dx * dy
	}
	tr := sxx + syy
	return tr == 0 || sxx*syy-sxy*sxy <= 1e-9*tr*tr
}

// matchPoint is a left match position carrying its index in the match list
type matchPoint struct {
	X, Y  float64
	Index int
}

// Compare implements the kdtree.Comparable interface
func (p matchPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(matchPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p matchPoint) Dims() int { return 2 }

// Distance returns the squared Euclidean distance between two points
func (p matchPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(matchPoint)
	dx := p.X - q.X
	dy := p.Y - q.Y
	return dx*dx + dy*dy
}

type matchPoints []matchPoint

func (p matchPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p matchPoints) Len() int                              { return len(p) }
func (p matchPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p matchPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(matchPlane{matchPoints: p, Dim: d}, kdtree.MedianOfMedians(matchPlane{matchPoints: p, Dim: d}))
}

type matchPlane struct {
	matchPoints
	kdtree.Dim
}

func (p matchPlane) Less(i, j int) bool {
	if p.Dim == 0 {
		return p.matchPoints[i].X < p.matchPoints[j].X
	}
	return p.matchPoints[i].Y < p.matchPoints[j].Y
}

func (p matchPlane) Slice(start, end int) kdtree.SortSlicer {
	return matchPlane{matchPoints: p.matchPoints[start:end], Dim: p.Dim}
}

func (p matchPlane) Swap(i, j int) {
	p.matchPoints[i], p.matchPoints[j] = p.matchPoints[j], p.matchPoints[i]
}

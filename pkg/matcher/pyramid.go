// Package matcher implements the in-process pyramidal correlators: block
// matching and semi-global matching, refined coarse to fine.
package matcher

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"time"

	"stereocorr/internal/models"
	"stereocorr/pkg/prefilter"
	"stereocorr/pkg/raster"
)

// Algorithm selects the search performed on the coarsest level
type Algorithm int

const (
	// BlockMatching picks the lowest window cost per pixel
	BlockMatching Algorithm = iota
	// SemiGlobal aggregates costs along 4 scanline directions
	SemiGlobal
	// MoreGlobal aggregates costs along 8 directions
	MoreGlobal
)

// AlgorithmFor maps an algorithm name to an in-process matcher
func AlgorithmFor(name string) (Algorithm, bool) {
	switch name {
	case "asp_bm", "":
		return BlockMatching, true
	case "asp_sgm":
		return SemiGlobal, true
	case "asp_mgm":
		return MoreGlobal, true
	}
	return 0, false
}

func (a Algorithm) String() string {
	switch a {
	case SemiGlobal:
		return "asp_sgm"
	case MoreGlobal:
		return "asp_mgm"
	default:
		return "asp_bm"
	}
}

func (a Algorithm) paths() int {
	switch a {
	case SemiGlobal:
		return 4
	case MoreGlobal:
		return 8
	default:
		return 0
	}
}

// Request describes one correlation. A disparity d means left (x, y)
// matches right (x+dx, y+dy).
type Request struct {
	Left, Right         *models.Image
	LeftMask, RightMask *models.Mask

	// Window bounds the integer disparities searched, inclusive
	Window models.SearchWindow

	Algorithm Algorithm
	Params    models.MatcherParams

	// Budget bounds the run time; zero disables planning
	Budget time.Duration
}

// cand is an integer disparity on one level
type cand struct {
	dx, dy int
	ok     bool
}

// grid holds the integer disparities of one level
type grid struct {
	w, h int
	d    []cand
}

func newGrid(w, h int) *grid {
	return &grid{w: w, h: h, d: make([]cand, w*h)}
}

func (g *grid) at(x, y int) cand {
	if x < 0 || y < 0 || x >= g.w || y >= g.h {
		return cand{}
	}
	return g.d[y*g.w+x]
}

// intWindow is an inclusive integer disparity range
type intWindow struct {
	minX, minY, maxX, maxY int
}

func (w intWindow) count() int {
	if w.maxX < w.minX || w.maxY < w.minY {
		return 0
	}
	return (w.maxX - w.minX + 1) * (w.maxY - w.minY + 1)
}

func (w intWindow) clip(o intWindow) intWindow {
	return intWindow{
		minX: max(w.minX, o.minX), minY: max(w.minY, o.minY),
		maxX: min(w.maxX, o.maxX), maxY: min(w.maxY, o.maxY),
	}
}

func (w intWindow) negate() intWindow {
	return intWindow{minX: -w.maxX, minY: -w.maxY, maxX: -w.minX, maxY: -w.minY}
}

// scaleWindow divides a full resolution window by scale, rounding outward
func scaleWindow(w models.SearchWindow, scale int) intWindow {
	s := float64(scale)
	return intWindow{
		minX: int(math.Floor(w.MinX / s)),
		minY: int(math.Floor(w.MinY / s)),
		maxX: int(math.Ceil(w.MaxX / s)),
		maxY: int(math.Ceil(w.MaxY / s)),
	}
}

// level is one pyramid level; scale is 2^k
type level struct {
	left, right  *models.Image
	lmask, rmask *models.Mask
	scale        int
}

// Correlate computes the disparity of every left pixel. The result has the
// size of the left image.
//
// Steps:
// 1. Prefilter and build the pyramid
// 2. Plan the finest level that fits the time budget
// 3. Search the full window on the coarsest level
// 4. Refine each finer level around the upsampled disparity
// 5. Cross check against the right to left search
// 6. Subpixel refinement and upsampling to full resolution
// 7. Removal of small isolated blobs
func Correlate(ctx context.Context, req Request) (*models.DisparityRaster, error) {
	if req.Left == nil || req.Right == nil {
		return nil, fmt.Errorf("missing input image: %w", models.ErrBackendFailure)
	}
	if req.Window.Empty() {
		return nil, fmt.Errorf("search window %v: %w", req.Window, models.ErrEmptySearchWindow)
	}
	p := req.Params
	if p.KernelWidth < 1 || p.KernelHeight < 1 {
		return nil, fmt.Errorf("kernel %dx%d: %w", p.KernelWidth, p.KernelHeight, models.ErrBackendFailure)
	}

	start := time.Now()

	// Step 1: Prefilter and build the pyramid
	left := prefilter.Apply(req.Left, p.Prefilter, p.PrefilterSigma)
	right := prefilter.Apply(req.Right, p.Prefilter, p.PrefilterSigma)
	pyr := buildPyramid(left, right, req.LeftMask, req.RightMask, p)
	top := len(pyr) - 1

	// Step 2: Plan the finest level that fits the time budget
	passes := 1
	if p.XCorrThreshold >= 0 {
		passes = 2
	}
	finest := planFinestLevel(pyr, scaleWindow(req.Window, pyr[top].scale).count(), p, req.Algorithm, passes, req.Budget)
	if finest > 0 {
		slog.WarnContext(ctx, "Time budget too small for full resolution, stopping early",
			"budget", req.Budget, "finestLevel", finest, "levels", len(pyr))
	}

	window := scaleWindow(req.Window, 1)

	// Steps 3-4: Search both directions
	fwd := search(pyr, window, p, req.Algorithm, finest, false)

	// Step 5: Cross check against the right to left search
	if p.XCorrThreshold >= 0 {
		rev := search(pyr, window.negate(), p, req.Algorithm, finest, true)
		crossCheck(fwd, rev, p.XCorrThreshold/float64(pyr[finest].scale))
	}

	// Step 6: Subpixel refinement and upsampling
	out := expand(fwd, pyr[finest], p, req.Left.Width, req.Left.Height)

	// Step 7: Removal of small isolated blobs
	blobs := 0
	if p.BlobFilterArea > 0 {
		blobs = RemoveBlobs(out, p.BlobFilterArea)
	}

	slog.DebugContext(ctx, "Correlation finished",
		"algorithm", req.Algorithm.String(),
		"size", image.Pt(req.Left.Width, req.Left.Height).String(),
		"window", req.Window.String(),
		"levels", len(pyr),
		"valid", out.ValidCount(),
		"removedBlobs", blobs,
		"elapsed", time.Since(start))

	return out, nil
}

// buildPyramid downsamples by 2 until the configured number of levels is
// reached or the kernel would no longer fit twice into the image
func buildPyramid(left, right *models.Image, lmask, rmask *models.Mask, p models.MatcherParams) []level {
	pyr := []level{{left: left, right: right, lmask: lmask, rmask: rmask, scale: 1}}
	for k := 1; k <= p.Levels; k++ {
		prev := pyr[k-1]
		if prev.left.Width/2 < 2*p.KernelWidth || prev.left.Height/2 < 2*p.KernelHeight ||
			prev.right.Width/2 < 2*p.KernelWidth || prev.right.Height/2 < 2*p.KernelHeight {
			break
		}
		lv := level{
			left:  raster.Downsample(prev.left, prev.lmask, 2),
			right: raster.Downsample(prev.right, prev.rmask, 2),
			scale: prev.scale * 2,
		}
		if prev.lmask != nil {
			lv.lmask = raster.DownsampleMask(prev.lmask, 2)
		}
		if prev.rmask != nil {
			lv.rmask = raster.DownsampleMask(prev.rmask, 2)
		}
		pyr = append(pyr, lv)
	}
	return pyr
}

// planFinestLevel returns the finest level whose cumulative estimated cost,
// summed from the coarsest level down, fits the budget. The coarsest level
// always runs.
func planFinestLevel(pyr []level, topCandidates int, p models.MatcherParams, alg Algorithm, passes int, budget time.Duration) int {
	top := len(pyr) - 1
	if budget <= 0 || p.SecondsPerOp <= 0 {
		return 0
	}

	kernel := float64(p.KernelWidth * p.KernelHeight)
	refineCands := float64((2*p.SearchBuffer + 1) * (2*p.SearchBuffer + 1))

	pixels := func(k int) float64 {
		return float64(pyr[k].left.Width * pyr[k].left.Height)
	}

	ops := pixels(top) * float64(topCandidates) * (kernel + float64(alg.paths()))
	total := ops * float64(passes) * p.SecondsPerOp
	finest := top
	for k := top - 1; k >= 0; k-- {
		total += pixels(k) * refineCands * kernel * float64(passes) * p.SecondsPerOp
		if total > budget.Seconds() {
			break
		}
		finest = k
	}
	return finest
}

// search runs the coarse to fine search down to level finest. When reverse
// is set the roles of the two images are swapped.
func search(pyr []level, window intWindow, p models.MatcherParams, alg Algorithm, finest int, reverse bool) *grid {
	top := len(pyr) - 1

	lv := pyr[top]
	if reverse {
		lv = swap(lv)
	}
	win := scaleIntWindow(window, lv.scale)
	g := topLevel(lv, win, p, alg)

	for k := top - 1; k >= finest; k-- {
		lv = pyr[k]
		if reverse {
			lv = swap(lv)
		}
		up := upsample(g, lv.left.Width, lv.left.Height)
		g = refine(lv, up, scaleIntWindow(window, lv.scale), p)
	}
	return g
}

func swap(lv level) level {
	return level{left: lv.right, right: lv.left, lmask: lv.rmask, rmask: lv.lmask, scale: lv.scale}
}

func scaleIntWindow(w intWindow, scale int) intWindow {
	if scale == 1 {
		return w
	}
	return scaleWindow(models.Window(float64(w.minX), float64(w.minY), float64(w.maxX), float64(w.maxY)), scale)
}

// topLevel searches the whole window on the coarsest level
func topLevel(lv level, win intWindow, p models.MatcherParams, alg Algorithm) *grid {
	c := newCoster(lv, p)
	w, h := lv.left.Width, lv.left.Height

	if alg.paths() > 0 {
		return semiGlobal(c, w, h, win, p, alg.paths())
	}

	g := newGrid(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !c.usable(x, y) {
				continue
			}
			g.d[y*w+x], _ = c.best(x, y, win)
		}
	}
	return g
}

// upsample doubles a grid to w x h, doubling its disparities
func upsample(g *grid, w, h int) *grid {
	out := newGrid(w, h)
	for y := 0; y < h; y++ {
		sy := min(y/2, g.h-1)
		for x := 0; x < w; x++ {
			sx := min(x/2, g.w-1)
			v := g.at(sx, sy)
			if v.ok {
				out.d[y*w+x] = cand{dx: 2 * v.dx, dy: 2 * v.dy, ok: true}
			}
		}
	}
	return out
}

// refine searches SearchBuffer around the upsampled disparity. A pixel with
// no prior of its own uses the span of its valid neighbours.
func refine(lv level, prior *grid, win intWindow, p models.MatcherParams) *grid {
	c := newCoster(lv, p)
	w, h := lv.left.Width, lv.left.Height
	b := p.SearchBuffer
	out := newGrid(w, h)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !c.usable(x, y) {
				continue
			}
			r, ok := priorRange(prior, x, y)
			if !ok {
				continue
			}
			r = intWindow{minX: r.minX - b, minY: r.minY - b, maxX: r.maxX + b, maxY: r.maxY + b}.clip(win)
			if r.count() == 0 {
				continue
			}
			out.d[y*w+x], _ = c.best(x, y, r)
		}
	}
	return out
}

func priorRange(prior *grid, x, y int) (intWindow, bool) {
	if v := prior.at(x, y); v.ok {
		return intWindow{minX: v.dx, minY: v.dy, maxX: v.dx, maxY: v.dy}, true
	}

	r := intWindow{minX: math.MaxInt, minY: math.MaxInt, maxX: math.MinInt, maxY: math.MinInt}
	found := false
	for j := -1; j <= 1; j++ {
		for i := -1; i <= 1; i++ {
			v := prior.at(x+i, y+j)
			if !v.ok {
				continue
			}
			found = true
			r.minX, r.maxX = min(r.minX, v.dx), max(r.maxX, v.dx)
			r.minY, r.maxY = min(r.minY, v.dy), max(r.maxY, v.dy)
		}
	}
	return r, found
}

// crossCheck invalidates forward disparities that the reverse search does
// not return to within threshold on either axis
func crossCheck(fwd, rev *grid, threshold float64) {
	for y := 0; y < fwd.h; y++ {
		for x := 0; x < fwd.w; x++ {
			i := y*fwd.w + x
			f := fwd.d[i]
			if !f.ok {
				continue
			}
			r := rev.at(x+f.dx, y+f.dy)
			if !r.ok ||
				math.Abs(float64(f.dx+r.dx)) > threshold ||
				math.Abs(float64(f.dy+r.dy)) > threshold {
				fwd.d[i] = cand{}
			}
		}
	}
}

// expand converts the finest grid into a full resolution raster, adding
// subpixel offsets when the finest level is full resolution
func expand(g *grid, lv level, p models.MatcherParams, w, h int) *models.DisparityRaster {
	out := models.NewDisparityRaster(w, h)
	var c *coster
	if lv.scale == 1 && p.Subpixel != models.SubpixelNone {
		c = newCoster(lv, p)
	}

	s := float64(lv.scale)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := g.at(min(x/lv.scale, g.w-1), min(y/lv.scale, g.h-1))
			if !v.ok {
				continue
			}
			dx, dy := float64(v.dx)*s, float64(v.dy)*s
			if c != nil {
				ox, oy := subpixelOffset(c, x, y, v, p.Subpixel)
				dx += ox
				dy += oy
			}
			out.Data[y*w+x] = models.DisparityVector{DX: dx, DY: dy, Valid: true}
		}
	}
	return out
}

// Package correlator computes the full resolution disparity of one tile,
// bounding the search by the low-resolution seed when one is available.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"

	"stereocorr/internal/models"
	"stereocorr/pkg/alignment"
	"stereocorr/pkg/backend"
)

// errUnalignedRowBackend rejects row matchers without local alignment.
// They return horizontal disparities only and compare same-row pixels.
var errUnalignedRowBackend = errors.New("algorithm matches along rows and needs local alignment")

// Runner is the backend contract the correlator needs
type Runner interface {
	Run(ctx context.Context, req backend.Request) (*models.DisparityRaster, error)
}

// Params configures tile correlation
type Params struct {
	// Window is the run-wide search range, used when there is no seed or
	// the seed has nothing valid under a tile
	Window models.SearchWindow

	// Limit is the user hard clamp; a zero window means unset
	Limit models.SearchWindow

	// Collar grows the left crop so the kernel sees real pixels at tile edges
	Collar int

	// Aligner, when set, locally aligns each tile before matching
	Aligner alignment.Aligner

	Backend models.BackendConfig
}

// Correlator computes tiles of a left/right pair. The pair and seed are
// only read, so Compute may run concurrently for different tiles.
type Correlator struct {
	params   Params
	pair     alignment.Pair
	seed     *models.SeedMap
	upX, upY float64
	runner   Runner
}

// New creates a correlator. A nil seed selects unseeded mode.
func New(params Params, pair alignment.Pair, seed *models.SeedMap, runner Runner) (*Correlator, error) {
	if pair.Left == nil || pair.Right == nil {
		return nil, fmt.Errorf("missing input image: %w", models.ErrMissingArtifact)
	}

	if params.Aligner == nil && backend.KindOf(params.Backend.Algorithm) != backend.KindPyramid {
		return nil, fmt.Errorf("%s: %w", params.Backend.Algorithm, errUnalignedRowBackend)
	}

	c := &Correlator{params: params, pair: pair, runner: runner, upX: 1, upY: 1}
	if seed != nil {
		if err := seed.Validate(); err != nil {
			return nil, err
		}
		if seed.Disparity.Width == 0 || seed.Disparity.Height == 0 {
			return nil, fmt.Errorf("low-resolution disparity is empty: %w", models.ErrDimensionMismatch)
		}
		c.seed = seed
		c.upX = float64(pair.Left.Width) / float64(seed.Disparity.Width)
		c.upY = float64(pair.Left.Height) / float64(seed.Disparity.Height)
	}
	return c, nil
}

// Seeded reports whether tiles are bounded by a seed
func (c *Correlator) Seeded() bool { return c.seed != nil }

// Aligned reports whether tiles are locally aligned before matching
func (c *Correlator) Aligned() bool { return c.params.Aligner != nil }

// Bounds is the left image rectangle, which is also the output grid
func (c *Correlator) Bounds() image.Rectangle { return c.pair.Left.Bounds() }

// Compute returns the disparity of tile, sized like tile.Bounds.
// Tile-scoped failures are returned wrapped so the caller can substitute an
// all-invalid tile.
func (c *Correlator) Compute(ctx context.Context, tile models.Tile) (*models.DisparityRaster, error) {
	if c.params.Aligner != nil {
		return c.computeAligned(ctx, tile)
	}

	// Step 1: Search window of the tile
	window, err := c.tileWindow(ctx, tile)
	if err != nil {
		return nil, err
	}
	if window.Empty() {
		slog.WarnContext(ctx, "Tile search window is empty after clamping, leaving tile invalid",
			"tile", tile.Index, "window", window.String())
		return models.NewDisparityRaster(tile.Bounds.Dx(), tile.Bounds.Dy()), nil
	}

	// Step 2: Crop a left collar and the right region the window can reach
	leftRect := tile.Bounds.Inset(-c.params.Collar).Intersect(c.pair.Left.Bounds())
	rightRect := RightRegion(leftRect, window, c.params.Backend.Matcher).Intersect(c.pair.Right.Bounds())
	if leftRect.Empty() || rightRect.Empty() {
		slog.DebugContext(ctx, "Tile has no overlap with the right image", "tile", tile.Index)
		return models.NewDisparityRaster(tile.Bounds.Dx(), tile.Bounds.Dy()), nil
	}

	// Step 3: Correlate in crop coordinates
	offset := leftRect.Min.Sub(rightRect.Min)
	req := backend.Request{
		Left:   c.pair.Left.Sub(leftRect),
		Right:  c.pair.Right.Sub(rightRect),
		Window: window.Translate(float64(offset.X), float64(offset.Y)),
		Config: c.params.Backend,
	}
	if c.pair.LeftMask != nil {
		req.LeftMask = c.pair.LeftMask.Sub(leftRect)
	}
	if c.pair.RightMask != nil {
		req.RightMask = c.pair.RightMask.Sub(rightRect)
	}

	d, err := c.runner.Run(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tile %d: %w", tile.Index, err)
	}

	// Step 4: Back to image coordinates, cropped to the tile
	shift(d, -float64(offset.X), -float64(offset.Y))
	return d.Crop(tile.Bounds.Sub(leftRect.Min)), nil
}

// computeAligned runs the tile through local alignment. The search range is
// the disparity bound of the alignment. That bound lives in aligned
// coordinates, so the hard limit is applied to the unaligned vectors.
func (c *Correlator) computeAligned(ctx context.Context, tile models.Tile) (*models.DisparityRaster, error) {
	run := alignment.NewTileRun(tile)

	aligned, err := run.Pre(c.params.Aligner, c.pair, c.params.Collar)
	if err != nil {
		return nil, fmt.Errorf("tile %d: %w", tile.Index, err)
	}

	window := run.Alignment().Bound.GrowToInt()
	if window.Empty() {
		window = window.Expand(1, 1)
	}

	d, err := c.runner.Run(ctx, backend.Request{
		Left:      aligned.Left,
		Right:     aligned.Right,
		LeftMask:  aligned.LeftMask,
		RightMask: aligned.RightMask,
		Window:    window,
		Config:    c.params.Backend,
	})
	if err != nil {
		return nil, fmt.Errorf("tile %d: %w", tile.Index, err)
	}

	if err := run.Record(d); err != nil {
		return nil, fmt.Errorf("tile %d: %w", tile.Index, err)
	}
	out, err := run.Post()
	if err != nil {
		return nil, fmt.Errorf("tile %d: %w", tile.Index, err)
	}

	if !c.params.Limit.IsZero() {
		clampVectors(out, c.params.Limit)
	}
	return out, nil
}

// tileWindow picks the seeded local window or the run-wide one
func (c *Correlator) tileWindow(ctx context.Context, tile models.Tile) (models.SearchWindow, error) {
	if c.seed != nil {
		w, ok, err := LocalWindow(c.seed, tile.Bounds, c.upX, c.upY, c.params.Limit)
		if err != nil {
			return models.SearchWindow{}, err
		}
		if ok {
			slog.DebugContext(ctx, "Seeded tile window", "tile", tile.Index, "window", w.String())
			return w, nil
		}
		slog.DebugContext(ctx, "No valid seed under tile, using the run-wide window", "tile", tile.Index)
	}

	w := c.params.Window
	if !c.params.Limit.IsZero() {
		w = w.Intersect(c.params.Limit)
	}
	return w, nil
}

// RightRegion is the right image rectangle a left rectangle can match within
// window, grown by the kernel half size
func RightRegion(left image.Rectangle, window models.SearchWindow, p models.MatcherParams) image.Rectangle {
	hx, hy := p.KernelWidth/2, p.KernelHeight/2
	return image.Rect(
		left.Min.X+int(math.Floor(window.MinX))-hx,
		left.Min.Y+int(math.Floor(window.MinY))-hy,
		left.Max.X+int(math.Ceil(window.MaxX))+hx,
		left.Max.Y+int(math.Ceil(window.MaxY))+hy,
	)
}

// SeedRegion maps a full resolution rectangle to the seed pixels covering
// it, grown by one seed pixel and clipped to the seed
func SeedRegion(tile image.Rectangle, upX, upY float64, seedBounds image.Rectangle) image.Rectangle {
	r := image.Rect(
		int(math.Floor(float64(tile.Min.X)/upX)),
		int(math.Floor(float64(tile.Min.Y)/upY)),
		int(math.Ceil(float64(tile.Max.X)/upX)),
		int(math.Ceil(float64(tile.Max.Y)/upY)),
	)
	return r.Inset(-1).Intersect(seedBounds)
}

// ScaleWindow scales a seed resolution window to full resolution, rounding
// outward
func ScaleWindow(w models.SearchWindow, upX, upY float64) models.SearchWindow {
	return models.Window(
		math.Floor(w.MinX*upX),
		math.Floor(w.MinY*upY),
		math.Ceil(w.MaxX*upX),
		math.Ceil(w.MaxY*upY),
	)
}

// LocalWindow bounds the full resolution search of tile from the seed.
// The range of valid seed vectors under the tile is widened by the largest
// spread, rounded outward, grown by one, scaled up and clamped to limit.
// ok is false when no seed vector under the tile is valid.
func LocalWindow(seed *models.SeedMap, tile image.Rectangle, upX, upY float64, limit models.SearchWindow) (w models.SearchWindow, ok bool, err error) {
	if err := seed.Validate(); err != nil {
		return models.SearchWindow{}, false, err
	}

	region := SeedRegion(tile, upX, upY, seed.Disparity.Bounds())
	w, ok = rangeIn(seed.Disparity, region)
	if !ok {
		return models.SearchWindow{}, false, nil
	}

	if seed.HasSpread() {
		sx, sy := maxSpreadIn(seed.Spread, region)
		w = w.Expand(sx, sy)
	}

	w = ScaleWindow(w.GrowToInt().Expand(1, 1), upX, upY)
	if !limit.IsZero() {
		w = w.Intersect(limit)
	}
	return w, true, nil
}

func rangeIn(d *models.DisparityRaster, r image.Rectangle) (models.SearchWindow, bool) {
	w := models.Window(math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1))
	found := false
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			v := d.At(x, y)
			if !v.Valid {
				continue
			}
			found = true
			w.MinX = math.Min(w.MinX, v.DX)
			w.MinY = math.Min(w.MinY, v.DY)
			w.MaxX = math.Max(w.MaxX, v.DX)
			w.MaxY = math.Max(w.MaxY, v.DY)
		}
	}
	return w, found
}

func maxSpreadIn(s *models.DisparityRaster, r image.Rectangle) (float64, float64) {
	var sx, sy float64
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			v := s.At(x, y)
			if v.Valid {
				sx = math.Max(sx, math.Abs(v.DX))
				sy = math.Max(sy, math.Abs(v.DY))
			}
		}
	}
	return sx, sy
}

func shift(d *models.DisparityRaster, dx, dy float64) {
	for i, v := range d.Data {
		if v.Valid {
			d.Data[i].DX = v.DX + dx
			d.Data[i].DY = v.DY + dy
		}
	}
}

// clampVectors invalidates vectors outside the hard limit
func clampVectors(d *models.DisparityRaster, limit models.SearchWindow) {
	for i, v := range d.Data {
		if v.Valid && !limit.ContainsPoint(v.DX, v.DY) {
			d.Data[i] = models.DisparityVector{}
		}
	}
}

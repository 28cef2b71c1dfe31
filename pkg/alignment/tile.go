package alignment

import (
	"errors"
	"fmt"
	"image"
	"math"

	"stereocorr/internal/models"
)

// TileState tracks where a tile is in the align, match, unalign cycle
type TileState int

const (
	Untransformed TileState = iota
	Aligned
	Matched
)

func (s TileState) String() string {
	switch s {
	case Aligned:
		return "aligned"
	case Matched:
		return "matched"
	default:
		return "untransformed"
	}
}

var errTransition = errors.New("invalid tile state transition")

// Pair is a left/right image pair with optional masks
type Pair struct {
	Left, Right         *models.Image
	LeftMask, RightMask *models.Mask
}

// TileRun carries one tile through alignment. The alignment it holds is only
// used by this tile and is dropped when Post returns.
type TileRun struct {
	tile      models.Tile
	state     TileState
	alignment TileAlignment
	result    *models.DisparityRaster
}

// NewTileRun starts a tile in the untransformed state
func NewTileRun(tile models.Tile) *TileRun {
	return &TileRun{tile: tile}
}

// State returns the current state
func (r *TileRun) State() TileState { return r.state }

// Alignment returns the transform pair of an aligned or matched tile
func (r *TileRun) Alignment() TileAlignment { return r.alignment }

// Pre aligns the tile grown by collar pixels. On failure the tile stays
// untransformed and the error wraps ErrAlignmentFailure.
func (r *TileRun) Pre(aligner Aligner, full Pair, collar int) (Pair, error) {
	if r.state != Untransformed {
		return Pair{}, fmt.Errorf("pre in state %v: %w", r.state, errTransition)
	}

	window := r.tile.Bounds.Inset(-collar).Intersect(full.Left.Bounds())
	a, err := aligner.Align(window)
	if err != nil {
		return Pair{}, err
	}

	leftInv, err := a.Left.Inverse()
	if err != nil {
		return Pair{}, err
	}
	rightInv, err := a.Right.Inverse()
	if err != nil {
		return Pair{}, err
	}

	w, h := window.Dx(), window.Dy()
	out := Pair{}
	out.Left, out.LeftMask = warp(full.Left, full.LeftMask, leftInv, w, h)
	out.Right, out.RightMask = warp(full.Right, full.RightMask, rightInv, w, h)

	r.alignment = a
	r.state = Aligned
	return out, nil
}

// Record stores the matcher output computed on the aligned pair
func (r *TileRun) Record(d *models.DisparityRaster) error {
	if r.state != Aligned {
		return fmt.Errorf("record in state %v: %w", r.state, errTransition)
	}
	if d.Width != r.alignment.Window.Dx() || d.Height != r.alignment.Window.Dy() {
		return fmt.Errorf("aligned disparity is %dx%d, expected %dx%d: %w",
			d.Width, d.Height, r.alignment.Window.Dx(), r.alignment.Window.Dy(), models.ErrDimensionMismatch)
	}
	r.result = d
	r.state = Matched
	return nil
}

// Post maps the recorded disparity back to untransformed coordinates and
// crops it to the tile
func (r *TileRun) Post() (*models.DisparityRaster, error) {
	if r.state != Matched {
		return nil, fmt.Errorf("post in state %v: %w", r.state, errTransition)
	}

	full, err := Unalign(r.result, r.alignment)
	if err != nil {
		return nil, err
	}

	out := full.Crop(r.tile.Bounds.Sub(r.alignment.Window.Min))
	r.result = nil
	r.alignment = TileAlignment{}
	r.state = Untransformed
	return out, nil
}

// Unalign converts a disparity on the aligned grid to a disparity on the
// untransformed window. For a left pixel p with aligned position q = L(p),
// the aligned vector d at round(q) gives the right pixel R^-1(q + d).
// No interpolation is done; p is invalid when round(q) leaves the grid.
func Unalign(aligned *models.DisparityRaster, a TileAlignment) (*models.DisparityRaster, error) {
	rightInv, err := a.Right.Inverse()
	if err != nil {
		return nil, err
	}

	w, h := a.Window.Dx(), a.Window.Dy()
	out := models.NewDisparityRaster(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := models.Point2D{X: float64(a.Window.Min.X + x), Y: float64(a.Window.Min.Y + y)}
			q, ok := a.Left.Apply(p)
			if !ok {
				continue
			}
			d := aligned.At(int(math.Round(q.X)), int(math.Round(q.Y)))
			if !d.Valid {
				continue
			}
			rp, ok := rightInv.Apply(models.Point2D{X: q.X + d.DX, Y: q.Y + d.DY})
			if !ok {
				continue
			}
			out.Data[y*w+x] = models.DisparityVector{DX: rp.X - p.X, DY: rp.Y - p.Y, Valid: true}
		}
	}
	return out, nil
}

// warp resamples src on a w x h grid where grid position q reads src at inv(q).
// Samples need all four bilinear neighbours valid.
func warp(src *models.Image, mask *models.Mask, inv Transform, w, h int) (*models.Image, *models.Mask) {
	img := models.NewImage(w, h)
	m := models.NewMask(w, h, false)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			s, ok := inv.Apply(models.Point2D{X: float64(x), Y: float64(y)})
			if !ok {
				continue
			}
			x0, y0 := int(math.Floor(s.X)), int(math.Floor(s.Y))
			fx, fy := s.X-float64(x0), s.Y-float64(y0)

			// Exact grid hits only need one sample
			x1, y1 := x0+1, y0+1
			if fx < 1e-9 {
				x1 = x0
			}
			if fy < 1e-9 {
				y1 = y0
			}
			if !inside(src, mask, x0, y0) || !inside(src, mask, x1, y0) ||
				!inside(src, mask, x0, y1) || !inside(src, mask, x1, y1) {
				continue
			}

			top := src.At(x0, y0)*(1-fx) + src.At(x1, y0)*fx
			bot := src.At(x0, y1)*(1-fx) + src.At(x1, y1)*fx
			img.Pix[y*w+x] = top*(1-fy) + bot*fy
			m.Pix[y*w+x] = 255
		}
	}
	return img, m
}

func inside(img *models.Image, mask *models.Mask, x, y int) bool {
	return image.Pt(x, y).In(img.Bounds()) && mask.Valid(x, y)
}

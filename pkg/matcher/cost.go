package matcher

import (
	"math"

	"stereocorr/internal/models"
)

// coster evaluates the window cost between a left pixel and a displaced
// right pixel on one pyramid level
type coster struct {
	left, right  *models.Image
	lmask, rmask *models.Mask
	halfW, halfH int
	mode         models.CostMode
}

func newCoster(lv level, params models.MatcherParams) *coster {
	return &coster{
		left:  lv.left,
		right: lv.right,
		lmask: lv.lmask,
		rmask: lv.rmask,
		halfW: params.KernelWidth / 2,
		halfH: params.KernelHeight / 2,
		mode:  params.Cost,
	}
}

// usable reports whether (x, y) is a valid left pixel
func (c *coster) usable(x, y int) bool {
	return x >= 0 && y >= 0 && x < c.left.Width && y < c.left.Height &&
		c.lmask.Valid(x, y)
}

// cost returns the matching cost of left (x, y) against right (x+dx, y+dy).
// Kernels are clipped to both images; the match fails when the right centre
// is outside or masked, or when the overlap is smaller than a kernel quadrant.
func (c *coster) cost(x, y, dx, dy int) (float64, bool) {
	rx, ry := x+dx, y+dy
	if rx < 0 || ry < 0 || rx >= c.right.Width || ry >= c.right.Height ||
		!c.rmask.Valid(rx, ry) {
		return 0, false
	}

	lw, rw := c.left.Width, c.right.Width
	i0 := max(-c.halfW, -x, -rx)
	i1 := min(c.halfW, lw-1-x, rw-1-rx)
	j0 := max(-c.halfH, -y, -ry)
	j1 := min(c.halfH, c.left.Height-1-y, c.right.Height-1-ry)
	cnt := (i1 - i0 + 1) * (j1 - j0 + 1)
	if i1 < i0 || j1 < j0 || cnt < (c.halfW+1)*(c.halfH+1) {
		return 0, false
	}
	n := float64(cnt)

	switch c.mode {
	case models.CostNCC:
		var sl, sr, sll, srr, slr float64
		for j := j0; j <= j1; j++ {
			lrow := (y+j)*lw + x
			rrow := (ry+j)*rw + rx
			for i := i0; i <= i1; i++ {
				l := c.left.Pix[lrow+i]
				r := c.right.Pix[rrow+i]
				sl += l
				sr += r
				sll += l * l
				srr += r * r
				slr += l * r
			}
		}
		vl := sll - sl*sl/n
		vr := srr - sr*sr/n
		if vl <= 1e-12 || vr <= 1e-12 {
			return 1, true
		}
		ncc := (slr - sl*sr/n) / math.Sqrt(vl*vr)
		return 1 - ncc, true

	case models.CostSquared:
		var s float64
		for j := j0; j <= j1; j++ {
			lrow := (y+j)*lw + x
			rrow := (ry+j)*rw + rx
			for i := i0; i <= i1; i++ {
				d := c.left.Pix[lrow+i] - c.right.Pix[rrow+i]
				s += d * d
			}
		}
		return s / n, true

	default:
		var s float64
		for j := j0; j <= j1; j++ {
			lrow := (y+j)*lw + x
			rrow := (ry+j)*rw + rx
			for i := i0; i <= i1; i++ {
				s += math.Abs(c.left.Pix[lrow+i] - c.right.Pix[rrow+i])
			}
		}
		return s / n, true
	}
}

// best searches the inclusive integer range for the lowest cost
func (c *coster) best(x, y int, r intWindow) (cand, float64) {
	out := cand{}
	lowest := math.Inf(1)
	for dy := r.minY; dy <= r.maxY; dy++ {
		for dx := r.minX; dx <= r.maxX; dx++ {
			v, ok := c.cost(x, y, dx, dy)
			if ok && v < lowest {
				lowest = v
				out = cand{dx: dx, dy: dy, ok: true}
			}
		}
	}
	return out, lowest
}

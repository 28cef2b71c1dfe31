package matcher

import (
	"math"
	"math/rand"
	"time"

	"stereocorr/internal/models"
)

// subpixelOffset fits the costs around an integer disparity on each axis
// independently
func subpixelOffset(c *coster, x, y int, v cand, mode models.SubpixelMode) (float64, float64) {
	c0, ok := c.cost(x, y, v.dx, v.dy)
	if !ok {
		return 0, 0
	}

	ox, oy := 0.0, 0.0
	cm, okm := c.cost(x, y, v.dx-1, v.dy)
	cp, okp := c.cost(x, y, v.dx+1, v.dy)
	if okm && okp {
		ox = fitOffset(cm, c0, cp, mode)
	}
	cm, okm = c.cost(x, y, v.dx, v.dy-1)
	cp, okp = c.cost(x, y, v.dx, v.dy+1)
	if okm && okp {
		oy = fitOffset(cm, c0, cp, mode)
	}
	return ox, oy
}

// fitOffset returns the minimum of a parabola or of two lines of equal and
// opposite slope through three samples, clamped to half a pixel
func fitOffset(cm, c0, cp float64, mode models.SubpixelMode) float64 {
	var o float64
	switch mode {
	case models.SubpixelParabola:
		den := cm - 2*c0 + cp
		if den <= 0 {
			return 0
		}
		o = (cm - cp) / (2 * den)
	case models.SubpixelLinear:
		den := math.Max(cm, cp) - c0
		if den <= 0 {
			return 0
		}
		o = (cm - cp) / (2 * den)
	default:
		return 0
	}
	return math.Max(-0.5, math.Min(0.5, o))
}

// CalibrateSecondsPerOp times a block matching probe and returns the cost of
// one kernel pixel comparison
func CalibrateSecondsPerOp() float64 {
	const size = 48
	rng := rand.New(rand.NewSource(1))
	left := models.NewImage(size, size)
	right := models.NewImage(size, size)
	for i := range left.Pix {
		left.Pix[i] = rng.Float64()
		right.Pix[i] = rng.Float64()
	}

	p := models.DefaultMatcherParams()
	c := newCoster(level{left: left, right: right, scale: 1}, p)
	win := intWindow{minX: -2, minY: -1, maxX: 2, maxY: 1}

	start := time.Now()
	evals := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if c.usable(x, y) {
				c.best(x, y, win)
				evals += win.count()
			}
		}
	}
	elapsed := time.Since(start).Seconds()

	ops := float64(evals * p.KernelWidth * p.KernelHeight)
	if ops == 0 || elapsed <= 0 {
		return 1e-9
	}
	return elapsed / ops
}

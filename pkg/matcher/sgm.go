package matcher

import (
	"math"

	"stereocorr/internal/models"
)

// penaltyUnit converts penalties given in 8-bit intensity steps to the cost
// scale of images in the 0-1 range
const penaltyUnit = 1.0 / 255

var directions = [8][2]int{
	{1, 0}, {-1, 0}, {0, 1}, {0, -1},
	{1, 1}, {-1, -1}, {1, -1}, {-1, 1},
}

// semiGlobal builds the full cost volume of the window, aggregates it along
// the given number of scanline directions and keeps the lowest total cost
func semiGlobal(c *coster, w, h int, win intWindow, p models.MatcherParams, paths int) *grid {
	nx := win.maxX - win.minX + 1
	ny := win.maxY - win.minY + 1
	nd := win.count()
	g := newGrid(w, h)
	if nd == 0 {
		return g
	}

	cost := make([]float32, w*h*nd)
	valid := make([]bool, w*h*nd)
	highest := 0.0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !c.usable(x, y) {
				continue
			}
			base := (y*w + x) * nd
			for k := 0; k < nd; k++ {
				v, ok := c.cost(x, y, win.minX+k%nx, win.minY+k/nx)
				if !ok {
					continue
				}
				cost[base+k] = float32(v)
				valid[base+k] = true
				highest = math.Max(highest, v)
			}
		}
	}

	p1 := float32(p.Penalty1 * penaltyUnit)
	p2 := float32(p.Penalty2 * penaltyUnit)
	big := float32(highest) + p2
	for i := range cost {
		if !valid[i] {
			cost[i] = big
		}
	}

	neighbors := make([][]int, nd)
	for k := 0; k < nd; k++ {
		kx, ky := k%nx, k/nx
		for j := -1; j <= 1; j++ {
			for i := -1; i <= 1; i++ {
				if i == 0 && j == 0 {
					continue
				}
				if x, y := kx+i, ky+j; x >= 0 && y >= 0 && x < nx && y < ny {
					neighbors[k] = append(neighbors[k], y*nx+x)
				}
			}
		}
	}

	sum := make([]float32, w*h*nd)
	path := make([]float32, w*h*nd)
	for _, dir := range directions[:paths] {
		aggregate(cost, path, w, h, nd, dir, neighbors, p1, p2)
		for i := range sum {
			sum[i] += path[i]
		}
	}

	for i := 0; i < w*h; i++ {
		base := i * nd
		best, bestK := float32(math.Inf(1)), -1
		for k := 0; k < nd; k++ {
			if valid[base+k] && sum[base+k] < best {
				best, bestK = sum[base+k], k
			}
		}
		if bestK >= 0 {
			g.d[i] = cand{dx: win.minX + bestK%nx, dy: win.minY + bestK/nx, ok: true}
		}
	}
	return g
}

// aggregate fills out with the path costs along dir:
// L(p,k) = C(p,k) + min(L(q,k), min_n L(q,n)+P1, min L(q)+P2) - min L(q), q = p - dir
func aggregate(cost, out []float32, w, h, nd int, dir [2]int, neighbors [][]int, p1, p2 float32) {
	rx, ry := dir[0], dir[1]

	y0, y1, sy := 0, h, 1
	if ry < 0 {
		y0, y1, sy = h-1, -1, -1
	}
	x0, x1, sx := 0, w, 1
	if rx < 0 {
		x0, x1, sx = w-1, -1, -1
	}

	for y := y0; y != y1; y += sy {
		for x := x0; x != x1; x += sx {
			base := (y*w + x) * nd
			qx, qy := x-rx, y-ry
			if qx < 0 || qy < 0 || qx >= w || qy >= h {
				copy(out[base:base+nd], cost[base:base+nd])
				continue
			}

			prev := out[(qy*w+qx)*nd : (qy*w+qx)*nd+nd]
			minPrev := prev[0]
			for _, v := range prev[1:] {
				if v < minPrev {
					minPrev = v
				}
			}

			for k := 0; k < nd; k++ {
				best := prev[k]
				for _, n := range neighbors[k] {
					if v := prev[n] + p1; v < best {
						best = v
					}
				}
				if v := minPrev + p2; v < best {
					best = v
				}
				out[base+k] = cost[base+k] + best - minPrev
			}
		}
	}
}

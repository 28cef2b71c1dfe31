package lowres

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"stereocorr/internal/models"
)

// OutlierFilter removes unreliable vectors from a low-resolution disparity
// in place and returns how many it invalidated
type OutlierFilter interface {
	Apply(d *models.DisparityRaster) int
	Name() string
}

// ThresholdFilter invalidates vectors that disagree with too many of their
// neighbours. A neighbour agrees when it is within RejectThreshold on both
// axes; a vector survives when the agreeing fraction of its in-image
// neighbourhood is at least MinMatchFraction.
type ThresholdFilter struct {
	HalfKernel       int
	RejectThreshold  float64
	MinMatchFraction float64
}

// Name identifies the filter in logs
func (f ThresholdFilter) Name() string { return "threshold" }

// Apply runs the filter against a snapshot of d, so the result does not
// depend on scan order
func (f ThresholdFilter) Apply(d *models.DisparityRaster) int {
	src := make([]models.DisparityVector, len(d.Data))
	copy(src, d.Data)

	h := max(f.HalfKernel, 1)
	removed := 0

	for y := 0; y < d.Height; y++ {
		for x := 0; x < d.Width; x++ {
			c := src[y*d.Width+x]
			if !c.Valid {
				continue
			}

			matched, total := 0, 0
			for j := -h; j <= h; j++ {
				for i := -h; i <= h; i++ {
					if i == 0 && j == 0 {
						continue
					}
					nx, ny := x+i, y+j
					if nx < 0 || ny < 0 || nx >= d.Width || ny >= d.Height {
						continue
					}
					total++
					n := src[ny*d.Width+nx]
					if n.Valid && abs(n.DX-c.DX) <= f.RejectThreshold && abs(n.DY-c.DY) <= f.RejectThreshold {
						matched++
					}
				}
			}

			if total == 0 || float64(matched) < f.MinMatchFraction*float64(total) {
				d.Data[y*d.Width+x] = models.DisparityVector{}
				removed++
			}
		}
	}
	return removed
}

// QuantileFilter keeps vectors inside the band between the (1-Percentile)
// and Percentile quantiles, widened on each side by Multiple times the band
// width. Each axis is tested separately.
type QuantileFilter struct {
	Percentile float64
	Multiple   float64
}

// Name identifies the filter in logs
func (f QuantileFilter) Name() string { return "quantile" }

// Apply invalidates vectors outside the band on either axis
func (f QuantileFilter) Apply(d *models.DisparityRaster) int {
	var xs, ys []float64
	for _, v := range d.Data {
		if v.Valid {
			xs = append(xs, v.DX)
			ys = append(ys, v.DY)
		}
	}
	if len(xs) == 0 {
		return 0
	}

	loX, hiX := f.band(xs)
	loY, hiY := f.band(ys)

	removed := 0
	for i, v := range d.Data {
		if !v.Valid {
			continue
		}
		if v.DX < loX || v.DX > hiX || v.DY < loY || v.DY > hiY {
			d.Data[i] = models.DisparityVector{}
			removed++
		}
	}
	return removed
}

func (f QuantileFilter) band(values []float64) (float64, float64) {
	sort.Float64s(values)
	lo := stat.Quantile(1-f.Percentile, stat.Empirical, values, nil)
	hi := stat.Quantile(f.Percentile, stat.Empirical, values, nil)
	spread := f.Multiple * (hi - lo)
	return lo - spread, hi + spread
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

package matcher

import (
	"image"

	"stereocorr/internal/models"
)

// RemoveBlobs invalidates every 4-connected region of valid pixels whose
// area is at most maxArea and returns the number of pixels removed
func RemoveBlobs(d *models.DisparityRaster, maxArea int) int {
	if maxArea <= 0 {
		return 0
	}

	visited := make([]bool, len(d.Data))
	removed := 0
	var region []int
	for start := range d.Data {
		if visited[start] || !d.Data[start].Valid {
			continue
		}

		region = floodFill(d, visited, start, region[:0])
		if len(region) <= maxArea {
			for _, i := range region {
				d.Data[i] = models.DisparityVector{}
			}
			removed += len(region)
		}
	}
	return removed
}

// floodFill appends the indices of the valid region containing start
func floodFill(d *models.DisparityRaster, visited []bool, start int, region []int) []int {
	stack := []image.Point{{X: start % d.Width, Y: start / d.Width}}

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if p.X < 0 || p.X >= d.Width || p.Y < 0 || p.Y >= d.Height {
			continue
		}
		idx := p.Y*d.Width + p.X
		if visited[idx] || !d.Data[idx].Valid {
			continue
		}
		visited[idx] = true
		region = append(region, idx)

		stack = append(stack,
			image.Point{X: p.X - 1, Y: p.Y},
			image.Point{X: p.X + 1, Y: p.Y},
			image.Point{X: p.X, Y: p.Y - 1},
			image.Point{X: p.X, Y: p.Y + 1},
		)
	}
	return region
}

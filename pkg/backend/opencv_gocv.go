//go:build gocv

package backend

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"

	"gocv.io/x/gocv"

	"stereocorr/internal/models"
)

// runOpenCV matches every left block against its strip of candidate
// positions on the same row of the right image. Mode "bm" minimises the
// squared difference, any other mode maximises the normalised correlation.
func runOpenCV(ctx context.Context, req Request, opts options) (*models.DisparityRaster, error) {
	minDisp, maxDisp := disparityLimits(req.Window)

	block := opts.intValue("-block_size", 21)
	if block < 3 {
		block = 3
	}
	if block%2 == 0 {
		block++
	}
	half := block / 2
	texture := float64(opts.intValue("-texture_thresh", 0)) / 255

	mode := opts.values["-mode"]
	if req.Config.Algorithm == "opencv_bm" {
		mode = "bm"
	}
	method := gocv.TmCcoeffNormed
	if mode == "bm" {
		method = gocv.TmSqdiffNormed
	}

	left, err := toMat(req.Left)
	if err != nil {
		return nil, err
	}
	defer left.Close()
	right, err := toMat(req.Right)
	if err != nil {
		return nil, err
	}
	defer right.Close()

	w, h := req.Left.Width, req.Left.Height
	out := models.NewDisparityRaster(w, h)
	result := gocv.NewMat()
	defer result.Close()
	noMask := gocv.NewMat()
	defer noMask.Close()

	for y := half; y+half < h && y+half < req.Right.Height; y++ {
		for x := half; x+half < w; x++ {
			if !req.LeftMask.Valid(x, y) {
				continue
			}
			if texture > 0 && blockStdDev(req.Left, x, y, half) < texture {
				continue
			}

			x0 := max(x+minDisp-half, 0)
			x1 := min(x+maxDisp+half+1, req.Right.Width)
			if x1-x0 < block {
				continue
			}

			tmpl := left.Region(image.Rect(x-half, y-half, x+half+1, y+half+1))
			strip := right.Region(image.Rect(x0, y-half, x1, y+half+1))
			gocv.MatchTemplate(strip, tmpl, &result, method, noMask)
			_, _, minLoc, maxLoc := gocv.MinMaxLoc(result)
			tmpl.Close()
			strip.Close()

			loc := maxLoc
			if method == gocv.TmSqdiffNormed {
				loc = minLoc
			}
			rx := x0 + loc.X + half
			if !req.RightMask.Valid(rx, y) {
				continue
			}
			out.Data[y*w+x] = models.DisparityVector{DX: float64(rx - x), Valid: true}
		}
	}

	slog.DebugContext(ctx, "OpenCV template matching finished",
		"algorithm", req.Config.Algorithm, "block", block, "valid", out.ValidCount())
	return out, nil
}

func toMat(img *models.Image) (gocv.Mat, error) {
	m := gocv.NewMatWithSize(img.Height, img.Width, gocv.MatTypeCV32F)
	if m.Empty() {
		return m, fmt.Errorf("failed to allocate %dx%d matrix: %w", img.Width, img.Height, models.ErrBackendFailure)
	}
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			m.SetFloatAt(y, x, float32(img.Pix[y*img.Width+x]))
		}
	}
	return m, nil
}

func blockStdDev(img *models.Image, x, y, half int) float64 {
	var s, ss float64
	n := 0
	for j := y - half; j <= y+half; j++ {
		for i := x - half; i <= x+half; i++ {
			v := img.Pix[j*img.Width+i]
			s += v
			ss += v * v
			n++
		}
	}
	mean := s / float64(n)
	return math.Sqrt(math.Max(0, ss/float64(n)-mean*mean))
}

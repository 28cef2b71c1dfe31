package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"stereocorr/internal/models"
)

// Viewer renders disparity rasters as grayscale previews for inspecting
// intermediary results
type Viewer struct {
	// disparity is the raster being rendered
	disparity *models.DisparityRaster
}

// NewViewer creates a viewer for a disparity raster
func NewViewer(disparity *models.DisparityRaster) *Viewer {
	return &Viewer{disparity: disparity}
}

// ComponentRange returns the smallest and largest valid value of one
// disparity component. ok is false when no pixel is valid.
func (v *Viewer) ComponentRange(axis string) (lo, hi float64, ok bool, err error) {
	get, err := component(axis)
	if err != nil {
		return 0, 0, false, err
	}

	lo, hi = math.Inf(1), math.Inf(-1)
	for _, d := range v.disparity.Data {
		if !d.Valid {
			continue
		}
		ok = true
		lo = math.Min(lo, get(d))
		hi = math.Max(hi, get(d))
	}
	if !ok {
		return 0, 0, false, nil
	}
	return lo, hi, true, nil
}

// ExtractComponent renders one disparity component. Valid values are
// stretched over 1-65535 so that black only marks invalid pixels.
func (v *Viewer) ExtractComponent(axis string) (image.Image, error) {
	get, err := component(axis)
	if err != nil {
		return nil, err
	}
	lo, hi, _, err := v.ComponentRange(axis)
	if err != nil {
		return nil, err
	}

	scale := 0.0
	if hi > lo {
		scale = 65534 / (hi - lo)
	}

	w, h := v.disparity.Width, v.disparity.Height
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			d := v.disparity.At(x, y)
			if !d.Valid {
				continue
			}
			value := 1 + math.Round((get(d)-lo)*scale)
			img.SetGray16(x, y, color.Gray16{Y: uint16(math.Max(1, math.Min(65535, value)))})
		}
	}
	return img, nil
}

// SaveComponent saves a rendered component as a PNG image
func (v *Viewer) SaveComponent(img image.Image, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return png.Encode(file, img)
}

// SaveComponents writes prefix-x.png and prefix-y.png
func (v *Viewer) SaveComponents(prefix string) error {
	for _, axis := range []string{"x", "y"} {
		img, err := v.ExtractComponent(axis)
		if err != nil {
			return err
		}
		if err := v.SaveComponent(img, fmt.Sprintf("%s-%s.png", prefix, axis)); err != nil {
			return err
		}
	}
	return nil
}

// SaveDisparityPreview writes a grayscale PNG of one component of d
func SaveDisparityPreview(d *models.DisparityRaster, path, axis string) error {
	v := NewViewer(d)
	img, err := v.ExtractComponent(axis)
	if err != nil {
		return err
	}
	return v.SaveComponent(img, path)
}

func component(axis string) (func(models.DisparityVector) float64, error) {
	switch axis {
	case "x", "X":
		return func(d models.DisparityVector) float64 { return d.DX }, nil
	case "y", "Y":
		return func(d models.DisparityVector) float64 { return d.DY }, nil
	}
	return nil, fmt.Errorf("invalid axis: %s (must be x or y)", axis)
}

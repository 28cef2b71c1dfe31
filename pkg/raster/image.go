// Package raster reads and writes the images, masks and disparity artifacts
// exchanged between correlation stages.
package raster

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"

	"golang.org/x/image/tiff"

	"stereocorr/internal/models"
)

// ReadImage loads a TIFF, PNG or JPEG file as a single band image in the 0-1 range
func ReadImage(path string) (*models.Image, error) {
	img, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	return imageToFloat(img), nil
}

// ReadMask loads a mask image; nonzero pixels are valid
func ReadMask(path string) (*models.Mask, error) {
	img, err := decodeFile(path)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	m := models.NewMask(bounds.Dx(), bounds.Dy(), false)
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			r, _, _, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			if r != 0 {
				m.Pix[y*m.Width+x] = 255
			}
		}
	}
	return m, nil
}

// WriteImageTIFF writes img as a 16-bit TIFF, stretching its range to the full
// 16 bits. Pixels masked out by mask are written as 0.
func WriteImageTIFF(path string, img *models.Image, mask *models.Mask) error {
	lo, hi := math.Inf(1), math.Inf(-1)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			if mask != nil && !mask.Valid(x, y) {
				continue
			}
			v := img.Pix[y*img.Width+x]
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	scale := 0.0
	if hi > lo {
		scale = 65534.0 / (hi - lo)
	}

	out := image.NewGray16(image.Rect(0, 0, img.Width, img.Height))
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			if mask != nil && !mask.Valid(x, y) {
				continue
			}
			v := (img.Pix[y*img.Width+x]-lo)*scale + 1
			out.SetGray16(x, y, color.Gray16{Y: uint16(math.Round(v))})
		}
	}

	return encodeTIFF(path, out)
}

// WriteMaskTIFF writes mask as an 8-bit TIFF
func WriteMaskTIFF(path string, mask *models.Mask) error {
	out := image.NewGray(image.Rect(0, 0, mask.Width, mask.Height))
	copy(out.Pix, mask.Pix)
	return encodeTIFF(path, out)
}

// ReadMaskTIFF reads a mask written by an external program
func ReadMaskTIFF(path string) (*models.Mask, error) {
	return ReadMask(path)
}

func encodeTIFF(path string, img image.Image) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return file.Close()
}

// decodeFile loads an image from a file using the registered decoders
func decodeFile(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// imageToFloat converts a single image to a float image in the 0-1 range
func imageToFloat(img image.Image) *models.Image {
	bounds := img.Bounds()
	out := models.NewImage(bounds.Dx(), bounds.Dy())

	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			g := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
			out.Pix[y*out.Width+x] = float64(g.Y) / 65535.0
		}
	}

	return out
}

// Downsample reduces img by an integer factor with box averaging over valid pixels
func Downsample(img *models.Image, mask *models.Mask, factor int) *models.Image {
	if factor <= 1 {
		return img.Sub(img.Bounds())
	}
	w, h := subSize(img.Width, factor), subSize(img.Height, factor)
	out := models.NewImage(w, h)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum, n := 0.0, 0
			for j := 0; j < factor; j++ {
				for i := 0; i < factor; i++ {
					sx, sy := x*factor+i, y*factor+j
					if sx >= img.Width || sy >= img.Height {
						continue
					}
					if mask != nil && !mask.Valid(sx, sy) {
						continue
					}
					sum += img.Pix[sy*img.Width+sx]
					n++
				}
			}
			if n > 0 {
				out.Pix[y*w+x] = sum / float64(n)
			}
		}
	}

	return out
}

// DownsampleMask reduces mask by factor; a low resolution pixel is valid when
// at least half of its source block is valid
func DownsampleMask(mask *models.Mask, factor int) *models.Mask {
	if factor <= 1 {
		return mask.Sub(image.Rect(0, 0, mask.Width, mask.Height))
	}
	w, h := subSize(mask.Width, factor), subSize(mask.Height, factor)
	out := models.NewMask(w, h, false)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			valid, total := 0, 0
			for j := 0; j < factor; j++ {
				for i := 0; i < factor; i++ {
					sx, sy := x*factor+i, y*factor+j
					if sx >= mask.Width || sy >= mask.Height {
						continue
					}
					total++
					if mask.Valid(sx, sy) {
						valid++
					}
				}
			}
			if total > 0 && 2*valid >= total {
				out.Pix[y*w+x] = 255
			}
		}
	}

	return out
}

func subSize(n, factor int) int {
	s := n / factor
	if s < 1 {
		s = 1
	}
	return s
}

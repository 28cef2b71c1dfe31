package raster

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"

	"stereocorr/internal/models"
)

// Artifact headers. Each is followed by one or more gonum binary matrices.
const (
	vectorMagic = "SCDISP2\n"
	scalarMagic = "SCDISP1\n"
)

var errMalformed = errors.New("malformed disparity file")

// WriteDisparity stores a 2D disparity raster as three matrices: dx, dy and
// validity. Invalid pixels store zero offsets.
func WriteDisparity(path string, r *models.DisparityRaster) error {
	if r.Width == 0 || r.Height == 0 {
		return fmt.Errorf("cannot write empty disparity raster to %s", path)
	}

	dx := mat.NewDense(r.Height, r.Width, nil)
	dy := mat.NewDense(r.Height, r.Width, nil)
	valid := mat.NewDense(r.Height, r.Width, nil)
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			v := r.Data[y*r.Width+x]
			if !v.Valid {
				continue
			}
			dx.Set(y, x, v.DX)
			dy.Set(y, x, v.DY)
			valid.Set(y, x, 1)
		}
	}

	return writeMatrices(path, vectorMagic, dx, dy, valid)
}

// ReadDisparity loads a raster written by WriteDisparity
func ReadDisparity(path string) (*models.DisparityRaster, error) {
	ms, err := readMatrices(path, vectorMagic, 3)
	if err != nil {
		return nil, err
	}
	dx, dy, valid := ms[0], ms[1], ms[2]

	h, w := dx.Dims()
	if rh, rw := dy.Dims(); rh != h || rw != w {
		return nil, fmt.Errorf("%s: %w", path, errMalformed)
	}
	if rh, rw := valid.Dims(); rh != h || rw != w {
		return nil, fmt.Errorf("%s: %w", path, errMalformed)
	}

	r := models.NewDisparityRaster(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if valid.At(y, x) == 0 {
				continue
			}
			r.Data[y*w+x] = models.DisparityVector{DX: dx.At(y, x), DY: dy.At(y, x), Valid: true}
		}
	}
	return r, nil
}

// WriteScalarDisparity stores the horizontal component of r as a single
// matrix with NaN for invalid pixels. This is the format 1D backends produce.
func WriteScalarDisparity(path string, r *models.DisparityRaster) error {
	if r.Width == 0 || r.Height == 0 {
		return fmt.Errorf("cannot write empty disparity raster to %s", path)
	}

	d := mat.NewDense(r.Height, r.Width, nil)
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			v := r.Data[y*r.Width+x]
			if v.Valid {
				d.Set(y, x, v.DX)
			} else {
				d.Set(y, x, math.NaN())
			}
		}
	}

	return writeMatrices(path, scalarMagic, d)
}

// ReadScalarDisparity loads a scalar disparity; DY of every valid vector is 0
func ReadScalarDisparity(path string) (*models.DisparityRaster, error) {
	ms, err := readMatrices(path, scalarMagic, 1)
	if err != nil {
		return nil, err
	}
	d := ms[0]

	h, w := d.Dims()
	r := models.NewDisparityRaster(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := d.At(y, x)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			r.Data[y*w+x] = models.DisparityVector{DX: v, Valid: true}
		}
	}
	return r, nil
}

// WriteMatrix stores a single matrix with no header
func WriteMatrix(path string, m *mat.Dense) error {
	return writeMatrices(path, "", m)
}

// ReadMatrix loads a matrix written by WriteMatrix
func ReadMatrix(path string) (*mat.Dense, error) {
	ms, err := readMatrices(path, "", 1)
	if err != nil {
		return nil, err
	}
	return ms[0], nil
}

func writeMatrices(path, magic string, ms ...*mat.Dense) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	w := bufio.NewWriter(file)
	if _, err := io.WriteString(w, magic); err != nil {
		file.Close()
		return err
	}
	for _, m := range ms {
		if _, err := m.MarshalBinaryTo(w); err != nil {
			file.Close()
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func readMatrices(path, magic string, n int) ([]*mat.Dense, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := bufio.NewReader(file)
	if magic != "" {
		head := make([]byte, len(magic))
		if _, err := io.ReadFull(r, head); err != nil || string(head) != magic {
			return nil, fmt.Errorf("%s: %w", path, errMalformed)
		}
	}

	out := make([]*mat.Dense, 0, n)
	for i := 0; i < n; i++ {
		var m mat.Dense
		if _, err := m.UnmarshalBinaryFrom(r); err != nil {
			return nil, fmt.Errorf("%s: %w: %v", path, errMalformed, err)
		}
		out = append(out, &m)
	}
	return out, nil
}

// IsMalformed reports whether err came from a corrupt artifact
func IsMalformed(err error) bool {
	return errors.Is(err, errMalformed)
}

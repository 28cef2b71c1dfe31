// Package alignment computes per-tile geometric transforms that make a tile
// pair look rectified to one-dimensional matchers, and maps the matcher's
// result back to the untransformed tile.
package alignment

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"

	"stereocorr/internal/models"
	"stereocorr/pkg/raster"
)

// Transform is a 2D projective map stored as a 3x3 homogeneous matrix.
// The zero value is the identity.
type Transform struct {
	h *mat.Dense
}

// Identity returns the identity transform
func Identity() Transform {
	return Transform{h: mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})}
}

// Affine builds x' = a*x + b*y + tx, y' = c*x + d*y + ty
func Affine(a, b, tx, c, d, ty float64) Transform {
	return Transform{h: mat.NewDense(3, 3, []float64{a, b, tx, c, d, ty, 0, 0, 1})}
}

// Translation shifts points by (tx, ty)
func Translation(tx, ty float64) Transform {
	return Affine(1, 0, tx, 0, 1, ty)
}

// FromMatrix wraps a 3x3 matrix
func FromMatrix(m mat.Matrix) (Transform, error) {
	if r, c := m.Dims(); r != 3 || c != 3 {
		return Transform{}, fmt.Errorf("transform must be 3x3, got %dx%d", r, c)
	}
	return Transform{h: mat.DenseCopyOf(m)}, nil
}

func (t Transform) matrix() *mat.Dense {
	if t.h == nil {
		return Identity().h
	}
	return t.h
}

// Matrix returns a copy of the homogeneous matrix
func (t Transform) Matrix() *mat.Dense {
	return mat.DenseCopyOf(t.matrix())
}

// Apply maps p. The second result is false when p maps to infinity.
func (t Transform) Apply(p models.Point2D) (models.Point2D, bool) {
	h := t.matrix()
	x := h.At(0, 0)*p.X + h.At(0, 1)*p.Y + h.At(0, 2)
	y := h.At(1, 0)*p.X + h.At(1, 1)*p.Y + h.At(1, 2)
	w := h.At(2, 0)*p.X + h.At(2, 1)*p.Y + h.At(2, 2)
	if w == 0 {
		return p, false
	}
	return models.Point2D{X: x / w, Y: y / w}, true
}

// Inverse returns the inverse transform. Singular transforms fail with
// ErrAlignmentFailure.
func (t Transform) Inverse() (Transform, error) {
	h := t.matrix()
	if det := mat.Det(h); det == 0 || math.IsNaN(det) {
		return Transform{}, fmt.Errorf("singular transform: %w", models.ErrAlignmentFailure)
	}

	var inv mat.Dense
	if err := inv.Inverse(h); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return Transform{}, fmt.Errorf("inverting transform: %v: %w", err, models.ErrAlignmentFailure)
		}
	}
	return Transform{h: &inv}, nil
}

// Then returns the transform applying t first and o second
func (t Transform) Then(o Transform) Transform {
	var out mat.Dense
	out.Mul(o.matrix(), t.matrix())
	return Transform{h: &out}
}

// Linear maps a disparity vector through the linear part of an affine transform
func (t Transform) Linear(dx, dy float64) (float64, float64) {
	h := t.matrix()
	return h.At(0, 0)*dx + h.At(0, 1)*dy, h.At(1, 0)*dx + h.At(1, 1)*dy
}

// ReadTransform loads an alignment matrix file. A missing file is the identity.
func ReadTransform(path string) (Transform, error) {
	if !raster.Exists(path) {
		return Identity(), nil
	}
	m, err := raster.ReadMatrix(path)
	if err != nil {
		return Transform{}, err
	}
	return FromMatrix(m)
}

// WriteTransform stores t for a later stage
func WriteTransform(path string, t Transform) error {
	if err := raster.WriteMatrix(path, t.matrix()); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

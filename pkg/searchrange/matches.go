package searchrange

import (
	"context"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/mat"

	"stereocorr/internal/models"
	"stereocorr/pkg/alignment"
	"stereocorr/pkg/raster"
)

// DeriveFunc produces the match file at path, e.g. by running interest
// point detection and matching
type DeriveFunc func(ctx context.Context, path string) error

// WriteMatchFile stores matches as an N x 4 matrix of lx, ly, rx, ry
func WriteMatchFile(path string, matches []models.Match) error {
	if len(matches) == 0 {
		return fmt.Errorf("no matches to write to %s", path)
	}
	m := mat.NewDense(len(matches), 4, nil)
	for i, mt := range matches {
		m.SetRow(i, []float64{mt.Left.X, mt.Left.Y, mt.Right.X, mt.Right.Y})
	}
	return raster.WriteMatrix(path, m)
}

// ReadMatchFile loads matches written by WriteMatchFile
func ReadMatchFile(path string) ([]models.Match, error) {
	m, err := raster.ReadMatrix(path)
	if err != nil {
		return nil, fmt.Errorf("reading match file: %w", err)
	}
	rows, cols := m.Dims()
	if cols != 4 {
		return nil, fmt.Errorf("match file %s has %d columns, expected 4", path, cols)
	}

	out := make([]models.Match, rows)
	for i := range out {
		out[i] = models.Match{
			Left:  models.Point2D{X: m.At(i, 0), Y: m.At(i, 1)},
			Right: models.Point2D{X: m.At(i, 2), Y: m.At(i, 3)},
		}
	}
	return out, nil
}

// EnsureMatches loads the match file, deriving it first when it is missing
// or older than any source. Without a deriver a missing file fails with
// ErrMissingArtifact.
func EnsureMatches(ctx context.Context, path string, sources []string, derive DeriveFunc) ([]models.Match, error) {
	if !raster.IsLatest(path, sources...) {
		if derive == nil {
			if !raster.Exists(path) {
				return nil, fmt.Errorf("match file %s: %w", path, models.ErrMissingArtifact)
			}
			slog.Warn("Match file is older than its inputs and cannot be rebuilt", "path", path)
		} else {
			slog.Info("Deriving interest point matches", "path", path)
			if err := derive(ctx, path); err != nil {
				return nil, fmt.Errorf("deriving matches: %w", err)
			}
		}
	}

	matches, err := ReadMatchFile(path)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, models.ErrMissingArtifact)
	}
	return matches, nil
}

// AdjustForAlignment maps left points through left and right points through
// right. Pairs that map to infinity keep their original coordinates.
func AdjustForAlignment(matches []models.Match, left, right alignment.Transform) []models.Match {
	out := make([]models.Match, len(matches))
	for i, m := range matches {
		out[i] = m
		l, okL := left.Apply(m.Left)
		r, okR := right.Apply(m.Right)
		if !okL || !okR {
			continue
		}
		out[i] = models.Match{Left: l, Right: r}
	}
	return out
}

// LoadAlignment reads the left and right alignment matrices. Missing files
// are the identity.
func LoadAlignment(leftPath, rightPath string) (alignment.Transform, alignment.Transform, error) {
	l, err := alignment.ReadTransform(leftPath)
	if err != nil {
		return alignment.Transform{}, alignment.Transform{}, fmt.Errorf("left alignment: %w", err)
	}
	r, err := alignment.ReadTransform(rightPath)
	if err != nil {
		return alignment.Transform{}, alignment.Transform{}, fmt.Errorf("right alignment: %w", err)
	}
	return l, r, nil
}

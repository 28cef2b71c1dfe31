package lowres

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"

	"stereocorr/internal/models"
	"stereocorr/pkg/raster"
)

// SeedPath is the low-resolution disparity artifact of a run
func SeedPath(prefix string) string { return prefix + "-D_sub.bin" }

// SpreadPath is the optional spread artifact stored next to the seed
func SpreadPath(prefix string) string { return prefix + "-D_sub_spread.bin" }

// LoadSeed reads the seed artifacts written under prefix. A missing seed is
// always an error; a missing spread is one only when requireSpread is set.
func LoadSeed(prefix string, requireSpread bool) (*models.SeedMap, error) {
	d, err := raster.ReadDisparity(SeedPath(prefix))
	if err != nil {
		return nil, fmt.Errorf("low-resolution disparity %s: %w", SeedPath(prefix), errors.Join(err, models.ErrMissingArtifact))
	}
	seed := &models.SeedMap{Disparity: d}

	spread, err := raster.ReadDisparity(SpreadPath(prefix))
	switch {
	case err == nil:
		seed.Spread = spread
	case requireSpread || !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("disparity spread %s: %w", SpreadPath(prefix), errors.Join(err, models.ErrMissingArtifact))
	}

	if err := seed.Validate(); err != nil {
		return nil, fmt.Errorf("seed artifacts under %s: %w", prefix, err)
	}
	return seed, nil
}

// SearchRangeFromSeed scales the extent of the valid seed vectors to full
// resolution, rounding outward
func SearchRangeFromSeed(seed *models.DisparityRaster, scaleX, scaleY float64) (models.SearchWindow, error) {
	w, ok := seed.Range()
	if !ok {
		return models.SearchWindow{}, fmt.Errorf("low-resolution disparity has no valid pixels: %w", models.ErrEmptySearchWindow)
	}
	return models.Window(
		math.Floor(w.MinX*scaleX),
		math.Floor(w.MinY*scaleY),
		math.Ceil(w.MaxX*scaleX),
		math.Ceil(w.MaxY*scaleY),
	), nil
}

// removeIfExists deletes path, ignoring a missing file
func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

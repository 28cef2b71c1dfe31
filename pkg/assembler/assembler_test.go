package assembler

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stereocorr/internal/models"
	"stereocorr/pkg/raster"
)

// constant returns a tile filled with a vector that encodes the tile index
func constant(tile models.Tile) *models.DisparityRaster {
	d := models.NewDisparityRaster(tile.Bounds.Dx(), tile.Bounds.Dy())
	for i := range d.Data {
		d.Data[i] = models.DisparityVector{DX: float64(tile.Index), DY: -1, Valid: true}
	}
	return d
}

func TestPartition(t *testing.T) {
	tiles := Partition(image.Rect(0, 0, 100, 70), 32)
	require.Len(t, tiles, 12)

	area := 0
	for i, tile := range tiles {
		assert.Equal(t, i, tile.Index)
		area += tile.Bounds.Dx() * tile.Bounds.Dy()
	}
	assert.Equal(t, 100*70, area)
	assert.Equal(t, image.Rect(96, 64, 100, 70), tiles[11].Bounds)

	assert.Nil(t, Partition(image.Rect(0, 0, 10, 10), 0))
	assert.NoError(t, checkTiles(image.Rect(0, 0, 100, 70), tiles))
}

func TestAssemble(t *testing.T) {
	bounds := image.Rect(0, 0, 64, 48)
	tiles := Partition(bounds, 16)

	out, report, err := Assemble(context.Background(), bounds, tiles,
		func(_ context.Context, tile models.Tile) (*models.DisparityRaster, error) {
			return constant(tile), nil
		}, 3)
	require.NoError(t, err)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 64*48, report.Valid)

	for _, tile := range tiles {
		v := out.At(tile.Bounds.Min.X, tile.Bounds.Min.Y)
		assert.Equal(t, float64(tile.Index), v.DX)
	}
}

func TestAssembleIsolatesTileFailures(t *testing.T) {
	bounds := image.Rect(0, 0, 64, 64)
	tiles := Partition(bounds, 16)
	before := testutil.ToFloat64(tilesTotal.WithLabelValues(outcomePlaceholder))

	tests := []struct {
		name string
		err  error
	}{
		{"backend", fmt.Errorf("timeout: %w", models.ErrBackendFailure)},
		{"alignment", fmt.Errorf("fit: %w", models.ErrAlignmentFailure)},
		{"mis-sized", nil},
	}
	for n, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const failing = 5
			out, report, err := Assemble(context.Background(), bounds, tiles,
				func(_ context.Context, tile models.Tile) (*models.DisparityRaster, error) {
					if tile.Index != failing {
						return constant(tile), nil
					}
					if tt.err != nil {
						return nil, tt.err
					}
					return models.NewDisparityRaster(3, 3), nil
				}, 4)
			require.NoError(t, err)
			assert.Equal(t, []int{failing}, report.Failed)
			assert.Equal(t, 64*64-16*16, report.Valid)

			for _, tile := range tiles {
				for y := tile.Bounds.Min.Y; y < tile.Bounds.Max.Y; y++ {
					for x := tile.Bounds.Min.X; x < tile.Bounds.Max.X; x++ {
						v := out.At(x, y)
						if tile.Index == failing {
							require.False(t, v.Valid)
							continue
						}
						require.True(t, v.Valid)
						require.Equal(t, float64(tile.Index), v.DX)
					}
				}
			}

			assert.Equal(t, before+float64(n+1), testutil.ToFloat64(tilesTotal.WithLabelValues(outcomePlaceholder)))
		})
	}
}

func TestAssembleAbortsOnRunScopedError(t *testing.T) {
	bounds := image.Rect(0, 0, 64, 64)
	var calls atomic.Int32

	_, _, err := Assemble(context.Background(), bounds, Partition(bounds, 16),
		func(ctx context.Context, tile models.Tile) (*models.DisparityRaster, error) {
			calls.Add(1)
			if tile.Index == 0 {
				return nil, fmt.Errorf("seed: %w", models.ErrMissingArtifact)
			}
			return constant(tile), nil
		}, 1)
	assert.ErrorIs(t, err, models.ErrMissingArtifact)
	assert.Less(t, calls.Load(), int32(16))
}

func TestAssembleRejectsBadLayout(t *testing.T) {
	bounds := image.Rect(0, 0, 32, 32)
	compute := func(_ context.Context, tile models.Tile) (*models.DisparityRaster, error) {
		return constant(tile), nil
	}

	_, _, err := Assemble(context.Background(), bounds, []models.Tile{
		{Index: 0, Bounds: image.Rect(0, 0, 20, 20)},
		{Index: 1, Bounds: image.Rect(16, 16, 32, 32)},
	}, compute, 2)
	assert.True(t, errors.Is(err, errTileLayout))

	_, _, err = Assemble(context.Background(), bounds, []models.Tile{
		{Index: 0, Bounds: image.Rect(24, 24, 40, 40)},
	}, compute, 2)
	assert.True(t, errors.Is(err, errTileLayout))
}

func TestCompose(t *testing.T) {
	dir := t.TempDir()
	tiles := Partition(image.Rect(0, 0, 40, 24), 16)
	require.Len(t, tiles, 6)

	var artifacts []Artifact
	for _, tile := range tiles {
		path := filepath.Join(dir, fmt.Sprintf("run-%d-D.bin", tile.Index))
		switch tile.Index {
		case 1:
			// never written
		case 4:
			require.NoError(t, raster.WriteDisparity(path, models.NewDisparityRaster(2, 2)))
		default:
			require.NoError(t, raster.WriteDisparity(path, constant(tile)))
		}
		artifacts = append(artifacts, Artifact{Tile: tile, Path: path})
	}

	out, report, err := Compose(context.Background(), 40, 24, artifacts)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4}, report.Failed)
	assert.False(t, out.At(16, 0).Valid)
	assert.False(t, out.At(16, 16).Valid)
	assert.Equal(t, 5.0, out.At(39, 23).DX)
	assert.Equal(t, 40*24-16*16-16*8, report.Valid)
}

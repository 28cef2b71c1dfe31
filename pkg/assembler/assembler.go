// Package assembler splits the output raster into tiles, computes them in
// parallel and writes every result into one disparity raster. A tile that
// fails on its own is replaced by invalid pixels; any other failure stops
// the run.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"stereocorr/internal/models"
	"stereocorr/pkg/raster"
)

// ComputeFunc produces the disparity of one tile, sized like tile.Bounds
type ComputeFunc func(ctx context.Context, tile models.Tile) (*models.DisparityRaster, error)

// Report summarises an assembly
type Report struct {
	Tiles int

	// Failed lists the indices of tiles replaced by invalid pixels
	Failed []int

	Valid   int
	Elapsed time.Duration
}

// Partition splits bounds into size x size tiles in row-major order. Tiles
// on the right and bottom edges are cut to fit.
func Partition(bounds image.Rectangle, size int) []models.Tile {
	if size < 1 || bounds.Empty() {
		return nil
	}

	var tiles []models.Tile
	for y := bounds.Min.Y; y < bounds.Max.Y; y += size {
		for x := bounds.Min.X; x < bounds.Max.X; x += size {
			r := image.Rect(x, y, x+size, y+size).Intersect(bounds)
			tiles = append(tiles, models.Tile{Index: len(tiles), Bounds: r})
		}
	}
	return tiles
}

// Assemble computes every tile with at most workers running at once and
// pastes the results into a raster covering bounds. Tiles must lie inside
// bounds and must not overlap.
func Assemble(ctx context.Context, bounds image.Rectangle, tiles []models.Tile, compute ComputeFunc, workers int) (*models.DisparityRaster, Report, error) {
	start := time.Now()
	if err := checkTiles(bounds, tiles); err != nil {
		return nil, Report{}, err
	}

	out := models.NewDisparityRaster(bounds.Dx(), bounds.Dy())
	report := Report{Tiles: len(tiles)}
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}

	for _, tile := range tiles {
		tile := tile
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}

			d, err := compute(gCtx, tile)
			if err == nil && (d.Width != tile.Bounds.Dx() || d.Height != tile.Bounds.Dy()) {
				err = fmt.Errorf("tile %d result is %dx%d, expected %dx%d: %w",
					tile.Index, d.Width, d.Height, tile.Bounds.Dx(), tile.Bounds.Dy(), models.ErrDimensionMismatch)
			}

			if err != nil {
				if !models.IsTileScoped(err) {
					return err
				}
				slog.WarnContext(gCtx, "Tile failed, leaving it invalid",
					"tile", tile.Index, "bounds", tile.Bounds.String(), "error", err)
				tilesTotal.WithLabelValues(outcomePlaceholder).Inc()
				mu.Lock()
				report.Failed = append(report.Failed, tile.Index)
				mu.Unlock()
				return nil
			}

			// Tiles are disjoint, so concurrent pastes touch different pixels
			out.Paste(d, tile.Bounds.Min.Sub(bounds.Min))
			tilesTotal.WithLabelValues(outcomeOK).Inc()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, Report{}, err
	}

	slices.Sort(report.Failed)
	report.Valid = out.ValidCount()
	report.Elapsed = time.Since(start)
	slog.InfoContext(ctx, "Tiles assembled",
		"tiles", report.Tiles,
		"failed", len(report.Failed),
		"valid", report.Valid,
		"elapsed", report.Elapsed)

	return out, report, nil
}

// Artifact is the stored result of one tile
type Artifact struct {
	Tile models.Tile
	Path string
}

// Compose builds a width x height raster from per-tile artifacts. A missing,
// unreadable or mis-sized artifact leaves its tile invalid.
func Compose(ctx context.Context, width, height int, artifacts []Artifact) (*models.DisparityRaster, Report, error) {
	start := time.Now()
	bounds := image.Rect(0, 0, width, height)

	tiles := make([]models.Tile, len(artifacts))
	for i, a := range artifacts {
		tiles[i] = a.Tile
	}
	if err := checkTiles(bounds, tiles); err != nil {
		return nil, Report{}, err
	}

	out := models.NewDisparityRaster(width, height)
	report := Report{Tiles: len(artifacts)}

	for _, a := range artifacts {
		d, err := raster.ReadDisparity(a.Path)
		if err == nil && (d.Width != a.Tile.Bounds.Dx() || d.Height != a.Tile.Bounds.Dy()) {
			err = fmt.Errorf("artifact is %dx%d, tile is %dx%d: %w",
				d.Width, d.Height, a.Tile.Bounds.Dx(), a.Tile.Bounds.Dy(), models.ErrDimensionMismatch)
		}
		if err != nil {
			slog.WarnContext(ctx, "Tile artifact unusable, leaving it invalid",
				"tile", a.Tile.Index, "path", a.Path, "error", err)
			tilesTotal.WithLabelValues(outcomePlaceholder).Inc()
			report.Failed = append(report.Failed, a.Tile.Index)
			continue
		}
		out.Paste(d, a.Tile.Bounds.Min)
		tilesTotal.WithLabelValues(outcomeOK).Inc()
	}

	report.Valid = out.ValidCount()
	report.Elapsed = time.Since(start)
	return out, report, nil
}

var errTileLayout = errors.New("invalid tile layout")

// checkTiles rejects tiles outside bounds and overlapping tiles
func checkTiles(bounds image.Rectangle, tiles []models.Tile) error {
	for i, t := range tiles {
		if t.Bounds.Empty() || !t.Bounds.In(bounds) {
			return fmt.Errorf("tile %d %v is not inside %v: %w", t.Index, t.Bounds, bounds, errTileLayout)
		}
		for _, o := range tiles[:i] {
			if t.Bounds.Overlaps(o.Bounds) {
				return fmt.Errorf("tiles %d and %d overlap: %w", o.Index, t.Index, errTileLayout)
			}
		}
	}
	return nil
}

// Package lowres produces the low-resolution disparity that seeds full
// resolution correlation, and caches it between runs.
package lowres

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"stereocorr/internal/models"
	"stereocorr/pkg/backend"
	"stereocorr/pkg/raster"
)

// timeoutFactor scales the per-tile timeout for the single low-resolution run
const timeoutFactor = 5

// seedAlgorithm correlates the seed when the configured algorithm is not an
// in-process pyramid matcher
const seedAlgorithm = "asp_mgm"

// Runner is the backend contract the producer needs
type Runner interface {
	Run(ctx context.Context, req backend.Request) (*models.DisparityRaster, error)
}

// Params configures the producer
type Params struct {
	// Prefix locates the seed artifacts
	Prefix string

	// DownsampleFactor is the ratio between full and low resolution
	DownsampleFactor int

	// PercentPad widens the scaled search range; half is added on each side
	PercentPad float64

	// Filter removes outliers from the raw low-resolution disparity
	Filter OutlierFilter

	// Cropped marks a run on cropped inputs, whose seed is never reused
	Cropped bool

	// RequireSpread makes a missing spread artifact fatal on load
	RequireSpread bool

	// Backend is the run-wide backend configuration
	Backend models.BackendConfig
}

// Inputs are the full resolution images and the files they came from
type Inputs struct {
	Left, Right         *models.Image
	LeftMask, RightMask *models.Mask

	// Window is the full resolution search range
	Window models.SearchWindow

	// Sources are the input files the seed must be newer than
	Sources []string
}

// Producer computes and caches the seed map
type Producer struct {
	params Params
	runner Runner
}

// NewProducer creates a producer that correlates through runner
func NewProducer(params Params, runner Runner) *Producer {
	if params.DownsampleFactor < 1 {
		params.DownsampleFactor = 1
	}
	return &Producer{params: params, runner: runner}
}

// Ensure returns the seed map, reusing the cached artifact when it exists,
// is newer than every source, is readable, and the inputs are not cropped.
// The second return value reports whether the cache was used.
func (p *Producer) Ensure(ctx context.Context, in Inputs) (*models.SeedMap, bool, error) {
	path := SeedPath(p.params.Prefix)

	rebuild := p.params.Cropped || !raster.IsLatest(path, in.Sources...)
	var seed *models.SeedMap
	if !rebuild {
		var err error
		seed, err = LoadSeed(p.params.Prefix, p.params.RequireSpread)
		if err != nil {
			slog.InfoContext(ctx, "Cached low-resolution disparity is unusable, rebuilding",
				"path", path, "error", err)
			rebuild = true
		}
	}

	if !rebuild {
		slog.InfoContext(ctx, "Using cached low-resolution disparity", "path", path)
		return seed, true, nil
	}

	seed, err := p.Produce(ctx, in)
	if err != nil {
		return nil, false, err
	}
	return seed, false, nil
}

// Produce runs one backend invocation over the downsampled pair:
// 1. Remove any stale spread artifact
// 2. Downsample the images and masks
// 3. Scale the search range and pad it
// 4. Correlate with a cross check and a longer timeout
// 5. Remove outliers and write the seed artifact
func (p *Producer) Produce(ctx context.Context, in Inputs) (*models.SeedMap, error) {
	start := time.Now()

	// Step 1: A spread left from another run would not match the new seed
	if err := removeIfExists(SpreadPath(p.params.Prefix)); err != nil {
		return nil, fmt.Errorf("failed to remove stale spread: %w", err)
	}

	// Step 2: Downsample
	f := p.params.DownsampleFactor
	left := raster.Downsample(in.Left, in.LeftMask, f)
	right := raster.Downsample(in.Right, in.RightMask, f)
	var lmask, rmask *models.Mask
	if in.LeftMask != nil {
		lmask = raster.DownsampleMask(in.LeftMask, f)
	}
	if in.RightMask != nil {
		rmask = raster.DownsampleMask(in.RightMask, f)
	}

	// Step 3: Search range at low resolution
	sx := float64(left.Width) / float64(in.Left.Width)
	sy := float64(left.Height) / float64(in.Left.Height)
	window := PadWindow(ScaleDown(in.Window, sx, sy), p.params.PercentPad)
	slog.InfoContext(ctx, "Low-resolution search range", "window", window.String(),
		"size", fmt.Sprintf("%dx%d", left.Width, left.Height))

	// Step 4: Correlate
	cfg := p.seedBackend()
	d, err := p.runner.Run(ctx, backend.Request{
		Left: left, Right: right,
		LeftMask: lmask, RightMask: rmask,
		Window: window,
		Config: cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("low-resolution correlation failed: %w", err)
	}

	// Step 5: Filter and write
	removed := 0
	if p.params.Filter != nil {
		removed = p.params.Filter.Apply(d)
	}
	if err := raster.WriteDisparity(SeedPath(p.params.Prefix), d); err != nil {
		return nil, fmt.Errorf("failed to write low-resolution disparity: %w", err)
	}

	slog.InfoContext(ctx, "Low-resolution disparity written",
		"path", SeedPath(p.params.Prefix),
		"valid", d.ValidCount(),
		"removedOutliers", removed,
		"elapsed", time.Since(start))

	return &models.SeedMap{Disparity: d}, nil
}

// seedBackend adapts the run configuration for the seed: an in-process
// matcher with a LoG prefilter, a forced cross check and a longer timeout.
// The blob filter area shrinks with the downsample factor.
func (p *Producer) seedBackend() models.BackendConfig {
	cfg := p.params.Backend.WithTimeout(p.params.Backend.Timeout * timeoutFactor)
	if backend.KindOf(cfg.Algorithm) != backend.KindPyramid {
		cfg.Algorithm = seedAlgorithm
	}
	cfg.Matcher.Prefilter = models.PrefilterLoG
	if cfg.Matcher.BlobFilterArea > 0 {
		cfg.Matcher.BlobFilterArea = max(1, cfg.Matcher.BlobFilterArea/max(p.params.DownsampleFactor, 1))
	}
	if cfg.Matcher.XCorrThreshold < 0 {
		cfg.Matcher.XCorrThreshold = 2
	}
	return cfg
}

// ScaleDown maps a full resolution window to a resolution scaled by sx, sy,
// rounding outward
func ScaleDown(w models.SearchWindow, sx, sy float64) models.SearchWindow {
	return models.Window(
		math.Floor(w.MinX*sx),
		math.Floor(w.MinY*sy),
		math.Ceil(w.MaxX*sx),
		math.Ceil(w.MaxY*sy),
	)
}

// PadWindow grows w by pct of its size, half on each side
func PadWindow(w models.SearchWindow, pct float64) models.SearchWindow {
	return w.Expand(w.Width()*pct/2, w.Height()*pct/2)
}

// Package pipeline runs dense stereo correlation end to end: search range,
// low-resolution seed, tiled full resolution correlation and assembly.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"stereocorr/internal/models"
	"stereocorr/pkg/alignment"
	"stereocorr/pkg/assembler"
	"stereocorr/pkg/backend"
	"stereocorr/pkg/config"
	"stereocorr/pkg/correlator"
	"stereocorr/pkg/lowres"
	"stereocorr/pkg/raster"
	"stereocorr/pkg/searchrange"
	"stereocorr/pkg/visualization"
)

// Params holds the inputs of a run
type Params struct {
	// LeftImage and RightImage are the rectified image pair
	LeftImage, RightImage string

	// LeftMask and RightMask are optional validity masks
	LeftMask, RightMask string

	// MatchFile holds interest point matches; empty means <prefix>-match.bin
	MatchFile string

	// LeftAlignment and RightAlignment are optional 3x3 matrices mapping
	// raw coordinates to the image pair; missing files are the identity
	LeftAlignment, RightAlignment string

	// DeriveMatches rebuilds a missing or stale match file; nil disables it
	DeriveMatches searchrange.DeriveFunc

	// Config is the run configuration
	Config *config.Config
}

// Result describes a finished run
type Result struct {
	// Disparity is the assembled full resolution disparity
	Disparity *models.DisparityRaster

	// Path is where Disparity was written
	Path string

	// Window is the run-wide search range
	Window models.SearchWindow

	// SeedReused reports a cache hit on the low-resolution disparity
	SeedReused bool

	Report assembler.Report
}

// Runner handles one correlation run. The process consists of:
// 1. Computing the run-wide search range
// 2. Producing or loading the low-resolution seed
// 3. Correlating full resolution tiles in parallel
// 4. Writing the disparity and optional previews
type Runner struct {
	// params stores the run inputs
	params *Params

	// cfg is the validated configuration
	cfg *config.Config

	// backendCfg is the immutable backend configuration resolved from cfg
	backendCfg models.BackendConfig

	dispatcher *backend.Dispatcher

	// pair holds the loaded images and masks
	pair alignment.Pair

	// cropped is set when a crop window was applied to the inputs; origin
	// is then the crop corner in the original images
	cropped bool
	origin  image.Point

	matches    []models.Match
	window     models.SearchWindow
	seed       *models.SeedMap
	seedReused bool
}

// NewRunner creates a runner. A nil Config uses the defaults.
func NewRunner(params *Params) *Runner {
	cfg := params.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Runner{params: params, cfg: cfg}
}

// Prefix returns the artifact prefix
func (r *Runner) Prefix() string { return r.cfg.Output.Prefix }

// DisparityPath is the assembled disparity of the run
func (r *Runner) DisparityPath() string { return r.Prefix() + "-D.bin" }

// TilePath is the artifact of one tile in per-tile mode
func (r *Runner) TilePath(index int) string { return fmt.Sprintf("%s-%d-D.bin", r.Prefix(), index) }

// Process runs the complete correlation pipeline
func (r *Runner) Process(ctx context.Context) (*Result, error) {
	start := time.Now()
	if err := r.setup(ctx); err != nil {
		return nil, err
	}

	// Step 1: Search range
	slog.InfoContext(ctx, "Step 1: Computing search range")
	window, err := r.searchRange(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compute search range: %w", err)
	}
	r.window = window
	slog.InfoContext(ctx, "Search range", "window", window.String())

	// Step 2: Low-resolution seed
	slog.InfoContext(ctx, "Step 2: Preparing low-resolution disparity", "mode", r.cfg.Seed.Mode)
	if err := r.prepareSeed(ctx); err != nil {
		return nil, fmt.Errorf("failed to prepare low-resolution disparity: %w", err)
	}
	if r.seed != nil && r.cfg.Output.SaveIntermediaryResults {
		r.savePreview(ctx, r.seed.Disparity, r.Prefix()+"-D_sub")
	}

	// Step 3: Full resolution tiles
	slog.InfoContext(ctx, "Step 3: Correlating full resolution tiles")
	c, err := r.correlator(ctx, false)
	if err != nil {
		return nil, err
	}
	bounds := r.pair.Left.Bounds()
	tiles := assembler.Partition(bounds, r.cfg.Correlation.TileSize)
	d, report, err := assembler.Assemble(ctx, bounds, tiles, c.Compute, r.cfg.Correlation.Threads)
	if err != nil {
		return nil, fmt.Errorf("failed to correlate tiles: %w", err)
	}

	// Step 4: Write
	slog.InfoContext(ctx, "Step 4: Writing disparity", "path", r.DisparityPath())
	if err := raster.WriteDisparity(r.DisparityPath(), d); err != nil {
		return nil, fmt.Errorf("failed to write disparity: %w", err)
	}
	if r.cfg.Output.SaveIntermediaryResults {
		r.savePreview(ctx, d, r.Prefix()+"-D")
	}

	slog.InfoContext(ctx, "Correlation finished",
		"tiles", report.Tiles,
		"failedTiles", len(report.Failed),
		"valid", report.Valid,
		"elapsed", time.Since(start))

	return &Result{
		Disparity:  d,
		Path:       r.DisparityPath(),
		Window:     window,
		SeedReused: r.seedReused,
		Report:     report,
	}, nil
}

// Tiles returns the tile layout of the run
func (r *Runner) Tiles(ctx context.Context) ([]models.Tile, error) {
	if err := r.setup(ctx); err != nil {
		return nil, err
	}
	return assembler.Partition(r.pair.Left.Bounds(), r.cfg.Correlation.TileSize), nil
}

// ProcessTile1D correlates a single tile with local alignment and writes
// its artifact. A tile that fails on its own is written as an all-invalid
// artifact so that composition can still proceed; the returned error is
// then nil.
func (r *Runner) ProcessTile1D(ctx context.Context, tile models.Tile) (string, error) {
	if err := r.setup(ctx); err != nil {
		return "", err
	}
	if !tile.Bounds.In(r.pair.Left.Bounds()) {
		return "", fmt.Errorf("tile %d %v is outside the image %v", tile.Index, tile.Bounds, r.pair.Left.Bounds())
	}

	c, err := r.correlator(ctx, true)
	if err != nil {
		return "", err
	}

	path := r.TilePath(tile.Index)
	d, err := c.Compute(ctx, tile)
	if err != nil {
		if !models.IsTileScoped(err) {
			return "", err
		}
		slog.WarnContext(ctx, "Tile failed, writing an invalid tile", "tile", tile.Index, "error", err)
		d = models.NewDisparityRaster(tile.Bounds.Dx(), tile.Bounds.Dy())
	}

	if err := raster.WriteDisparity(path, d); err != nil {
		return "", fmt.Errorf("failed to write tile %d: %w", tile.Index, err)
	}
	slog.InfoContext(ctx, "Tile written", "tile", tile.Index, "path", path, "valid", d.ValidCount())
	return path, nil
}

// ComposeTiles assembles the artifacts written by ProcessTile1D
func (r *Runner) ComposeTiles(ctx context.Context, tiles []models.Tile) (*Result, error) {
	if err := r.setup(ctx); err != nil {
		return nil, err
	}

	artifacts := make([]assembler.Artifact, len(tiles))
	for i, t := range tiles {
		artifacts[i] = assembler.Artifact{Tile: t, Path: r.TilePath(t.Index)}
	}

	d, report, err := assembler.Compose(ctx, r.pair.Left.Width, r.pair.Left.Height, artifacts)
	if err != nil {
		return nil, fmt.Errorf("failed to compose tiles: %w", err)
	}
	if err := raster.WriteDisparity(r.DisparityPath(), d); err != nil {
		return nil, fmt.Errorf("failed to write disparity: %w", err)
	}
	if r.cfg.Output.SaveIntermediaryResults {
		r.savePreview(ctx, d, r.Prefix()+"-D")
	}

	slog.InfoContext(ctx, "Tiles composed",
		"tiles", report.Tiles,
		"failedTiles", len(report.Failed),
		"path", r.DisparityPath())
	return &Result{Disparity: d, Path: r.DisparityPath(), Report: report}, nil
}

// setup validates the configuration and loads the inputs once
func (r *Runner) setup(ctx context.Context) error {
	if r.pair.Left != nil {
		return nil
	}

	if err := r.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	bc, err := r.cfg.Backend()
	if err != nil {
		return err
	}
	r.backendCfg = bc

	if dir := filepath.Dir(r.Prefix()); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	r.dispatcher = backend.NewDispatcher(filepath.Dir(r.Prefix()))

	if err := r.loadInputs(ctx); err != nil {
		return fmt.Errorf("failed to load inputs: %w", err)
	}
	return nil
}

// loadInputs reads the image pair and masks and applies the crop window
func (r *Runner) loadInputs(ctx context.Context) error {
	left, err := raster.ReadImage(r.params.LeftImage)
	if err != nil {
		return fmt.Errorf("left image %s: %w", r.params.LeftImage, err)
	}
	right, err := raster.ReadImage(r.params.RightImage)
	if err != nil {
		return fmt.Errorf("right image %s: %w", r.params.RightImage, err)
	}
	pair := alignment.Pair{Left: left, Right: right}

	if r.params.LeftMask != "" {
		if pair.LeftMask, err = raster.ReadMask(r.params.LeftMask); err != nil {
			return fmt.Errorf("left mask %s: %w", r.params.LeftMask, err)
		}
	}
	if r.params.RightMask != "" {
		if pair.RightMask, err = raster.ReadMask(r.params.RightMask); err != nil {
			return fmt.Errorf("right mask %s: %w", r.params.RightMask, err)
		}
	}

	if crop := r.cfg.Seed.CropWindow; crop[2] > 0 && crop[3] > 0 {
		rect := image.Rect(crop[0], crop[1], crop[0]+crop[2], crop[1]+crop[3]).Intersect(left.Bounds())
		if rect.Empty() {
			return fmt.Errorf("crop window %v is outside the left image", crop)
		}
		pair = cropPair(pair, rect)
		r.cropped = true
		r.origin = rect.Min
		slog.InfoContext(ctx, "Cropped inputs", "window", rect.String())
	}

	r.pair = pair
	slog.InfoContext(ctx, "Loaded image pair",
		"left", fmt.Sprintf("%dx%d", left.Width, left.Height),
		"right", fmt.Sprintf("%dx%d", right.Width, right.Height))
	return nil
}

// cropPair crops both images to the same rectangle
func cropPair(p alignment.Pair, rect image.Rectangle) alignment.Pair {
	out := alignment.Pair{Left: p.Left.Sub(rect), Right: p.Right.Sub(rect)}
	if p.LeftMask != nil {
		out.LeftMask = p.LeftMask.Sub(rect)
	}
	if p.RightMask != nil {
		out.RightMask = p.RightMask.Sub(rect)
	}
	return out
}

// sources are the input files every derived artifact must be newer than
func (r *Runner) sources() []string {
	return []string{r.params.LeftImage, r.params.RightImage, r.params.LeftMask, r.params.RightMask}
}

func (r *Runner) matchFile() string {
	if r.params.MatchFile != "" {
		return r.params.MatchFile
	}
	return r.Prefix() + "-match.bin"
}

// loadMatches reads the interest point matches in image pair coordinates,
// relative to the crop window when one is set
func (r *Runner) loadMatches(ctx context.Context) ([]models.Match, error) {
	matches, err := searchrange.EnsureMatches(ctx, r.matchFile(), r.sources(), r.params.DeriveMatches)
	if err != nil {
		return nil, err
	}
	left, right, err := searchrange.LoadAlignment(r.params.LeftAlignment, r.params.RightAlignment)
	if err != nil {
		return nil, err
	}
	matches = searchrange.AdjustForAlignment(matches, left, right)

	if r.cropped {
		ox, oy := float64(r.origin.X), float64(r.origin.Y)
		for i := range matches {
			matches[i].Left.X -= ox
			matches[i].Left.Y -= oy
			matches[i].Right.X -= ox
			matches[i].Right.Y -= oy
		}
	}
	return matches, nil
}

// searchRange picks the user override, the range of an externally supplied
// seed, or the range estimated from matches, then applies the hard limit
func (r *Runner) searchRange(ctx context.Context) (models.SearchWindow, error) {
	limit := r.cfg.SearchLimit()

	if w, ok := r.cfg.SearchOverride(); ok {
		slog.InfoContext(ctx, "Using search range override", "window", w.String())
		return searchrange.ClampToLimit(w, limit)
	}

	if r.cfg.Seed.Mode == config.SeedExternal {
		seed, err := lowres.LoadSeed(r.Prefix(), r.cfg.Seed.RequireSpread)
		if err != nil {
			return models.SearchWindow{}, err
		}
		r.seed = seed
		w, err := lowres.SearchRangeFromSeed(seed.Disparity,
			float64(r.pair.Left.Width)/float64(seed.Disparity.Width),
			float64(r.pair.Left.Height)/float64(seed.Disparity.Height))
		if err != nil {
			return models.SearchWindow{}, err
		}
		return searchrange.ClampToLimit(w, limit)
	}

	matches, err := r.loadMatches(ctx)
	if err != nil {
		return models.SearchWindow{}, err
	}
	r.matches = matches

	params := searchrange.DefaultParams()
	params.MinNumMatches = r.cfg.SearchRange.MinNumMatches
	w, err := searchrange.NewEstimator(params).Estimate(matches,
		searchrange.MaxDisparityMagnitude(r.cfg.SearchRange.MaxDisparityMagnitude),
		searchrange.DisparityOutlierFilter(r.cfg.SearchRange.DisparityFilter[0], r.cfg.SearchRange.DisparityFilter[1]),
	)
	if err != nil {
		return models.SearchWindow{}, err
	}
	return searchrange.ClampToLimit(w, limit)
}

// prepareSeed produces, reuses or loads the low-resolution disparity
func (r *Runner) prepareSeed(ctx context.Context) error {
	switch r.cfg.Seed.Mode {
	case config.SeedNone:
		return nil
	case config.SeedExternal:
		if r.seed != nil {
			return nil
		}
		seed, err := lowres.LoadSeed(r.Prefix(), r.cfg.Seed.RequireSpread)
		if err != nil {
			return err
		}
		r.seed = seed
		return nil
	}

	producer := lowres.NewProducer(lowres.Params{
		Prefix:           r.Prefix(),
		DownsampleFactor: r.cfg.Seed.DownsampleFactor,
		PercentPad:       r.cfg.Seed.PercentPad,
		Filter:           r.outlierFilter(),
		Cropped:          r.cropped,
		RequireSpread:    r.cfg.Seed.RequireSpread,
		Backend:          r.backendCfg,
	}, r.dispatcher)

	seed, reused, err := producer.Ensure(ctx, lowres.Inputs{
		Left:      r.pair.Left,
		Right:     r.pair.Right,
		LeftMask:  r.pair.LeftMask,
		RightMask: r.pair.RightMask,
		Window:    r.window,
		Sources:   append(r.sources(), r.matchFile()),
	})
	if err != nil {
		return err
	}
	r.seed = seed
	r.seedReused = reused
	return nil
}

// outlierFilter builds the configured low-resolution outlier filter. The
// threshold filter rejects at two thirds of the configured threshold and
// needs five sixths of the configured match fraction.
func (r *Runner) outlierFilter() lowres.OutlierFilter {
	s := r.cfg.Seed
	if s.OutlierMode == config.OutlierQuantile {
		return lowres.QuantileFilter{Percentile: s.QuantilePercentile, Multiple: s.QuantileMultiple}
	}
	return lowres.ThresholdFilter{
		HalfKernel:       1,
		RejectThreshold:  s.RejectThreshold * 2 / 3,
		MinMatchFraction: s.MinMatchFraction * 5 / 6,
	}
}

// correlator builds the tile correlator. With aligned set every tile is
// locally aligned from the interest point matches. Row matchers are always
// aligned.
func (r *Runner) correlator(ctx context.Context, aligned bool) (*correlator.Correlator, error) {
	if !aligned && r.cfg.Alignment.Method != config.AlignLocal &&
		backend.KindOf(r.backendCfg.Algorithm) != backend.KindPyramid {
		slog.InfoContext(ctx, "Row matcher selected, aligning every tile locally",
			"algorithm", r.backendCfg.Algorithm)
		aligned = true
	}

	params := correlator.Params{
		Window:  r.window,
		Limit:   r.cfg.SearchLimit(),
		Collar:  r.cfg.Alignment.Collar,
		Backend: r.backendCfg,
	}

	seed := r.seed
	if aligned || r.cfg.Alignment.Method == config.AlignLocal {
		if r.matches == nil {
			matches, err := r.loadMatches(ctx)
			if err != nil {
				return nil, err
			}
			r.matches = matches
		}
		params.Aligner = alignment.NewMatchAligner(r.matches, alignment.MatchParams{
			MinMatches: r.cfg.Alignment.MinMatches,
			Margin:     r.cfg.Alignment.Margin,
		})
		seed = nil
	}

	return correlator.New(params, r.pair, seed, r.dispatcher)
}

func (r *Runner) savePreview(ctx context.Context, d *models.DisparityRaster, prefix string) {
	if err := visualization.NewViewer(d).SaveComponents(prefix); err != nil {
		slog.WarnContext(ctx, "Failed to save preview", "prefix", prefix, "error", err)
	}
}

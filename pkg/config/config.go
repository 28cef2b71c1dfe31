// Package config provides configuration loading and management for stereocorr.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"stereocorr/internal/models"
)

// Seed modes
const (
	SeedNone     = "none"
	SeedLowRes   = "lowres"
	SeedExternal = "external"
)

// Outlier removal modes for the low-resolution disparity
const (
	OutlierThreshold = "threshold"
	OutlierQuantile  = "quantile"
)

// Alignment methods
const (
	AlignNone  = "none"
	AlignLocal = "local"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Correlation parameters
	Correlation struct {
		// Algorithm is the correlation algorithm name, optionally followed by
		// options for external programs, e.g. "mgm -s vfit"
		Algorithm string `yaml:"algorithm"`

		// KernelSize is the correlation window as [width, height]
		KernelSize [2]int `yaml:"kernelSize"`

		// CostMode is one of absolute, squared, ncc
		CostMode string `yaml:"costMode"`

		// PyramidLevels is the number of coarse levels used by the internal matcher
		PyramidLevels int `yaml:"pyramidLevels"`

		// SubpixelMode is one of none, parabola, linear
		SubpixelMode string `yaml:"subpixelMode"`

		// TimeoutSeconds bounds a single backend invocation (0 disables)
		TimeoutSeconds int `yaml:"timeoutSeconds"`

		// XCorrThreshold enables the left/right check when >= 0
		XCorrThreshold float64 `yaml:"xcorrThreshold"`

		// TileSize is the edge length of full resolution tiles in pixels
		TileSize int `yaml:"tileSize"`

		// Threads is the number of tiles processed concurrently
		Threads int `yaml:"threads"`

		// SGM smoothness penalties
		SGMPenalty1 float64 `yaml:"sgmPenalty1"`
		SGMPenalty2 float64 `yaml:"sgmPenalty2"`

		// SearchBuffer is the refinement radius at finer pyramid levels
		SearchBuffer int `yaml:"searchBuffer"`

		// BlobFilterArea drops isolated matched regions up to this many pixels; 0 disables it
		BlobFilterArea int `yaml:"blobFilterArea"`

		// PrefilterMode is one of none, mean, log
		PrefilterMode string `yaml:"prefilterMode"`

		// PrefilterSigma is the blur sigma of the prefilter
		PrefilterSigma float64 `yaml:"prefilterSigma"`
	} `yaml:"correlation"`

	// Search range parameters
	SearchRange struct {
		// Override is a user search window [minX, minY, maxX, maxY]; all zero means unset
		Override [4]float64 `yaml:"override"`

		// Limit is a hard clamp [minX, minY, maxX, maxY]; all zero means unset
		Limit [4]float64 `yaml:"limit"`

		// MinNumMatches is the minimum number of matches that must survive filtering
		MinNumMatches int `yaml:"minNumMatches"`

		// MaxDisparityMagnitude rejects matches with a larger disparity (0 disables)
		MaxDisparityMagnitude float64 `yaml:"maxDisparityMagnitude"`

		// DisparityFilter is [percentile, factor]; a percentile >= 100 disables it
		DisparityFilter [2]float64 `yaml:"disparityFilter"`
	} `yaml:"searchRange"`

	// Seed (low-resolution disparity) parameters
	Seed struct {
		// Mode is one of none, lowres, external
		Mode string `yaml:"mode"`

		// DownsampleFactor is the ratio between full and low resolution
		DownsampleFactor int `yaml:"downsampleFactor"`

		// PercentPad widens the low-resolution search range by this fraction
		PercentPad float64 `yaml:"percentPad"`

		// OutlierMode is one of threshold, quantile
		OutlierMode string `yaml:"outlierMode"`

		// Threshold mode parameters
		RejectThreshold  float64 `yaml:"rejectThreshold"`
		MinMatchFraction float64 `yaml:"minMatchFraction"`

		// Quantile mode parameters
		QuantilePercentile float64 `yaml:"quantilePercentile"`
		QuantileMultiple   float64 `yaml:"quantileMultiple"`

		// RequireSpread makes the spread artifact mandatory
		RequireSpread bool `yaml:"requireSpread"`

		// CropWindow is a pixel crop [x, y, width, height]; when set the seed is never reused
		CropWindow [4]int `yaml:"cropWindow"`
	} `yaml:"seed"`

	// Local alignment parameters
	Alignment struct {
		// Method is one of none, local
		Method string `yaml:"method"`

		// Collar grows each tile before alignment, in pixels
		Collar int `yaml:"collar"`

		// MinMatches is the number of interest points needed to fit a tile
		MinMatches int `yaml:"minMatches"`

		// Margin pads the aligned disparity bound of a tile, in pixels
		Margin float64 `yaml:"margin"`
	} `yaml:"alignment"`

	// External program parameters
	External struct {
		// Plugins maps algorithm names to programs
		Plugins map[string]struct {
			Executable string `yaml:"executable"`
			LibDir     string `yaml:"libDir"`
		} `yaml:"plugins"`

		// Options are extra options appended after the defaults
		Options string `yaml:"options"`

		// Env are extra environment variables for the child process
		Env map[string]string `yaml:"env"`
	} `yaml:"external"`

	// Output parameters
	Output struct {
		// Prefix is prepended to every artifact file name
		Prefix string `yaml:"prefix"`

		// SaveIntermediaryResults writes preview images of the seed and final disparity
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Correlation.Algorithm = "asp_bm"
	cfg.Correlation.KernelSize = [2]int{5, 5}
	cfg.Correlation.CostMode = "absolute"
	cfg.Correlation.PyramidLevels = 2
	cfg.Correlation.SubpixelMode = "parabola"
	cfg.Correlation.TimeoutSeconds = 900
	cfg.Correlation.XCorrThreshold = 2
	cfg.Correlation.TileSize = 1024
	cfg.Correlation.Threads = runtime.NumCPU()
	cfg.Correlation.SGMPenalty1 = 8
	cfg.Correlation.SGMPenalty2 = 32
	cfg.Correlation.SearchBuffer = 2
	cfg.Correlation.PrefilterMode = "none"
	cfg.Correlation.PrefilterSigma = 1.4

	cfg.SearchRange.MinNumMatches = 30
	cfg.SearchRange.DisparityFilter = [2]float64{95, 3}

	cfg.Seed.Mode = SeedLowRes
	cfg.Seed.DownsampleFactor = 4
	cfg.Seed.PercentPad = 0.25
	cfg.Seed.OutlierMode = OutlierThreshold
	cfg.Seed.RejectThreshold = 2.0
	cfg.Seed.MinMatchFraction = 0.5
	cfg.Seed.QuantilePercentile = 0.85
	cfg.Seed.QuantileMultiple = 3.0

	cfg.Alignment.Method = AlignNone
	cfg.Alignment.Collar = 16
	cfg.Alignment.MinMatches = 6
	cfg.Alignment.Margin = 2

	cfg.Output.Prefix = filepath.Join("run", "run")
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks enumerations and ranges
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Correlation.Algorithm) == "" {
		errs = append(errs, errors.New("correlation.algorithm must be set"))
	}
	for i, k := range c.Correlation.KernelSize {
		if k < 1 || k%2 == 0 {
			errs = append(errs, fmt.Errorf("correlation.kernelSize[%d] must be a positive odd number, got %d", i, k))
		}
	}
	if _, err := ParseCostMode(c.Correlation.CostMode); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseSubpixelMode(c.Correlation.SubpixelMode); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParsePrefilterMode(c.Correlation.PrefilterMode); err != nil {
		errs = append(errs, err)
	}
	if c.Correlation.PyramidLevels < 0 {
		errs = append(errs, fmt.Errorf("correlation.pyramidLevels must be >= 0, got %d", c.Correlation.PyramidLevels))
	}
	if c.Correlation.TileSize < 16 {
		errs = append(errs, fmt.Errorf("correlation.tileSize must be >= 16, got %d", c.Correlation.TileSize))
	}
	if c.Correlation.BlobFilterArea < 0 {
		errs = append(errs, fmt.Errorf("correlation.blobFilterArea must be >= 0, got %d", c.Correlation.BlobFilterArea))
	}
	if c.Correlation.TimeoutSeconds < 0 {
		errs = append(errs, errors.New("correlation.timeoutSeconds must be >= 0"))
	}

	switch c.Seed.Mode {
	case SeedNone, SeedLowRes, SeedExternal:
	default:
		errs = append(errs, fmt.Errorf("seed.mode %q is not one of none, lowres, external", c.Seed.Mode))
	}
	switch c.Seed.OutlierMode {
	case OutlierThreshold, OutlierQuantile:
	default:
		errs = append(errs, fmt.Errorf("seed.outlierMode %q is not one of threshold, quantile", c.Seed.OutlierMode))
	}
	if c.Seed.DownsampleFactor < 1 {
		errs = append(errs, fmt.Errorf("seed.downsampleFactor must be >= 1, got %d", c.Seed.DownsampleFactor))
	}
	if c.Seed.OutlierMode == OutlierQuantile && (c.Seed.QuantilePercentile <= 0.5 || c.Seed.QuantilePercentile >= 1) {
		errs = append(errs, fmt.Errorf("seed.quantilePercentile must be in (0.5, 1), got %g", c.Seed.QuantilePercentile))
	}

	switch c.Alignment.Method {
	case AlignNone, AlignLocal:
	default:
		errs = append(errs, fmt.Errorf("alignment.method %q is not one of none, local", c.Alignment.Method))
	}

	if o, ok := c.SearchOverride(); ok && o.Empty() {
		errs = append(errs, fmt.Errorf("searchRange.override is empty: %v", o))
	}

	return errors.Join(errs...)
}

// SearchOverride returns the user search window, if one was set
func (c *Config) SearchOverride() (models.SearchWindow, bool) {
	w := windowFrom(c.SearchRange.Override)
	return w, !w.IsZero()
}

// SearchLimit returns the hard search clamp; a zero window means unset
func (c *Config) SearchLimit() models.SearchWindow {
	return windowFrom(c.SearchRange.Limit)
}

// Timeout returns the per-invocation backend timeout
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Correlation.TimeoutSeconds) * time.Second
}

// Backend resolves the immutable backend configuration for a run
func (c *Config) Backend() (models.BackendConfig, error) {
	name, inline := SplitAlgorithm(c.Correlation.Algorithm)

	cost, err := ParseCostMode(c.Correlation.CostMode)
	if err != nil {
		return models.BackendConfig{}, err
	}
	sub, err := ParseSubpixelMode(c.Correlation.SubpixelMode)
	if err != nil {
		return models.BackendConfig{}, err
	}
	pre, err := ParsePrefilterMode(c.Correlation.PrefilterMode)
	if err != nil {
		return models.BackendConfig{}, err
	}

	order, opts, env := ParseOptions(strings.TrimSpace(inline + " " + c.External.Options))
	for k, v := range c.External.Env {
		env[k] = v
	}

	plugins := make(map[string]models.Plugin, len(c.External.Plugins))
	for k, p := range c.External.Plugins {
		plugins[k] = models.Plugin{Executable: p.Executable, LibDir: p.LibDir}
	}

	return models.BackendConfig{
		Algorithm:   name,
		Options:     opts,
		OptionOrder: order,
		Env:         env,
		Timeout:     c.Timeout(),
		Plugins:     plugins,
		Matcher: models.MatcherParams{
			KernelWidth:    c.Correlation.KernelSize[0],
			KernelHeight:   c.Correlation.KernelSize[1],
			Cost:           cost,
			Subpixel:       sub,
			Levels:         c.Correlation.PyramidLevels,
			SearchBuffer:   c.Correlation.SearchBuffer,
			BlobFilterArea: c.Correlation.BlobFilterArea,
			XCorrThreshold: c.Correlation.XCorrThreshold,
			Penalty1:       c.Correlation.SGMPenalty1,
			Penalty2:       c.Correlation.SGMPenalty2,
			Prefilter:      pre,
			PrefilterSigma: c.Correlation.PrefilterSigma,
		},
	}, nil
}

func windowFrom(v [4]float64) models.SearchWindow {
	return models.Window(v[0], v[1], v[2], v[3])
}

// ParseCostMode converts a configuration string to a cost mode
func ParseCostMode(s string) (models.CostMode, error) {
	switch strings.ToLower(s) {
	case "", "absolute", "abs":
		return models.CostAbsolute, nil
	case "squared", "sqr":
		return models.CostSquared, nil
	case "ncc":
		return models.CostNCC, nil
	}
	return 0, fmt.Errorf("unknown cost mode %q", s)
}

// ParseSubpixelMode converts a configuration string to a subpixel mode
func ParseSubpixelMode(s string) (models.SubpixelMode, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return models.SubpixelNone, nil
	case "parabola":
		return models.SubpixelParabola, nil
	case "linear":
		return models.SubpixelLinear, nil
	}
	return 0, fmt.Errorf("unknown subpixel mode %q", s)
}

// ParsePrefilterMode converts a configuration string to a prefilter mode
func ParsePrefilterMode(s string) (models.PrefilterMode, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return models.PrefilterNone, nil
	case "mean":
		return models.PrefilterMean, nil
	case "log":
		return models.PrefilterLoG, nil
	}
	return 0, fmt.Errorf("unknown prefilter mode %q", s)
}

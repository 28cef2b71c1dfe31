package models

import "time"

// CostMode selects the block matching cost
type CostMode int

const (
	CostAbsolute CostMode = iota
	CostSquared
	CostNCC
)

func (c CostMode) String() string {
	switch c {
	case CostSquared:
		return "squared"
	case CostNCC:
		return "ncc"
	default:
		return "absolute"
	}
}

// SubpixelMode selects how integer disparities are refined
type SubpixelMode int

const (
	SubpixelNone SubpixelMode = iota
	SubpixelParabola
	SubpixelLinear
)

func (s SubpixelMode) String() string {
	switch s {
	case SubpixelParabola:
		return "parabola"
	case SubpixelLinear:
		return "linear"
	default:
		return "none"
	}
}

// PrefilterMode selects the image normalisation applied before matching
type PrefilterMode int

const (
	PrefilterNone PrefilterMode = iota
	PrefilterMean
	PrefilterLoG
)

func (p PrefilterMode) String() string {
	switch p {
	case PrefilterMean:
		return "mean"
	case PrefilterLoG:
		return "log"
	default:
		return "none"
	}
}

// MatcherParams holds the settings of the in-process matchers
type MatcherParams struct {
	// KernelWidth and KernelHeight are the odd correlation window sizes
	KernelWidth, KernelHeight int

	Cost     CostMode
	Subpixel SubpixelMode

	// Levels is the number of pyramid levels above full resolution
	Levels int

	// SearchBuffer is the refinement radius used at each finer pyramid level
	SearchBuffer int

	// XCorrThreshold enables a left/right consistency check when >= 0
	XCorrThreshold float64

	// Penalty1 and Penalty2 are the semi-global smoothness penalties
	Penalty1, Penalty2 float64

	Prefilter      PrefilterMode
	PrefilterSigma float64

	// BlobFilterArea removes connected regions of valid pixels whose area is
	// at most this many pixels; 0 disables the filter
	BlobFilterArea int

	// SecondsPerOp is the calibrated cost of one kernel evaluation; 0 disables budgeting
	SecondsPerOp float64
}

// DefaultMatcherParams returns the settings used when nothing is configured
func DefaultMatcherParams() MatcherParams {
	return MatcherParams{
		KernelWidth:    5,
		KernelHeight:   5,
		Cost:           CostAbsolute,
		Subpixel:       SubpixelParabola,
		Levels:         2,
		SearchBuffer:   2,
		XCorrThreshold: 2,
		Penalty1:       8,
		Penalty2:       32,
		Prefilter:      PrefilterNone,
		PrefilterSigma: 1.4,
	}
}

// Plugin locates an external correlation program
type Plugin struct {
	// Executable is the program path
	Executable string

	// LibDir is prepended to the dynamic library search path of the child
	LibDir string
}

// BackendConfig identifies the correlation algorithm for a run together with
// its option and environment maps. It is not modified after resolution.
type BackendConfig struct {
	// Algorithm is the correlation algorithm name, e.g. "asp_bm", "mgm"
	Algorithm string

	// Options are user overrides for external programs, keyed by flag name
	Options map[string]string

	// OptionOrder preserves the order in which user options were given
	OptionOrder []string

	// Env holds extra environment variables for external programs
	Env map[string]string

	// Timeout bounds a single backend invocation; zero means unbounded
	Timeout time.Duration

	// Matcher holds the in-process matcher settings
	Matcher MatcherParams

	// Plugins maps external algorithm names to their programs
	Plugins map[string]Plugin
}

// WithTimeout returns a copy of c with a different timeout
func (c BackendConfig) WithTimeout(d time.Duration) BackendConfig {
	c.Timeout = d
	return c
}

package models

import "errors"

// Failure kinds shared by every stage. Callers wrap these with %w and
// classify with errors.Is.
var (
	// ErrInsufficientMatches means too few interest point matches survived filtering
	ErrInsufficientMatches = errors.New("insufficient matches")

	// ErrEmptySearchWindow means a computed search window is degenerate
	ErrEmptySearchWindow = errors.New("empty search window")

	// ErrDimensionMismatch means two rasters that must agree in size do not
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrBackendFailure means a correlation backend produced no usable result
	ErrBackendFailure = errors.New("backend failure")

	// ErrAlignmentFailure means a tile could not be locally aligned
	ErrAlignmentFailure = errors.New("alignment failure")

	// ErrMissingArtifact means a mandatory intermediate file is absent or unreadable
	ErrMissingArtifact = errors.New("missing artifact")
)

// IsTileScoped reports whether err only invalidates the tile it came from.
// Such errors become an all-invalid tile instead of aborting the run.
func IsTileScoped(err error) bool {
	return errors.Is(err, ErrBackendFailure) ||
		errors.Is(err, ErrAlignmentFailure) ||
		errors.Is(err, ErrDimensionMismatch)
}

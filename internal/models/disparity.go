package models

import (
	"image"
	"math"
)

// DisparityVector is the offset from a left image pixel to its match in the
// right image. An invalid vector carries no numeric meaning.
type DisparityVector struct {
	DX, DY float64

	// Valid is false for pixels without a trustworthy match
	Valid bool
}

// DisparityRaster represents a dense disparity map on the left image grid
type DisparityRaster struct {
	// Width and Height are the dimensions of the raster in pixels
	Width, Height int

	// Data holds the vectors in row-major order
	Data []DisparityVector
}

// NewDisparityRaster creates a raster of the given size with every pixel invalid
func NewDisparityRaster(width, height int) *DisparityRaster {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return &DisparityRaster{
		Width:  width,
		Height: height,
		Data:   make([]DisparityVector, width*height),
	}
}

// Bounds returns the zero-origin pixel rectangle covered by the raster
func (r *DisparityRaster) Bounds() image.Rectangle {
	return image.Rect(0, 0, r.Width, r.Height)
}

// At returns the vector at (x, y). Out of range pixels are invalid.
func (r *DisparityRaster) At(x, y int) DisparityVector {
	if x < 0 || y < 0 || x >= r.Width || y >= r.Height {
		return DisparityVector{}
	}
	return r.Data[y*r.Width+x]
}

// Set stores v at (x, y); out of range writes are ignored
func (r *DisparityRaster) Set(x, y int, v DisparityVector) {
	if x < 0 || y < 0 || x >= r.Width || y >= r.Height {
		return
	}
	r.Data[y*r.Width+x] = v
}

// ValidCount returns the number of valid pixels
func (r *DisparityRaster) ValidCount() int {
	n := 0
	for _, v := range r.Data {
		if v.Valid {
			n++
		}
	}
	return n
}

// Crop copies the pixels inside rect into a new zero-origin raster of the
// rect's size. Pixels of rect outside the raster are invalid.
func (r *DisparityRaster) Crop(rect image.Rectangle) *DisparityRaster {
	out := NewDisparityRaster(rect.Dx(), rect.Dy())
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			out.Data[y*out.Width+x] = r.At(rect.Min.X+x, rect.Min.Y+y)
		}
	}
	return out
}

// Paste copies src into r with its origin placed at offset.
// Pixels falling outside r are dropped.
func (r *DisparityRaster) Paste(src *DisparityRaster, offset image.Point) {
	for y := 0; y < src.Height; y++ {
		for x := 0; x < src.Width; x++ {
			r.Set(offset.X+x, offset.Y+y, src.Data[y*src.Width+x])
		}
	}
}

// Range returns the bounding window of all valid vectors.
// The second return value is false when no pixel is valid.
func (r *DisparityRaster) Range() (SearchWindow, bool) {
	w := SearchWindow{
		MinX: math.Inf(1), MinY: math.Inf(1),
		MaxX: math.Inf(-1), MaxY: math.Inf(-1),
	}
	found := false
	for _, v := range r.Data {
		if !v.Valid {
			continue
		}
		found = true
		w.MinX = math.Min(w.MinX, v.DX)
		w.MinY = math.Min(w.MinY, v.DY)
		w.MaxX = math.Max(w.MaxX, v.DX)
		w.MaxY = math.Max(w.MaxY, v.DY)
	}
	if !found {
		return SearchWindow{}, false
	}
	return w, true
}

// Equal reports whether both rasters have the same size and identical pixels
func (r *DisparityRaster) Equal(o *DisparityRaster) bool {
	if r.Width != o.Width || r.Height != o.Height {
		return false
	}
	for i := range r.Data {
		if r.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

// SeedMap is the coarse disparity estimate used to bound full resolution search
type SeedMap struct {
	// Disparity is the low-resolution disparity raster
	Disparity *DisparityRaster

	// Spread is the optional per-pixel uncertainty radius, same size as Disparity
	Spread *DisparityRaster
}

// HasSpread reports whether a non-empty spread map is attached
func (s *SeedMap) HasSpread() bool {
	return s.Spread != nil && s.Spread.Width != 0 && s.Spread.Height != 0
}

// Validate checks that the spread map, when present, matches the seed size
func (s *SeedMap) Validate() error {
	if s.Disparity == nil {
		return ErrMissingArtifact
	}
	if s.HasSpread() && (s.Spread.Width != s.Disparity.Width || s.Spread.Height != s.Disparity.Height) {
		return ErrDimensionMismatch
	}
	return nil
}

// Tile is an independently processed rectangle of the output raster
type Tile struct {
	// Index is the position of the tile in the partition, row-major
	Index int

	// Bounds is the pixel rectangle in output raster coordinates
	Bounds image.Rectangle
}

package models

import (
	"fmt"
	"math"
)

// SearchWindow is an axis-aligned rectangle in disparity space.
// Min is inclusive; a window is usable only when Min < Max on both axes.
type SearchWindow struct {
	MinX, MinY float64
	MaxX, MaxY float64
}

// Window builds a SearchWindow from its corners
func Window(minX, minY, maxX, maxY float64) SearchWindow {
	return SearchWindow{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}
}

// IsZero reports whether every bound is zero, which is how an unset
// hard limit is expressed in configuration
func (w SearchWindow) IsZero() bool {
	return w == SearchWindow{}
}

// Empty reports whether the window is degenerate on either axis
func (w SearchWindow) Empty() bool {
	return !(w.MinX < w.MaxX) || !(w.MinY < w.MaxY)
}

// Width is the extent along x
func (w SearchWindow) Width() float64 { return w.MaxX - w.MinX }

// Height is the extent along y
func (w SearchWindow) Height() float64 { return w.MaxY - w.MinY }

// Intersect returns the overlap of w and o, which may be empty
func (w SearchWindow) Intersect(o SearchWindow) SearchWindow {
	return SearchWindow{
		MinX: math.Max(w.MinX, o.MinX),
		MinY: math.Max(w.MinY, o.MinY),
		MaxX: math.Min(w.MaxX, o.MaxX),
		MaxY: math.Min(w.MaxY, o.MaxY),
	}
}

// Expand grows the window by dx on both sides along x and dy along y
func (w SearchWindow) Expand(dx, dy float64) SearchWindow {
	return SearchWindow{
		MinX: w.MinX - dx,
		MinY: w.MinY - dy,
		MaxX: w.MaxX + dx,
		MaxY: w.MaxY + dy,
	}
}

// Translate shifts the whole window
func (w SearchWindow) Translate(dx, dy float64) SearchWindow {
	return SearchWindow{
		MinX: w.MinX + dx,
		MinY: w.MinY + dy,
		MaxX: w.MaxX + dx,
		MaxY: w.MaxY + dy,
	}
}

// GrowToInt rounds the window outward to integer bounds
func (w SearchWindow) GrowToInt() SearchWindow {
	return SearchWindow{
		MinX: math.Floor(w.MinX),
		MinY: math.Floor(w.MinY),
		MaxX: math.Ceil(w.MaxX),
		MaxY: math.Ceil(w.MaxY),
	}
}

// Contains reports whether o lies entirely inside w
func (w SearchWindow) Contains(o SearchWindow) bool {
	return o.MinX >= w.MinX && o.MinY >= w.MinY && o.MaxX <= w.MaxX && o.MaxY <= w.MaxY
}

// ContainsPoint reports whether (dx, dy) lies inside the closed window
func (w SearchWindow) ContainsPoint(dx, dy float64) bool {
	return dx >= w.MinX && dx <= w.MaxX && dy >= w.MinY && dy <= w.MaxY
}

func (w SearchWindow) String() string {
	return fmt.Sprintf("(Origin: (%g, %g) width: %g height: %g)", w.MinX, w.MinY, w.Width(), w.Height())
}

// Point2D is a pixel position
type Point2D struct {
	X, Y float64
}

// Match is a sparse correspondence between a left and a right pixel
type Match struct {
	Left, Right Point2D
}

// Disparity returns right minus left
func (m Match) Disparity() (dx, dy float64) {
	return m.Right.X - m.Left.X, m.Right.Y - m.Left.Y
}

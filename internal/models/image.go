package models

import "image"

// Image is a single-band floating point image in row-major order
type Image struct {
	Width, Height int
	Pix           []float64
}

// NewImage allocates a zero image
func NewImage(width, height int) *Image {
	return &Image{Width: width, Height: height, Pix: make([]float64, width*height)}
}

// Bounds returns the zero-origin rectangle covered by the image
func (m *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

// At returns the pixel at (x, y), or 0 outside the image
func (m *Image) At(x, y int) float64 {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return 0
	}
	return m.Pix[y*m.Width+x]
}

// Set writes the pixel at (x, y)
func (m *Image) Set(x, y int, v float64) {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return
	}
	m.Pix[y*m.Width+x] = v
}

// Sub copies rect into a new zero-origin image; pixels outside m are 0
func (m *Image) Sub(rect image.Rectangle) *Image {
	out := NewImage(rect.Dx(), rect.Dy())
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			out.Pix[y*out.Width+x] = m.At(rect.Min.X+x, rect.Min.Y+y)
		}
	}
	return out
}

// Mask marks usable pixels of an image with a nonzero value
type Mask struct {
	Width, Height int
	Pix           []uint8
}

// NewMask allocates a mask; when valid is true every pixel is usable
func NewMask(width, height int, valid bool) *Mask {
	m := &Mask{Width: width, Height: height, Pix: make([]uint8, width*height)}
	if valid {
		for i := range m.Pix {
			m.Pix[i] = 255
		}
	}
	return m
}

// Valid reports whether (x, y) is inside the mask and usable
func (m *Mask) Valid(x, y int) bool {
	if m == nil {
		return x >= 0 && y >= 0
	}
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return false
	}
	return m.Pix[y*m.Width+x] != 0
}

// Sub copies rect into a new zero-origin mask; pixels outside m are invalid
func (m *Mask) Sub(rect image.Rectangle) *Mask {
	out := NewMask(rect.Dx(), rect.Dy(), false)
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			if m.Valid(rect.Min.X+x, rect.Min.Y+y) {
				out.Pix[y*out.Width+x] = 255
			}
		}
	}
	return out
}

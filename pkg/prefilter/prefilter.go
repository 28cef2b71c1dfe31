// Package prefilter normalises images before block matching so that
// brightness differences between the two views do not dominate the cost.
package prefilter

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"stereocorr/internal/models"
)

// Apply returns a filtered copy of img. Mean subtracts a Gaussian blur,
// LoG applies a Laplacian to the blurred image.
func Apply(img *models.Image, mode models.PrefilterMode, sigma float64) *models.Image {
	out := img.Sub(img.Bounds())
	if mode == models.PrefilterNone || sigma <= 0 || img.Width == 0 || img.Height == 0 {
		return out
	}

	blurred := GaussianBlur(img, sigma)
	switch mode {
	case models.PrefilterMean:
		for i := range out.Pix {
			out.Pix[i] -= blurred.Pix[i]
		}
	case models.PrefilterLoG:
		laplacian(blurred, out)
	}
	return out
}

// GaussianBlur filters rows then columns in the frequency domain
func GaussianBlur(img *models.Image, sigma float64) *models.Image {
	out := img.Sub(img.Bounds())
	pad := int(math.Ceil(3 * sigma))

	row := make([]float64, img.Width)
	rf := newLineFilter(img.Width, pad, sigma)
	for y := 0; y < img.Height; y++ {
		copy(row, out.Pix[y*img.Width:(y+1)*img.Width])
		rf.apply(row)
		copy(out.Pix[y*img.Width:], row)
	}

	col := make([]float64, img.Height)
	cf := newLineFilter(img.Height, pad, sigma)
	for x := 0; x < img.Width; x++ {
		for y := 0; y < img.Height; y++ {
			col[y] = out.Pix[y*img.Width+x]
		}
		cf.apply(col)
		for y := 0; y < img.Height; y++ {
			out.Pix[y*img.Width+x] = col[y]
		}
	}

	return out
}

// lineFilter blurs one row or column of fixed length. The line is mirrored
// at both ends so the circular convolution does not wrap image content.
type lineFilter struct {
	n, pad   int
	fft      *fourier.FFT
	transfer []float64
	seq      []float64
	coeff    []complex128
}

func newLineFilter(n, pad int, sigma float64) *lineFilter {
	size := n + 2*pad
	f := &lineFilter{
		n:        n,
		pad:      pad,
		fft:      fourier.NewFFT(size),
		transfer: make([]float64, size/2+1),
		seq:      make([]float64, size),
		coeff:    make([]complex128, size/2+1),
	}
	for k := range f.transfer {
		freq := float64(k) / float64(size)
		f.transfer[k] = math.Exp(-2 * math.Pi * math.Pi * sigma * sigma * freq * freq)
	}
	return f
}

func (f *lineFilter) apply(line []float64) {
	for i := range f.seq {
		f.seq[i] = line[mirror(i-f.pad, f.n)]
	}

	f.fft.Coefficients(f.coeff, f.seq)
	for k := range f.coeff {
		f.coeff[k] *= complex(f.transfer[k], 0)
	}
	f.fft.Sequence(f.seq, f.coeff)

	scale := 1 / float64(len(f.seq))
	for i := 0; i < f.n; i++ {
		line[i] = f.seq[i+f.pad] * scale
	}
}

// mirror reflects i into [0, n) without repeating the edge sample
func mirror(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// laplacian writes the 4-neighbour Laplacian of src into dst, clamping at borders
func laplacian(src, dst *models.Image) {
	w, h := src.Width, src.Height
	at := func(x, y int) float64 {
		x = max(0, min(w-1, x))
		y = max(0, min(h-1, y))
		return src.Pix[y*w+x]
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Pix[y*w+x] = at(x-1, y) + at(x+1, y) + at(x, y-1) + at(x, y+1) - 4*at(x, y)
		}
	}
}

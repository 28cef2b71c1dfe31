package prefilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stereocorr/internal/models"
)

func constantImage(w, h int, v float64) *models.Image {
	img := models.NewImage(w, h)
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func TestGaussianBlurPreservesConstant(t *testing.T) {
	img := constantImage(13, 9, 0.7)
	out := GaussianBlur(img, 1.5)
	for i, v := range out.Pix {
		assert.InDelta(t, 0.7, v, 1e-9, "pixel %d", i)
	}
}

func TestGaussianBlurSpreadsImpulse(t *testing.T) {
	img := models.NewImage(21, 21)
	img.Set(10, 10, 1)
	out := GaussianBlur(img, 2)

	sum := 0.0
	for _, v := range out.Pix {
		sum += v
	}
	assert.InDelta(t, 1, sum, 1e-6)
	assert.Less(t, out.At(10, 10), 1.0)
	assert.Greater(t, out.At(10, 10), out.At(12, 10))
	assert.InDelta(t, out.At(8, 10), out.At(12, 10), 1e-9)
}

func TestApply(t *testing.T) {
	img := constantImage(16, 16, 0.3)

	t.Run("none copies", func(t *testing.T) {
		out := Apply(img, models.PrefilterNone, 1.4)
		require.Equal(t, img.Pix, out.Pix)
		out.Pix[0] = 5
		assert.Equal(t, 0.3, img.Pix[0])
	})

	t.Run("mean removes offset", func(t *testing.T) {
		out := Apply(img, models.PrefilterMean, 1.4)
		for _, v := range out.Pix {
			assert.InDelta(t, 0, v, 1e-9)
		}
	})

	t.Run("log flat is zero", func(t *testing.T) {
		out := Apply(img, models.PrefilterLoG, 1.4)
		for _, v := range out.Pix {
			assert.InDelta(t, 0, v, 1e-9)
		}
	})
}

func TestMirror(t *testing.T) {
	assert.Equal(t, 1, mirror(-1, 5))
	assert.Equal(t, 3, mirror(5, 5))
	assert.Equal(t, 4, mirror(4, 5))
	assert.Equal(t, 0, mirror(-3, 1))
}

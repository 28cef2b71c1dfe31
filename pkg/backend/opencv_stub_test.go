//go:build !gocv

package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"stereocorr/internal/models"
)

func TestThirdPartyNeedsBuildTag(t *testing.T) {
	left, right := randomPair(16, 16, 0)
	_, err := NewDispatcher("").Run(context.Background(), Request{
		Left: left, Right: right,
		Window: models.Window(0, -1, 4, 1),
		Config: models.BackendConfig{Algorithm: "opencv_sgbm"},
	})
	assert.ErrorIs(t, err, models.ErrBackendFailure)
}

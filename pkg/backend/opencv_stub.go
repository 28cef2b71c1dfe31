//go:build !gocv

package backend

import (
	"context"
	"fmt"

	"stereocorr/internal/models"
)

// runOpenCV is unavailable without OpenCV; build with -tags gocv to enable it
func runOpenCV(_ context.Context, req Request, _ options) (*models.DisparityRaster, error) {
	return nil, fmt.Errorf("%s requires a build with the gocv tag: %w", req.Config.Algorithm, models.ErrBackendFailure)
}

// Package backend dispatches correlation requests to one of the supported
// backends: the in-process pyramidal matcher, the in-process OpenCV adapter,
// or an external program.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"stereocorr/internal/models"
	"stereocorr/pkg/config"
	"stereocorr/pkg/matcher"
)

// Kind is the closed set of backend families
type Kind int

const (
	KindPyramid Kind = iota
	KindThirdParty
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindThirdParty:
		return "third_party"
	case KindExternal:
		return "external"
	default:
		return "pyramid"
	}
}

// KindOf resolves the backend family of an algorithm name
func KindOf(algorithm string) Kind {
	if _, ok := matcher.AlgorithmFor(algorithm); ok {
		return KindPyramid
	}
	switch algorithm {
	case "opencv_bm", "opencv_sgbm":
		return KindThirdParty
	}
	return KindExternal
}

// Request is one correlation of a left/right pair over a search window.
// The result is sized like Left.
type Request struct {
	Left, Right         *models.Image
	LeftMask, RightMask *models.Mask
	Window              models.SearchWindow
	Config              models.BackendConfig
}

// Dispatcher runs requests on the backend their configuration names.
// It is safe for concurrent use.
type Dispatcher struct {
	// ScratchDir holds the per-invocation directories of external programs;
	// empty means the system temporary directory
	ScratchDir string

	// KeepScratch leaves external program inputs and outputs on disk
	KeepScratch bool

	calibrate    sync.Once
	secondsPerOp float64
}

// NewDispatcher creates a dispatcher that places external program files
// under scratchDir
func NewDispatcher(scratchDir string) *Dispatcher {
	return &Dispatcher{ScratchDir: scratchDir}
}

// Run correlates the request. Any failure of the backend itself, including a
// timeout or an output of the wrong size, is reported as ErrBackendFailure.
func (d *Dispatcher) Run(ctx context.Context, req Request) (*models.DisparityRaster, error) {
	if req.Left == nil || req.Right == nil {
		return nil, fmt.Errorf("missing input image: %w", models.ErrBackendFailure)
	}
	if req.Window.Empty() {
		return nil, fmt.Errorf("search window %v: %w", req.Window, models.ErrEmptySearchWindow)
	}

	kind := KindOf(req.Config.Algorithm)
	start := time.Now()

	var out *models.DisparityRaster
	var err error
	switch kind {
	case KindPyramid:
		out, err = d.runPyramid(ctx, req)
	case KindThirdParty:
		out, err = runOpenCV(ctx, req, resolveOptions(req.Config, req.Window))
	default:
		out, err = d.runExternal(ctx, req)
	}

	if err == nil && (out.Width != req.Left.Width || out.Height != req.Left.Height) {
		err = fmt.Errorf("%s returned %dx%d disparity for %dx%d image: %w",
			req.Config.Algorithm, out.Width, out.Height, req.Left.Width, req.Left.Height,
			models.ErrBackendFailure)
	}

	observe(kind, err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Dispatcher) runPyramid(ctx context.Context, req Request) (*models.DisparityRaster, error) {
	alg, _ := matcher.AlgorithmFor(req.Config.Algorithm)
	params := req.Config.Matcher

	// Internal backends are never cancelled mid-computation, the timeout
	// only decides how many pyramid levels are affordable
	var budget time.Duration
	if req.Config.Timeout > 0 {
		budget = req.Config.Timeout
		params.SecondsPerOp = d.calibratedSecondsPerOp()
	}

	return matcher.Correlate(ctx, matcher.Request{
		Left:      req.Left,
		Right:     req.Right,
		LeftMask:  req.LeftMask,
		RightMask: req.RightMask,
		Window:    req.Window,
		Algorithm: alg,
		Params:    params,
		Budget:    budget,
	})
}

func (d *Dispatcher) calibratedSecondsPerOp() float64 {
	d.calibrate.Do(func() {
		d.secondsPerOp = matcher.CalibrateSecondsPerOp()
		slog.Debug("Calibrated matcher speed", "secondsPerOp", d.secondsPerOp)
	})
	return d.secondsPerOp
}

// options is the merged option and environment set of one invocation
type options struct {
	order  []string
	values map[string]string
	env    map[string]string
}

func (o options) intValue(key string, fallback int) int {
	var v int
	if _, err := fmt.Sscan(o.values[key], &v); err != nil {
		return fallback
	}
	return v
}

// disparityLimits converts the horizontal extent of a window to the integer
// disparity range of 1D backends
func disparityLimits(w models.SearchWindow) (int, int) {
	return int(math.Floor(w.MinX)), int(math.Ceil(w.MaxX))
}

// resolveOptions lays the user options over the defaults of the algorithm.
// User keys win, and user environment variables win over default ones.
func resolveOptions(cfg models.BackendConfig, window models.SearchWindow) options {
	minDisp, maxDisp := disparityLimits(window)
	defOrder, defValues, defEnv := config.ParseOptions(DefaultOptions(cfg.Algorithm, minDisp, maxDisp))

	order, values := config.MergeOptions(defOrder, defValues, cfg.OptionOrder, cfg.Options)
	env := make(map[string]string, len(defEnv)+len(cfg.Env))
	for k, v := range defEnv {
		env[k] = v
	}
	for k, v := range cfg.Env {
		env[k] = v
	}
	return options{order: order, values: values, env: env}
}

func (d *Dispatcher) scratchRoot() string {
	if d.ScratchDir != "" {
		return d.ScratchDir
	}
	return os.TempDir()
}

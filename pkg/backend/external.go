package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"stereocorr/internal/models"
	"stereocorr/pkg/config"
	"stereocorr/pkg/raster"
)

// waitDelay bounds how long a killed program may keep its output pipes open
const waitDelay = 2 * time.Second

// DefaultOptions returns the option string an algorithm runs with before
// user options are applied. Unknown algorithms have no defaults.
func DefaultOptions(algorithm string, minDisp, maxDisp int) string {
	switch algorithm {
	case "mgm":
		return "MEDIAN=1 CENSUS_NCC_WIN=5 USE_TRUNCATED_LINEAR_POTENTIALS=1 TSGM=3 " +
			"-s vfit -t census -O 8 " +
			fmt.Sprintf("-r %d -R %d", minDisp, maxDisp)
	case "opencv_bm":
		return "-block_size 21 -texture_thresh 10 -prefilter_cap 31 " +
			"-uniqueness_ratio 15 -speckle_size 100 -speckle_range 32 -disp12_diff 1"
	case "opencv_sgbm":
		return "-mode sgbm -block_size 3 -P1 8 -P2 32 -prefilter_cap 63 " +
			"-uniqueness_ratio 10 -speckle_size 100 -speckle_range 32 -disp12_diff 1"
	case "msmw":
		return "-i 1 -n 4 -p 4 -W 5 -x 9 -y 9 -r 1 -d 1 -t -1 " +
			"-s 0 -b 0 -o 0.25 -f 0 -P 32 " +
			fmt.Sprintf("-m %d -M %d", minDisp, maxDisp)
	case "msmw2":
		return "-i 1 -n 4 -p 4 -W 5 -x 9 -y 9 -r 1 -d 1 -t -1 " +
			"-s 0 -b 0 -o -0.25 -f 0 -P 32 -D 0 -O 25 -c 0 " +
			fmt.Sprintf("-m %d -M %d", minDisp, maxDisp)
	case "libelas":
		// libelas fails on a tight search range
		extra := 10 + max(0, minDisp)
		return "-support_threshold 0.85 -support_texture 10 " +
			"-candidate_stepsize 5 -incon_window_size 5 " +
			"-incon_threshold 5 -incon_min_support 5 " +
			"-add_corners 0 -grid_size 20 " +
			"-beta 0.02 -gamma 3 -sigma 1 -sradius 2 " +
			"-match_texture 1 -lr_threshold 2 -speckle_sim_threshold 1 " +
			"-speckle_size 200 -ipol_gap_width 3 -filter_median 0 " +
			"-filter_adaptive_mean 1 -postprocess_only_left 0 " +
			fmt.Sprintf("-disp_min %d -disp_max %d", minDisp-extra, maxDisp+extra)
	}
	return ""
}

// writesMask reports whether the program stores validity in a separate file
func writesMask(algorithm string) bool {
	return algorithm == "msmw" || algorithm == "msmw2"
}

// runExternal runs a plugin program on the request:
//
//	<exe> <options> <left> <right> <out-disparity> [<out-mask>]
//
// The exit status is ignored; only the output files decide success.
func (d *Dispatcher) runExternal(ctx context.Context, req Request) (*models.DisparityRaster, error) {
	cfg := req.Config

	// Step 1: Look up the plugin
	plugin, ok := cfg.Plugins[cfg.Algorithm]
	if !ok || plugin.Executable == "" {
		return nil, fmt.Errorf("could not look up plugin %q: %w", cfg.Algorithm, models.ErrBackendFailure)
	}

	// Step 2: Stage inputs in a private scratch directory
	dir := filepath.Join(d.scratchRoot(), "stereocorr-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", errors.Join(err, models.ErrBackendFailure))
	}
	if !d.KeepScratch {
		defer os.RemoveAll(dir)
	}

	leftPath := filepath.Join(dir, "left.tif")
	rightPath := filepath.Join(dir, "right.tif")
	outPath := filepath.Join(dir, "disparity.bin")
	maskPath := filepath.Join(dir, "disparity-mask.tif")

	if err := raster.WriteImageTIFF(leftPath, req.Left, req.LeftMask); err != nil {
		return nil, errors.Join(err, models.ErrBackendFailure)
	}
	if err := raster.WriteImageTIFF(rightPath, req.Right, req.RightMask); err != nil {
		return nil, errors.Join(err, models.ErrBackendFailure)
	}

	// Step 3: Build the command line and environment
	opts := resolveOptions(cfg, req.Window)
	args := config.JoinOptions(opts.order, opts.values)
	args = append(args, leftPath, rightPath, outPath)
	if writesMask(cfg.Algorithm) {
		args = append(args, maskPath)
	}
	env := childEnv(os.Environ(), plugin.LibDir, opts.env)

	// Step 4: Run with a wall-clock limit
	runCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, plugin.Executable, args...)
	cmd.Env = env
	cmd.WaitDelay = waitDelay
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	killProcessGroup(cmd)

	slog.DebugContext(ctx, "Running external correlator",
		"algorithm", cfg.Algorithm,
		"command", plugin.Executable+" "+strings.Join(args, " "),
		"libDir", plugin.LibDir)

	err := cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		slog.WarnContext(ctx, "Timeout reached, process terminated",
			"algorithm", cfg.Algorithm, "timeout", cfg.Timeout)
	} else if err != nil {
		slog.DebugContext(ctx, "External correlator exited with error",
			"algorithm", cfg.Algorithm, "error", err, "output", output.String())
	}

	// Step 5: Read the result, which may be missing after a timeout
	out, err := raster.ReadScalarDisparity(outPath)
	if err != nil {
		return nil, fmt.Errorf("%s produced no readable disparity: %w",
			cfg.Algorithm, errors.Join(err, models.ErrBackendFailure))
	}

	if writesMask(cfg.Algorithm) {
		mask, err := raster.ReadMaskTIFF(maskPath)
		if err != nil {
			return nil, fmt.Errorf("%s produced no readable mask: %w",
				cfg.Algorithm, errors.Join(err, models.ErrBackendFailure))
		}
		if mask.Width != out.Width || mask.Height != out.Height {
			return nil, fmt.Errorf("%s mask is %dx%d, disparity is %dx%d: %w",
				cfg.Algorithm, mask.Width, mask.Height, out.Width, out.Height, models.ErrBackendFailure)
		}
		applyMask(out, mask)
	}

	return out, nil
}

// childEnv overlays the library search paths and extra variables on base
func childEnv(base []string, libDir string, extra map[string]string) []string {
	vars := make(map[string]string, len(base)+len(extra)+2)
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	if libDir != "" {
		vars["LD_LIBRARY_PATH"] = libDir
		vars["DYLD_LIBRARY_PATH"] = libDir
	}
	for k, v := range extra {
		vars[k] = v
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

func applyMask(d *models.DisparityRaster, mask *models.Mask) {
	for y := 0; y < d.Height; y++ {
		for x := 0; x < d.Width; x++ {
			if !mask.Valid(x, y) {
				d.Data[y*d.Width+x] = models.DisparityVector{}
			}
		}
	}
}

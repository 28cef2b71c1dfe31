package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"stereocorr/pkg/config"
	"stereocorr/pkg/pipeline"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	configPath string
	leftImage  string
	rightImage string
	leftMask   string
	rightMask  string
	matchFile  string
	prefix     string
	verbose    bool

	tileIndex int
)

// =============================================================================
// COMMAND TREE
// =============================================================================

var rootCmd = &cobra.Command{
	Use:           "stereocorr",
	Short:         "Dense stereo correlation seeded by a low-resolution disparity",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Correlate the full image pair and write <prefix>-D.bin",
	RunE:  runPipeline,
}

var tileCmd = &cobra.Command{
	Use:   "tile",
	Short: "Correlate one tile with local alignment and write <prefix>-<tile>-D.bin",
	RunE:  runTile,
}

var composeCmd = &cobra.Command{
	Use:   "compose",
	Short: "Assemble the per-tile artifacts into <prefix>-D.bin",
	RunE:  runCompose,
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config <path>",
	Short: "Write the default configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.CreateDefaultConfigFile(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", args[0])
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "stereocorr.yaml", "YAML configuration file (defaults are used when missing)")
	flags.StringVar(&leftImage, "left", "", "Left rectified image")
	flags.StringVar(&rightImage, "right", "", "Right rectified image")
	flags.StringVar(&leftMask, "left-mask", "", "Optional left validity mask")
	flags.StringVar(&rightMask, "right-mask", "", "Optional right validity mask")
	flags.StringVar(&matchFile, "matches", "", "Interest point match file (default <prefix>-match.bin)")
	flags.StringVar(&prefix, "prefix", "", "Artifact prefix, overrides output.prefix")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	tileCmd.Flags().IntVar(&tileIndex, "tile", -1, "Index of the tile to correlate")
	_ = tileCmd.MarkFlagRequired("tile")

	rootCmd.AddCommand(runCmd, tileCmd, composeCmd, initConfigCmd)
}

// =============================================================================
// HANDLERS
// =============================================================================

func runPipeline(cmd *cobra.Command, _ []string) error {
	runner, err := newRunner()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Starting stereo correlation...")
	start := time.Now()
	res, err := runner.Process(cmd.Context())
	if err != nil {
		return fmt.Errorf("correlation failed: %w", err)
	}

	fmt.Fprintf(out, "\nCorrelation completed in %.2f seconds\n", time.Since(start).Seconds())
	fmt.Fprintf(out, "Disparity saved to: %s\n\n", res.Path)
	fmt.Fprintf(out, "Search range:  [%g, %g] x [%g, %g]\n",
		res.Window.MinX, res.Window.MaxX, res.Window.MinY, res.Window.MaxY)
	fmt.Fprintf(out, "Seed reused:   %v\n", res.SeedReused)
	printReport(cmd, res)
	return nil
}

func runTile(cmd *cobra.Command, _ []string) error {
	runner, err := newRunner()
	if err != nil {
		return err
	}

	tiles, err := runner.Tiles(cmd.Context())
	if err != nil {
		return err
	}
	if tileIndex < 0 || tileIndex >= len(tiles) {
		return fmt.Errorf("tile %d out of range, the run has %d tiles", tileIndex, len(tiles))
	}

	path, err := runner.ProcessTile1D(cmd.Context(), tiles[tileIndex])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Tile %d of %d saved to: %s\n", tileIndex, len(tiles), path)
	return nil
}

func runCompose(cmd *cobra.Command, _ []string) error {
	runner, err := newRunner()
	if err != nil {
		return err
	}

	tiles, err := runner.Tiles(cmd.Context())
	if err != nil {
		return err
	}
	res, err := runner.ComposeTiles(cmd.Context(), tiles)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Disparity saved to: %s\n", res.Path)
	printReport(cmd, res)
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// newRunner loads the configuration, applies the flag overrides and sets
// up logging
func newRunner() (*pipeline.Runner, error) {
	if leftImage == "" || rightImage == "" {
		return nil, fmt.Errorf("--left and --right are required")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if prefix != "" {
		cfg.Output.Prefix = prefix
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else if !cfg.Output.Verbose {
		level = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	return pipeline.NewRunner(&pipeline.Params{
		LeftImage:  leftImage,
		RightImage: rightImage,
		LeftMask:   leftMask,
		RightMask:  rightMask,
		MatchFile:  matchFile,
		Config:     cfg,
	}), nil
}

func printReport(cmd *cobra.Command, res *pipeline.Result) {
	out := cmd.OutOrStdout()
	total := res.Disparity.Width * res.Disparity.Height
	fmt.Fprintf(out, "Tiles:         %d (%d failed)\n", res.Report.Tiles, len(res.Report.Failed))
	if len(res.Report.Failed) > 0 {
		fmt.Fprintf(out, "Failed tiles:  %v\n", res.Report.Failed)
	}
	fmt.Fprintf(out, "Valid pixels:  %d of %d (%.1f%%)\n",
		res.Report.Valid, total, 100*float64(res.Report.Valid)/float64(max(total, 1)))
}

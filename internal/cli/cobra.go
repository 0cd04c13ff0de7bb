package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"time"

	"skysolve/internal/config"
	"skysolve/internal/extract"
	"skysolve/internal/logging"
	"skysolve/internal/server"
	"skysolve/internal/solver"
	"skysolve/internal/storage"
	"skysolve/internal/tools"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store) *cobra.Command {
	root := NewRoot(cfg, log, store)

	rootCmd := &cobra.Command{
		Use:   "skysolve",
		Short: "Skysolve is an astrometric plate solving service",
		Long: `Skysolve extracts stars from astronomical images and determines their
sky coordinates by racing partitioned plate-solve attempts across local
astrometry engines and external solver executables.`,
	}

	rootCmd.AddCommand(newSolveCmd(root))
	rootCmd.AddCommand(newExtractCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newSolveCmd(root *Root) *cobra.Command {
	var (
		width      int
		height     int
		bits       int
		scaleLow   float64
		scaleHigh  float64
		scaleUnits string
		ra         float64
		dec        float64
		radius     float64
		parallel   int
		timeout    int
		profile    string
		indexPaths []string
		keepTemp   bool
		noExtract  bool
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "solve <input_file>",
		Short: "Plate solve a raw image buffer",
		Long: `Plate solve a raw pixel buffer against astrometric index files.
The search space is partitioned across parallel solver attempts and the
first successful attempt wins; the rest are aborted.

Examples:
  # Blind solve with 4 racing partitions
  skysolve solve frame.raw --width 3096 --height 2080 --bits 16

  # Seeded solve near a known position
  skysolve solve frame.raw --width 3096 --height 2080 --bits 16 \
    --ra 120.0 --dec 45.0 --radius 2.0

  # Scale-constrained solve
  skysolve solve frame.raw --width 3096 --height 2080 --bits 16 \
    --scale-low 0.5 --scale-high 2.0 --scale-units arcsecperpix`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			pixels, stats, err := root.loadPixels(pixelInput{Path: input, Width: width, Height: height, Bits: bits})
			if err != nil {
				return err
			}
			params, err := root.profileFor(profile)
			if err != nil {
				return err
			}

			hints := solver.SearchHints{}
			if cmd.Flags().Changed("scale-low") || cmd.Flags().Changed("scale-high") {
				units, ok := solver.ParseScaleUnits(scaleUnits)
				if !ok {
					return fmt.Errorf("unknown scale units %q", scaleUnits)
				}
				hints.UseScale = true
				hints.ScaleLow = scaleLow
				hints.ScaleHigh = scaleHigh
				hints.ScaleUnits = units
			}
			if cmd.Flags().Changed("ra") || cmd.Flags().Changed("dec") {
				hints.UsePosition = true
				hints.RA = ra
				hints.Dec = dec
				hints.Radius = radius
			}

			if len(indexPaths) == 0 {
				indexPaths = root.cfg.External.IndexFolderPaths
			}
			if parallel <= 0 {
				parallel = root.cfg.Solver.Parallel
			}
			if timeout <= 0 {
				timeout = root.cfg.Solver.BackendTimeoutSecs
			}

			process := solver.ProcessExtractAndSolve
			if noExtract {
				process = solver.ProcessSolve
			}
			req := &solver.SolveRequest{
				Process:        process,
				Stats:          stats,
				Pixels:         pixels,
				Profile:        params,
				Hints:          hints,
				IndexPaths:     indexPaths,
				Parallelism:    parallel,
				BackendTimeout: time.Duration(timeout) * time.Second,
			}

			runID := newRunID()
			keep := keepTemp || root.cfg.Solver.KeepTempFiles
			factory, workDir, err := root.externalFactory(runID, keep)
			if err != nil {
				return err
			}
			return root.runRequest(context.Background(), runID, req, factory, input, workDir, keep, asJSON)
		},
	}

	cmd.Flags().IntVarP(&width, "width", "W", 0, "image width in pixels (required)")
	cmd.Flags().IntVarP(&height, "height", "H", 0, "image height in pixels (required)")
	cmd.Flags().IntVar(&bits, "bits", 16, "bits per pixel (8|16)")
	cmd.Flags().Float64Var(&scaleLow, "scale-low", 0, "lower bound of the image scale search range")
	cmd.Flags().Float64Var(&scaleHigh, "scale-high", 0, "upper bound of the image scale search range")
	cmd.Flags().StringVar(&scaleUnits, "scale-units", "degwidth", "scale units (degwidth|arcminwidth|arcsecperpix|focalmm)")
	cmd.Flags().Float64Var(&ra, "ra", 0, "estimated field center right ascension, decimal degrees")
	cmd.Flags().Float64Var(&dec, "dec", 0, "estimated field center declination, decimal degrees")
	cmd.Flags().Float64Var(&radius, "radius", 15, "search radius around the estimated center, degrees")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 0, "number of racing partitions, defaults from config")
	cmd.Flags().IntVarP(&timeout, "timeout", "t", 0, "per-partition timeout in seconds, 0 = watchdog only")
	cmd.Flags().StringVar(&profile, "profile", "", "extraction parameter profile (default|all-stars|fast-solve)")
	cmd.Flags().StringSliceVar(&indexPaths, "index", nil, "astrometric index folder, repeatable")
	cmd.Flags().BoolVar(&keepTemp, "keep-temp", false, "keep solver temp files for inspection")
	cmd.Flags().BoolVar(&noExtract, "no-extract", false, "send the image to the solver without extracting stars first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the result as JSON")
	cmd.MarkFlagRequired("width")
	cmd.MarkFlagRequired("height")

	return cmd
}

func newExtractCmd(root *Root) *cobra.Command {
	var (
		width   int
		height  int
		bits    int
		profile string
		withHFR bool
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "extract <input_file>",
		Short: "Extract stars from a raw image buffer",
		Long: `Extract star positions and photometry from a raw pixel buffer
without plate solving. With --hfr each star also gets a half flux
radius measurement.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			pixels, stats, err := root.loadPixels(pixelInput{Path: input, Width: width, Height: height, Bits: bits})
			if err != nil {
				return err
			}
			params, err := root.profileFor(profile)
			if err != nil {
				return err
			}

			process := solver.ProcessExtract
			if withHFR {
				process = solver.ProcessExtractWithHFR
			}
			req := &solver.SolveRequest{
				Process: process,
				Stats:   stats,
				Pixels:  pixels,
				Profile: params,
			}

			factory := solver.NewInProcessFactory(extract.Stars, nil, root.log)
			return root.runRequest(context.Background(), newRunID(), req, factory, input, "", false, asJSON)
		},
	}

	cmd.Flags().IntVarP(&width, "width", "W", 0, "image width in pixels (required)")
	cmd.Flags().IntVarP(&height, "height", "H", 0, "image height in pixels (required)")
	cmd.Flags().IntVar(&bits, "bits", 16, "bits per pixel (8|16)")
	cmd.Flags().StringVar(&profile, "profile", "", "extraction parameter profile (default|all-stars|fast-solve)")
	cmd.Flags().BoolVar(&withHFR, "hfr", false, "measure half flux radius per star")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the result as JSON")
	cmd.MarkFlagRequired("width")
	cmd.MarkFlagRequired("height")

	return cmd
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent solve runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, err := root.store.ListRuns(limit)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("No runs recorded yet")
				return nil
			}
			for _, rec := range recs {
				line := fmt.Sprintf("%s  %-10s %-9s", rec.CreatedAt.Format(time.RFC3339), rec.ProcessType, rec.State)
				if rec.State == "solved" {
					line += fmt.Sprintf("  ra=%.4f dec=%.4f scale=%.3f", rec.RA, rec.Dec, rec.PixScale)
				} else if rec.Error != "" {
					line += "  " + rec.Error
				}
				fmt.Println(line, " ", rec.ID)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")
	return cmd
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Show external solver availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			status := root.newToolManager().GetToolStatus()

			names := make([]string, 0, len(status))
			for name := range status {
				names = append(names, name)
			}
			sort.Strings(names)

			fmt.Printf("External solvers:\n\n")
			for _, name := range names {
				st := status[name]
				logging.LogToolStatus(root.log, name, st.Available, st.Version, st.Path, st.Error)
				if st.Available {
					fmt.Printf("  ✅ %-14s %s\n", name, st.Path)
					if st.Version != "" {
						fmt.Printf("     %s\n", st.Version)
					}
				} else {
					fmt.Printf("  ❌ %-14s not available\n", name)
				}
			}
			if _, _, err := root.newToolManager().GetAvailableSolver(); err != nil {
				fmt.Printf("\n%v\n", err)
			}
			return nil
		},
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP status server",
		Long: `Start an HTTP server that exposes solve run history and live run
events over a websocket.

Examples:
  skysolve serve --addr :8190`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			if addr == "" {
				addr = root.cfg.Server.Addr
			}

			tm := tools.NewToolManager(root.cfg)
			srv := server.NewServer(addr, root.store, tm, root.log)
			root.log.Info("server ready",
				"addr", addr,
				"endpoints", []string{"/api/health", "/api/tools", "/api/runs", "/api/runs/{id}", "/ws"},
			)
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (host:port)")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show, validate, or initialize skysolve configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := os.Getenv("SKYSOLVE_CONFIG")
			if cfgPath == "" {
				cfgPath = "(default) ~/.config/skysolve/config.json"
			}
			fmt.Printf("Config file: %s\n\n", cfgPath)
			out, err := json.MarshalIndent(root.cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.Save(root.cfg)
			if err != nil {
				return err
			}
			fmt.Printf("Configuration written to %s\n", path)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := root.profileFor(""); err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			if root.cfg.Solver.Parallel <= 0 {
				return fmt.Errorf("configuration invalid: solver.parallel must be positive")
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Println("✅ Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, initCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("Skysolve v1.0.0\n")
			cmd.Printf("Built with Go %s\n", runtime.Version())
		},
	}
}

// Command histostack aligns a stack of 2D histology slides into a 3D
// reconstruction and registers it to a reference volume. The pipeline runs
// as four stages, each resuming from the durable state written by the
// previous one:
//
//	histostack init -p proj -M manifest.txt
//	histostack recon -p proj --z-range 2.0
//	histostack volmatch -p proj -i reference.hsv
//	histostack voliter -p proj -N
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"histostack/pkg/config"
	"histostack/pkg/project"
	"histostack/pkg/reconstruction"
	"histostack/pkg/registration"
	"histostack/pkg/volume"
)

var (
	projectDir string
	reuse      bool
	configPath string
	verbose    bool

	manifestPath string
	imageExt     string

	zRange   float64
	zEpsilon float64

	volumePath string

	iterFirst int
	iterLast  int
	nAffine   int
	nDeform   int
	wVolume   float64

	rootCmd = &cobra.Command{
		Use:   "histostack",
		Short: "Reconstruct a 3D volume from 2D histology slides and match it to a reference volume",
		Long: `histostack registers neighboring histology slides pairwise, chains the
transforms into a common space rooted at the best-connected slice, matches
the reconstructed stack to a reference volume, and iteratively refines each
slide against its volume cross-section and its resliced neighbors.`,
		SilenceUsage: true,
	}

	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Initialize a project directory from a slice manifest",
		RunE:  runInit,
	}

	reconCmd = &cobra.Command{
		Use:   "recon",
		Short: "Register neighboring slides and reconstruct the stack in root-slice space",
		RunE:  runRecon,
	}

	volmatchCmd = &cobra.Command{
		Use:   "volmatch",
		Short: "Match the reconstructed stack to a reference volume",
		RunE:  runVolmatch,
	}

	voliterCmd = &cobra.Command{
		Use:   "voliter",
		Short: "Iteratively refine per-slide volume-space transforms",
		RunE:  runVoliter,
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&projectDir, "project", "p", "", "project directory (required)")
	pf.BoolVarP(&reuse, "reuse", "N", false, "reuse existing outputs instead of recomputing them")
	pf.StringVar(&configPath, "config", "histostack.yaml", "engine and cache configuration file")
	pf.BoolVar(&verbose, "verbose", false, "enable debug logging")
	rootCmd.MarkPersistentFlagRequired("project")

	initCmd.Flags().StringVarP(&manifestPath, "manifest", "M", "", "manifest file: one \"id z path\" line per slide (required)")
	initCmd.Flags().StringVar(&imageExt, "ext", project.DefaultImageExt, "image extension for generated outputs")
	initCmd.MarkFlagRequired("manifest")

	reconCmd.Flags().Float64Var(&zRange, "z-range", 0.0, "z distance below which slides are graph neighbors")
	reconCmd.Flags().Float64Var(&zEpsilon, "z-epsilon", 0.1, "exponential z-distance penalty on edge weights")

	volmatchCmd.Flags().StringVarP(&volumePath, "volume", "i", "", "reference volume file (required)")
	volmatchCmd.MarkFlagRequired("volume")

	voliterCmd.Flags().IntVar(&iterFirst, "first", 0, "first iteration to run (default: start of schedule)")
	voliterCmd.Flags().IntVar(&iterLast, "last", 0, "last iteration to run (default: end of schedule)")
	voliterCmd.Flags().IntVar(&nAffine, "n-affine", 5, "number of affine iterations")
	voliterCmd.Flags().IntVar(&nDeform, "n-deform", 5, "number of deformable iterations")
	voliterCmd.Flags().Float64Var(&wVolume, "w-volume", 4.0, "weight of the volume cross-section relative to each neighbor")

	rootCmd.AddCommand(initCmd, reconCmd, volmatchCmd, voliterCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runInit(cmd *cobra.Command, args []string) error {
	_, err := project.Create(project.DiskStore{}, projectDir, manifestPath, imageExt, newLogger())
	return err
}

// openReconstructor loads the configuration, opens the project, and wires
// the engine, cache and sampling settings into a Reconstructor.
func openReconstructor(log *slog.Logger) (*reconstruction.Reconstructor, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	proj, err := project.Open(project.DiskStore{}, projectDir, reuse, log)
	if err != nil {
		return nil, err
	}

	sampling, err := volume.ParseSampling(cfg.Volume.Sampling)
	if err != nil {
		return nil, err
	}

	engine := registration.NewGreedy(cfg.Engine.Binary, cfg.Engine.Threads, log)
	return reconstruction.New(proj, reconstruction.Options{
		Engine:      engine,
		CacheBytes:  cfg.Cache.MaxMemoryMB * 1024 * 1024,
		CacheItems:  cfg.Cache.MaxImages,
		Threads:     cfg.Engine.Threads,
		ExtraArgs:   cfg.Engine.ExtraArgs,
		Sampling:    sampling,
		ShuffleSeed: cfg.Iteration.ShuffleSeed,
		Log:         log,
	}), nil
}

func runRecon(cmd *cobra.Command, args []string) error {
	r, err := openReconstructor(newLogger())
	if err != nil {
		return err
	}
	return r.ReconstructStack(cmd.Context(), zRange, zEpsilon)
}

func runVolmatch(cmd *cobra.Command, args []string) error {
	r, err := openReconstructor(newLogger())
	if err != nil {
		return err
	}
	return r.MatchToVolume(cmd.Context(), volumePath)
}

func runVoliter(cmd *cobra.Command, args []string) error {
	r, err := openReconstructor(newLogger())
	if err != nil {
		return err
	}
	return r.IterateToVolume(cmd.Context(), reconstruction.IterOptions{
		NAffine:      nAffine,
		NDeform:      nDeform,
		First:        iterFirst,
		Last:         iterLast,
		VolumeWeight: wVolume,
	})
}

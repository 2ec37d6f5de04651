package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"wsiseg/internal/wserr"
	"wsiseg/pkg/ometiff"
	"wsiseg/pkg/segmentation"
)

func newFlagSet(name string, stdout io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stdout)
	return fs
}

// parse handles -h and returns the positionals, or nil when help was shown
func parse(fs *flag.FlagSet, args []string) ([]string, bool, error) {
	positional, err := parseInterleaved(fs, args)
	if errors.Is(err, flag.ErrHelp) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wserr.Input("%v", err)
	}
	return positional, true, nil
}

func runInspect(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("inspect-image", stdout)
	var g globalFlags
	g.register(fs)
	positional, ok, err := parse(fs, args)
	if !ok || err != nil {
		return err
	}
	if err := expectArgs("inspect-image", positional, "ome_tiff"); err != nil {
		return err
	}

	r, err := ometiff.Open(positional[0])
	if err != nil {
		return err
	}
	defer r.Close()
	fmt.Fprint(stdout, r.String())
	return nil
}

// imageArgs are the leading positionals shared by the segmentation commands
type imageArgs struct {
	path    string
	mpp     float64
	nuclear int
}

func parseImageArgs(positional []string) (imageArgs, error) {
	a := imageArgs{path: positional[0]}
	if _, err := os.Stat(a.path); err != nil {
		return a, wserr.WrapInput(err, "input image")
	}
	mpp, err := strconv.ParseFloat(positional[1], 64)
	if err != nil {
		return a, wserr.Input("image_mpp must be a number, got %q", positional[1])
	}
	if mpp <= 0 {
		return a, wserr.Configuration("image_mpp must be positive, got %g", mpp)
	}
	a.mpp = mpp
	if a.nuclear, err = strconv.Atoi(positional[2]); err != nil {
		return a, wserr.Input("nuclear_channel must be an integer, got %q", positional[2])
	}
	if a.nuclear < 0 {
		return a, wserr.Input("nuclear_channel must not be negative, got %d", a.nuclear)
	}
	return a, nil
}

func runBinary(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("binary-segmentation", stdout)
	var g globalFlags
	g.register(fs)
	membrane := fs.Int("membrane_channel", segmentation.NoChannel, "Channel index of the membrane stain")
	window := fs.Float64("entropy_window_size_um", 14, "Side of the entropy window in microns")
	threshold := fs.Float64("entropy_threshold", 0, "Entropy threshold; determined automatically when not given")
	closeUM := fs.Float64("close_segmentation_um", 20, "Closing radius in microns")
	erosion := fs.Float64("erosion_expansion_um", 5, "Dilate/erode smoothing radius in microns")
	saveEntropy := fs.Bool("save_entropy_mask", false, "Also write the entropy field as a second page")

	positional, ok, err := parse(fs, args)
	if !ok || err != nil {
		return err
	}
	if err := expectArgs("binary-segmentation", positional, "ome_tiff", "image_mpp", "nuclear_channel", "output_mask"); err != nil {
		return err
	}
	in, err := parseImageArgs(positional)
	if err != nil {
		return err
	}

	cfg, err := g.load()
	if err != nil {
		return err
	}
	set := setFlags(fs)
	if set["entropy_window_size_um"] {
		cfg.Entropy.WindowSizeUM = *window
	}
	if set["entropy_threshold"] {
		if *threshold <= 0 {
			return wserr.Configuration("entropy_threshold must be positive, got %g", *threshold)
		}
		cfg.Entropy.Threshold = *threshold
	}
	if set["close_segmentation_um"] {
		cfg.Morphology.CloseUM = *closeUM
	}
	if set["erosion_expansion_um"] {
		cfg.Morphology.ErosionExpansionUM = *erosion
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := segmentation.NewBinarySegmenter(&segmentation.BinaryParams{
		InputFile:       in.path,
		OutputFile:      positional[3],
		MPP:             in.mpp,
		NuclearChannel:  in.nuclear,
		MembraneChannel: *membrane,
		SaveEntropyMask: *saveEntropy,
		PreviewFile:     g.preview,
		Config:          cfg,
		Logger:          logger,
	}).Process(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "\nBinary segmentation completed in %.2f seconds\n", time.Since(start).Seconds())
	fmt.Fprintf(stdout, "Masks saved to: %s\n\n", positional[3])
	fmt.Fprint(stdout, res.String())
	return nil
}

func runCell(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("cell-segmentation", stdout)
	var g globalFlags
	g.register(fs)
	membrane := fs.Int("membrane_channel", segmentation.NoChannel, "Channel index of the membrane stain")
	binaryMask := fs.String("binary_mask", "", "Mask file whose first page gates the instances")

	positional, ok, err := parse(fs, args)
	if !ok || err != nil {
		return err
	}
	if err := expectArgs("cell-segmentation", positional,
		"ome_tiff", "image_mpp", "nuclear_channel", "model_path", "output_segmentation_mask"); err != nil {
		return err
	}
	in, err := parseImageArgs(positional)
	if err != nil {
		return err
	}
	if _, err := os.Stat(positional[3]); err != nil {
		return wserr.WrapInput(err, "model")
	}

	cfg, err := g.load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := segmentation.NewCellSegmenter(&segmentation.CellParams{
		InputFile:       in.path,
		OutputFile:      positional[4],
		MPP:             in.mpp,
		NuclearChannel:  in.nuclear,
		MembraneChannel: *membrane,
		ModelPath:       positional[3],
		BinaryMaskFile:  *binaryMask,
		PreviewFile:     g.preview,
		Config:          cfg,
		Logger:          logger,
	}).Process(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "\nCell segmentation completed in %.2f seconds\n", time.Since(start).Seconds())
	fmt.Fprintf(stdout, "Masks saved to: %s\n\n", positional[4])
	fmt.Fprint(stdout, res.String())
	return nil
}

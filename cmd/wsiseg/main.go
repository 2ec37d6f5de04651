package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"wsiseg/internal/wserr"
	"wsiseg/pkg/config"
)

const usage = `wsiseg segments whole-slide images

Usage:
  wsiseg inspect-image <ome_tiff>
  wsiseg binary-segmentation <ome_tiff> <image_mpp> <nuclear_channel> [flags] <output_mask>
  wsiseg cell-segmentation <ome_tiff> <image_mpp> <nuclear_channel> <model_path> [flags] <output_segmentation_mask>

Run "wsiseg <command> -h" for the flags of a command.
`

// command is one subcommand of the CLI
type command struct {
	name string
	help string
	run  func(ctx context.Context, args []string, stdout io.Writer) error
}

var commands = []command{
	{"inspect-image", "Describe the OME-TIFF and show its channel composition", runInspect},
	{"binary-segmentation", "Segment tissue by thresholding local entropy", runBinary},
	{"cell-segmentation", "Segment cells with an instance segmentation model", runCell},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stdout, usage)
		for _, c := range commands {
			fmt.Fprintf(stdout, "  %-20s %s\n", c.name, c.help)
		}
		if len(args) == 0 {
			return wserr.Input("no command given")
		}
		return nil
	}
	for _, c := range commands {
		if c.name == args[0] {
			return c.run(ctx, args[1:], stdout)
		}
	}
	return wserr.Input("unknown command %q", args[0])
}

// globalFlags are accepted by every command
type globalFlags struct {
	configPath string
	logLevel   string
	workers    int
	preview    string
}

func (g *globalFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&g.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config")
	fs.IntVar(&g.workers, "workers", 0, "Number of worker goroutines (default: config or all cores)")
	fs.StringVar(&g.preview, "preview", "", "Write a PNG preview of the result to this path")
}

// load reads the configuration and applies the global overrides
func (g *globalFlags) load() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if g.configPath != "" {
		if _, err := os.Stat(g.configPath); err != nil {
			return nil, wserr.WrapInput(err, "config file")
		}
		var err error
		if cfg, err = config.LoadConfig(g.configPath); err != nil {
			return nil, err
		}
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.workers > 0 {
		cfg.Processing.Workers = g.workers
	}
	return cfg, nil
}

// newLogger builds the stderr logger described by cfg
func newLogger(cfg *config.Config, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level))
	if err != nil {
		return zerolog.Nop(), wserr.Configuration("unknown log level %q", cfg.Logging.Level)
	}
	var w io.Writer = out
	switch cfg.Logging.Format {
	case "json":
	case "console", "":
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	default:
		return zerolog.Nop(), wserr.Configuration("unknown log format %q", cfg.Logging.Format)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// parseInterleaved parses flags that may appear before, between or after
// the positional arguments and returns the positionals in order
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		if rest[0] == "--" {
			return append(positional, rest[1:]...), nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

// setFlags returns the names of the flags given on the command line
func setFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func expectArgs(name string, got []string, names ...string) error {
	if len(got) != len(names) {
		return wserr.Input("%s expects %d arguments (%s), got %d", name, len(names), strings.Join(names, ", "), len(got))
	}
	return nil
}

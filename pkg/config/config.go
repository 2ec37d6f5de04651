// Package config provides configuration loading and management for wsiseg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"math"
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"wsiseg/internal/wserr"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// Workers is the number of goroutines used for per-tile work
		Workers int `yaml:"workers"`

		// Seed drives the pseudo-random instance relabelling
		Seed uint64 `yaml:"seed"`
	} `yaml:"processing"`

	// Tiling parameters
	Tiling struct {
		// TileSize is the side of the square tiles in pixels
		TileSize int `yaml:"tileSize"`

		// Stride is the distance between tile origins in pixels
		Stride int `yaml:"stride"`

		// Padding is "reflect" or "zero"
		Padding string `yaml:"padding"`
	} `yaml:"tiling"`

	// Entropy texture parameters
	Entropy struct {
		// WindowSizeUM is the side of the entropy window in microns
		WindowSizeUM float64 `yaml:"windowSizeUm"`

		// DownscaleFactor > 1 computes entropy at reduced resolution
		DownscaleFactor int `yaml:"downscaleFactor"`

		// Threshold is used instead of Otsu when non-zero
		Threshold float64 `yaml:"threshold"`
	} `yaml:"entropy"`

	// Morphology parameters for the binary mask
	Morphology struct {
		// CloseUM is the closing radius in microns; 0 disables closing
		CloseUM float64 `yaml:"closeUm"`

		// ErosionExpansionUM is the smoothing radius in microns; 0 disables smoothing
		ErosionExpansionUM float64 `yaml:"erosionExpansionUm"`
	} `yaml:"morphology"`

	// Instance inference parameters
	Instance struct {
		// BatchSize is the number of tiles per predictor call
		BatchSize int `yaml:"batchSize"`

		// EdgeMarginPx marks instances this close to an inner tile border as low confidence
		EdgeMarginPx int `yaml:"edgeMarginPx"`

		// IoUThreshold unifies instances across tiles
		IoUThreshold float64 `yaml:"iouThreshold"`
	} `yaml:"instance"`

	// Repair parameters
	Repair struct {
		// PatchSize is the side of the patch around each instance in pixels
		PatchSize int `yaml:"patchSize"`

		// MinSizeUM is the minimum object diameter in microns
		MinSizeUM float64 `yaml:"minSizeUm"`

		// MinAreaFraction scales the squared minimum size into a pixel count
		MinAreaFraction float64 `yaml:"minAreaFraction"`
	} `yaml:"repair"`

	// Model runtime parameters
	Model struct {
		// SharedLibraryPath locates the onnxruntime library; ONNXRUNTIME_LIB overrides it
		SharedLibraryPath string `yaml:"sharedLibraryPath"`

		// InputName and OutputName are the graph tensor names
		InputName  string `yaml:"inputName"`
		OutputName string `yaml:"outputName"`

		// OutputMode is "labels" or "probability"
		OutputMode string `yaml:"outputMode"`

		// IntraOpThreads limits onnxruntime's thread pool; 0 lets it decide
		IntraOpThreads int `yaml:"intraOpThreads"`

		// MPP is the resolution the model was trained at; 0 runs tiles at native resolution
		MPP float64 `yaml:"mpp"`
	} `yaml:"model"`

	// Output parameters
	Output struct {
		// Compress enables Deflate compression of output pages
		Compress bool `yaml:"compress"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		// Level is a zerolog level name
		Level string `yaml:"level"`

		// Format is "console" or "json"
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Workers = runtime.NumCPU()
	cfg.Processing.Seed = 1

	cfg.Tiling.TileSize = 512
	cfg.Tiling.Stride = 256
	cfg.Tiling.Padding = "reflect"

	cfg.Entropy.WindowSizeUM = 14
	cfg.Entropy.DownscaleFactor = 1

	cfg.Morphology.CloseUM = 20
	cfg.Morphology.ErosionExpansionUM = 5

	cfg.Instance.BatchSize = 128
	cfg.Instance.EdgeMarginPx = 64
	cfg.Instance.IoUThreshold = 0.9

	cfg.Repair.PatchSize = 128
	cfg.Repair.MinSizeUM = 14
	cfg.Repair.MinAreaFraction = 0.25

	cfg.Model.InputName = "input"
	cfg.Model.OutputName = "output"
	cfg.Model.OutputMode = "labels"

	cfg.Output.Compress = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, wserr.Configuration("error parsing config file %s: %v", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "error creating config directory")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "error marshaling config")
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return errors.Wrap(err, "error writing config file")
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Validate reports the first parameter outside its allowed range
func (c *Config) Validate() error {
	switch {
	case c.Processing.Workers < 0:
		return wserr.Configuration("processing.workers must not be negative, got %d", c.Processing.Workers)
	case c.Tiling.TileSize <= 0:
		return wserr.Configuration("tiling.tileSize must be positive, got %d", c.Tiling.TileSize)
	case c.Tiling.Stride <= 0:
		return wserr.Configuration("tiling.stride must be positive, got %d", c.Tiling.Stride)
	case c.Tiling.Padding != "reflect" && c.Tiling.Padding != "zero":
		return wserr.Configuration("tiling.padding must be reflect or zero, got %q", c.Tiling.Padding)
	case c.Entropy.WindowSizeUM <= 0:
		return wserr.Configuration("entropy.windowSizeUm must be positive, got %g", c.Entropy.WindowSizeUM)
	case c.Entropy.DownscaleFactor <= 0:
		return wserr.Configuration("entropy.downscaleFactor must be positive, got %d", c.Entropy.DownscaleFactor)
	case c.Entropy.Threshold < 0:
		return wserr.Configuration("entropy.threshold must not be negative, got %g", c.Entropy.Threshold)
	case c.Morphology.CloseUM < 0:
		return wserr.Configuration("morphology.closeUm must not be negative, got %g", c.Morphology.CloseUM)
	case c.Morphology.ErosionExpansionUM < 0:
		return wserr.Configuration("morphology.erosionExpansionUm must not be negative, got %g", c.Morphology.ErosionExpansionUM)
	case c.Instance.BatchSize <= 0:
		return wserr.Configuration("instance.batchSize must be positive, got %d", c.Instance.BatchSize)
	case c.Instance.EdgeMarginPx < 0:
		return wserr.Configuration("instance.edgeMarginPx must not be negative, got %d", c.Instance.EdgeMarginPx)
	case c.Instance.IoUThreshold <= 0 || c.Instance.IoUThreshold > 1:
		return wserr.Configuration("instance.iouThreshold must be in (0, 1], got %g", c.Instance.IoUThreshold)
	case c.Repair.PatchSize <= 0:
		return wserr.Configuration("repair.patchSize must be positive, got %d", c.Repair.PatchSize)
	case c.Repair.MinSizeUM < 0:
		return wserr.Configuration("repair.minSizeUm must not be negative, got %g", c.Repair.MinSizeUM)
	case c.Repair.MinAreaFraction < 0:
		return wserr.Configuration("repair.minAreaFraction must not be negative, got %g", c.Repair.MinAreaFraction)
	case c.Model.MPP < 0:
		return wserr.Configuration("model.mpp must not be negative, got %g", c.Model.MPP)
	case c.Model.OutputMode != "labels" && c.Model.OutputMode != "probability":
		return wserr.Configuration("model.outputMode must be labels or probability, got %q", c.Model.OutputMode)
	}
	return nil
}

// PixelsFromMicrons converts a physical length into a whole number of pixels
func PixelsFromMicrons(um, mpp float64) (int, error) {
	if mpp <= 0 {
		return 0, wserr.Configuration("image resolution must be positive, got %g mpp", mpp)
	}
	if um < 0 {
		return 0, wserr.Configuration("length must not be negative, got %g um", um)
	}
	return int(math.Round(um / mpp)), nil
}

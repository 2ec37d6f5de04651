package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wsiseg/internal/wserr"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 512, cfg.Tiling.TileSize)
	assert.Equal(t, 256, cfg.Tiling.Stride)
	assert.Equal(t, 14.0, cfg.Entropy.WindowSizeUM)
	assert.Equal(t, 128, cfg.Instance.BatchSize)
	assert.Equal(t, 0.9, cfg.Instance.IoUThreshold)
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Tiling, cfg.Tiling)
}

func TestLoadConfigOverridesOnlyGivenFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wsiseg.yaml")
	yml := "tiling:\n  tileSize: 256\n  stride: 128\ninstance:\n  iouThreshold: 0.75\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Tiling.TileSize)
	assert.Equal(t, 128, cfg.Tiling.Stride)
	assert.Equal(t, "reflect", cfg.Tiling.Padding)
	assert.Equal(t, 0.75, cfg.Instance.IoUThreshold)
	assert.Equal(t, 128, cfg.Instance.BatchSize)
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tiling: [unclosed"), 0644))
	_, err := LoadConfig(path)
	assert.True(t, errors.Is(err, wserr.ErrConfiguration))
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cfg.yaml")
	cfg := DefaultConfig()
	cfg.Repair.PatchSize = 96
	cfg.Model.OutputMode = "probability"
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"tile size":  func(c *Config) { c.Tiling.TileSize = 0 },
		"padding":    func(c *Config) { c.Tiling.Padding = "wrap" },
		"window":     func(c *Config) { c.Entropy.WindowSizeUM = -1 },
		"close":      func(c *Config) { c.Morphology.CloseUM = -0.5 },
		"batch":      func(c *Config) { c.Instance.BatchSize = 0 },
		"iou":        func(c *Config) { c.Instance.IoUThreshold = 1.5 },
		"patch":      func(c *Config) { c.Repair.PatchSize = -4 },
		"outputMode": func(c *Config) { c.Model.OutputMode = "boxes" },
		"model mpp":  func(c *Config) { c.Model.MPP = -0.5 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		err := cfg.Validate()
		assert.True(t, errors.Is(err, wserr.ErrConfiguration), name)
	}

	cfg := DefaultConfig()
	cfg.Morphology.CloseUM = 0
	cfg.Morphology.ErosionExpansionUM = 0
	assert.NoError(t, cfg.Validate())
}

func TestPixelsFromMicrons(t *testing.T) {
	px, err := PixelsFromMicrons(20, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 40, px)

	px, err = PixelsFromMicrons(0, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 0, px)

	_, err = PixelsFromMicrons(5, 0)
	assert.True(t, errors.Is(err, wserr.ErrConfiguration))
}

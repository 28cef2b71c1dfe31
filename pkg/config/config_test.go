package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stereocorr/internal/models"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("LoadConfig() mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "stereo.yaml")

	cfg := DefaultConfig()
	cfg.Correlation.Algorithm = "mgm -s vfit"
	cfg.Correlation.TimeoutSeconds = 12
	cfg.SearchRange.Limit = [4]float64{-50, -5, 50, 5}
	cfg.Seed.OutlierMode = OutlierQuantile
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "mgm -s vfit", loaded.Correlation.Algorithm)
	assert.Equal(t, 12*time.Second, loaded.Timeout())
	assert.Equal(t, models.Window(-50, -5, 50, 5), loaded.SearchLimit())
	assert.Equal(t, OutlierQuantile, loaded.Seed.OutlierMode)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	data := []byte("correlation:\n  kernelSize: [4, 5]\n  costMode: fancy\nseed:\n  mode: dem\n")
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kernelSize[0]")
	assert.Contains(t, err.Error(), "fancy")
	assert.Contains(t, err.Error(), "dem")
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestBackendResolution(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Correlation.Algorithm = "MSMW -m 0 FOO=bar"
	cfg.Correlation.CostMode = "ncc"
	cfg.External.Options = "-M 40"
	cfg.External.Env = map[string]string{"OMP_NUM_THREADS": "2"}

	b, err := cfg.Backend()
	require.NoError(t, err)

	assert.Equal(t, "msmw", b.Algorithm)
	assert.Equal(t, []string{"-m", "-M"}, b.OptionOrder)
	assert.Equal(t, map[string]string{"-m": "0", "-M": "40"}, b.Options)
	assert.Equal(t, map[string]string{"FOO": "bar", "OMP_NUM_THREADS": "2"}, b.Env)
	assert.Equal(t, models.CostNCC, b.Matcher.Cost)
	assert.Equal(t, 900*time.Second, b.Timeout)
}

func TestSearchOverride(t *testing.T) {
	cfg := DefaultConfig()
	_, ok := cfg.SearchOverride()
	assert.False(t, ok)

	cfg.SearchRange.Override = [4]float64{-5, -5, 5, 5}
	w, ok := cfg.SearchOverride()
	assert.True(t, ok)
	assert.Equal(t, models.Window(-5, -5, 5, 5), w)

	cfg.SearchRange.Override = [4]float64{5, -5, 5, 5}
	assert.Error(t, cfg.Validate())
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segbench/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "segbench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 1, cfg.Data.BatchSize)
	assert.Equal(t, 1e-4, cfg.Eval.Smooth)
	assert.Equal(t, string(model.PrecisionFP32), cfg.Model.Precision)
	assert.Equal(t, "input", cfg.Model.InputName)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
model:
  path: ir/unet.onnx
  precision: fp16
data:
  roots: [data/a, data/b]
  batch_size: 2
  crop: [144, 144, 144]
eval:
  smooth: 0.001
report:
  png: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "FP16", cfg.Model.Precision)
	assert.Equal(t, []string{"data/a", "data/b"}, cfg.Data.Roots)
	assert.Equal(t, []int{144, 144, 144}, cfg.Data.Crop)
	assert.Equal(t, 0.001, cfg.Eval.Smooth)
	assert.True(t, cfg.Report.PNG)
	assert.NoError(t, cfg.ValidateEval())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SEGBENCH_DATA_BATCH_SIZE", "4")
	t.Setenv("SEGBENCH_MODEL_PATH", "env.onnx")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Data.BatchSize)
	assert.Equal(t, "env.onnx", cfg.Model.Path)
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load(writeConfig(t, "eval:\n  smooth: 0\n"))
	assert.ErrorContains(t, err, "eval.smooth")

	_, err = Load(writeConfig(t, "model:\n  precision: fp64\n"))
	assert.ErrorIs(t, err, model.ErrUnsupportedPrecision)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Error(t, cfg.ValidateEval())

	cfg.ApplyOverrides(Overrides{
		ModelPath:  "m.onnx",
		DataRoots:  []string{"d"},
		BatchSize:  3,
		Crop:       []int{8, 8},
		Smooth:     0.5,
		MaxBatches: 7,
	})
	require.NoError(t, cfg.ValidateEval())
	assert.Equal(t, 3, cfg.Data.BatchSize)
	assert.Equal(t, []int{8, 8}, cfg.Data.Crop)
	assert.Equal(t, 0.5, cfg.Eval.Smooth)
	assert.Equal(t, 7, cfg.Eval.MaxBatches)
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load("../../configs/segbench.yaml")
	require.NoError(t, err)
	require.NoError(t, cfg.ValidateEval())
	assert.Equal(t, []int{144, 144, 144}, cfg.Data.Crop)
	assert.Contains(t, cfg.Converter.Args, "{model_dir}")
}

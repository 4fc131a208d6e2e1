package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "5000", cfg.Port)
	assert.Equal(t, 1024, cfg.Pipeline.MaxImageDim)
	assert.Equal(t, "model.onnx", cfg.Model.Path)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cardio.yaml")
	yml := `
port: "9000"
model:
  path: /weights/heart.onnx
  device: cpu
storage:
  max_age: 2h
cors:
  origins: ["https://viewer.example.org"]
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv("PORT", "7000")
	t.Setenv("MAX_IMAGE_DIM", "512")
	t.Setenv("MAX_UPLOAD_MB", "8")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7000", cfg.Port)
	assert.Equal(t, "/weights/heart.onnx", cfg.Model.Path)
	assert.Equal(t, "cpu", cfg.Model.Device)
	assert.Equal(t, 2*time.Hour, cfg.Storage.MaxAge)
	assert.Equal(t, 512, cfg.Pipeline.MaxImageDim)
	assert.Equal(t, int64(8<<20), cfg.Pipeline.MaxUploadBytes)
	assert.Equal(t, []string{"https://viewer.example.org"}, cfg.CORS.Origins)
	// untouched defaults survive a partial file
	assert.Equal(t, "uploads", cfg.Storage.UploadDir)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absent.yaml")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CORS_ALLOWED_ORIGINS":    " https://a.example , https://b.example,, ",
		"ARTIFACT_MAX_AGE":        "0",
		"MAX_CONCURRENT_REQUESTS": "2",
		"LOG_DEBUG":               "true",
		"MODEL_URL":               "https://weights.example/heart.onnx",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, applyEnv(&cfg, lookup))

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.Origins)
	assert.Equal(t, time.Duration(0), cfg.Storage.MaxAge)
	assert.Equal(t, 2, cfg.Pipeline.MaxConcurrent)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "https://weights.example/heart.onnx", cfg.Model.URL)
}

func TestApplyEnv_BadValues(t *testing.T) {
	cases := map[string]string{
		"MAX_IMAGE_DIM":    "big",
		"ARTIFACT_MAX_AGE": "soon",
		"LOG_DEBUG":        "maybe",
		"MAX_UPLOAD_MB":    "1.5",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			cfg := Default()
			err := applyEnv(&cfg, func(k string) (string, bool) {
				if k == key {
					return val, true
				}
				return "", false
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Model.Device = "tpu"
	cfg.Pipeline.MaxImageDim = 0
	cfg.CORS.Origins = nil

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.device")
	assert.Contains(t, err.Error(), "max_image_dim")
	assert.Contains(t, err.Error(), "cors.origins")
}

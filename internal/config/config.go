package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Port     string         `yaml:"port"`
	Debug    bool           `yaml:"debug"`
	Model    ModelConfig    `yaml:"model"`
	Storage  StorageConfig  `yaml:"storage"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	CORS     CORSConfig     `yaml:"cors"`
	Server   ServerConfig   `yaml:"server"`
}

// ModelConfig locates the classifier weights and selects the compute device.
type ModelConfig struct {
	Path         string `yaml:"path"`
	URL          string `yaml:"url"`           // fetched on cold start when Path is absent
	MetadataPath string `yaml:"metadata_path"` // optional; built-in defaults otherwise
	Device       string `yaml:"device"`        // auto, cpu, cuda
	LibraryPath  string `yaml:"library_path"`  // libonnxruntime shared object
}

type StorageConfig struct {
	UploadDir     string        `yaml:"upload_dir"`
	ResultDir     string        `yaml:"result_dir"`
	MaxAge        time.Duration `yaml:"max_age"` // 0 keeps artifacts forever
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type PipelineConfig struct {
	MaxImageDim    int   `yaml:"max_image_dim"`
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
	MaxConcurrent  int   `yaml:"max_concurrent"` // 0 means unbounded
}

// CORSConfig is the declarative allow-list applied by the router.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
	Headers []string `yaml:"headers"`
}

type ServerConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default provides values matching the original deployment.
func Default() Config {
	return Config{
		Port: "5000",
		Model: ModelConfig{
			Path:         "model.onnx",
			MetadataPath: "model_metadata.json",
			Device:       "auto",
		},
		Storage: StorageConfig{
			UploadDir:     "uploads",
			ResultDir:     "results",
			MaxAge:        24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Pipeline: PipelineConfig{
			MaxImageDim:    1024,
			MaxUploadBytes: 32 << 20,
			MaxConcurrent:  4,
		},
		CORS: CORSConfig{
			Origins: []string{"*"},
			Methods: []string{"GET", "POST", "OPTIONS"},
			Headers: []string{"Origin", "Content-Type", "X-Requested-With"},
		},
		Server: ServerConfig{
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    300 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, a .env
// file in the working directory and finally the process environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = splitList(v)
		}
	}

	str("PORT", &cfg.Port)
	str("MODEL_PATH", &cfg.Model.Path)
	str("MODEL_URL", &cfg.Model.URL)
	str("MODEL_METADATA_PATH", &cfg.Model.MetadataPath)
	str("MODEL_DEVICE", &cfg.Model.Device)
	str("ONNXRUNTIME_LIB", &cfg.Model.LibraryPath)
	str("UPLOAD_DIR", &cfg.Storage.UploadDir)
	str("RESULT_DIR", &cfg.Storage.ResultDir)
	list("CORS_ALLOWED_ORIGINS", &cfg.CORS.Origins)

	if v, ok := lookup("LOG_DEBUG"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LOG_DEBUG: %w", err)
		}
		cfg.Debug = b
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_IMAGE_DIM", &cfg.Pipeline.MaxImageDim},
		{"MAX_CONCURRENT_REQUESTS", &cfg.Pipeline.MaxConcurrent},
	}
	for _, it := range ints {
		if v, ok := lookup(it.key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", it.key, err)
			}
			*it.dst = n
		}
	}

	if v, ok := lookup("MAX_UPLOAD_MB"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_UPLOAD_MB: %w", err)
		}
		cfg.Pipeline.MaxUploadBytes = n << 20
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ARTIFACT_MAX_AGE", &cfg.Storage.MaxAge},
		{"ARTIFACT_SWEEP_INTERVAL", &cfg.Storage.SweepInterval},
	}
	for _, it := range durations {
		if v, ok := lookup(it.key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", it.key, err)
			}
			*it.dst = d
		}
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.Model.Path == "" {
		errs = append(errs, errors.New("model.path is required"))
	}
	switch c.Model.Device {
	case "auto", "cpu", "cuda":
	default:
		errs = append(errs, fmt.Errorf("model.device %q must be one of auto, cpu, cuda", c.Model.Device))
	}
	if c.Storage.UploadDir == "" || c.Storage.ResultDir == "" {
		errs = append(errs, errors.New("storage.upload_dir and storage.result_dir are required"))
	}
	if c.Storage.MaxAge < 0 {
		errs = append(errs, errors.New("storage.max_age must not be negative"))
	}
	if c.Storage.MaxAge > 0 && c.Storage.SweepInterval <= 0 {
		errs = append(errs, errors.New("storage.sweep_interval must be positive when max_age is set"))
	}
	if c.Pipeline.MaxImageDim <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_image_dim must be positive, got %d", c.Pipeline.MaxImageDim))
	}
	if c.Pipeline.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("pipeline.max_upload_bytes must be positive"))
	}
	if c.Pipeline.MaxConcurrent < 0 {
		errs = append(errs, errors.New("pipeline.max_concurrent must not be negative"))
	}
	if len(c.CORS.Origins) == 0 {
		errs = append(errs, errors.New("cors.origins must list at least one origin"))
	}
	return errors.Join(errs...)
}

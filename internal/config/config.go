package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g.
// COMPRESSOR_TRAINING_SAMPLE_SIZE.
const EnvPrefix = "COMPRESSOR"

// Config represents the global configuration for the compression jobs.
type Config struct {
	Quantizer QuantizerConfig `yaml:"quantizer"`
	Training  TrainingConfig  `yaml:"training"`
	Compress  CompressConfig  `yaml:"compress"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Database  DatabaseConfig  `yaml:"database"`
}

// QuantizerConfig holds the product quantizer shape and k-means settings.
// Dimensions may be left at zero to take D from the embeddings file.
type QuantizerConfig struct {
	Dimensions int `yaml:"dimensions" envconfig:"dimensions"`
	Subspaces  int `yaml:"subspaces" envconfig:"subspaces"`
	Centroids  int `yaml:"centroids" envconfig:"centroids"`
	BatchSize  int `yaml:"batch_size" envconfig:"batch_size"`
	Iterations int `yaml:"iterations" envconfig:"iterations"`
	InitSize   int `yaml:"init_size" envconfig:"init_size"`
}

type TrainingConfig struct {
	SampleSize int   `yaml:"sample_size" envconfig:"sample_size"`
	Seed       int64 `yaml:"seed" envconfig:"seed"`
}

type CompressConfig struct {
	Format  string `yaml:"format" envconfig:"format"`
	Workers int    `yaml:"workers" envconfig:"workers"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"level"`
	Format string `yaml:"format" envconfig:"format"`
}

// MetricsConfig points at an optional Prometheus Pushgateway. Batch jobs
// push once at exit; an empty PushGateway disables pushing.
type MetricsConfig struct {
	PushGateway string `yaml:"push_gateway" envconfig:"push_gateway"`
	Job         string `yaml:"job" envconfig:"job"`
}

// DatabaseConfig configures the optional Postgres run registry. An empty
// Host disables it.
type DatabaseConfig struct {
	Host     string `yaml:"host" envconfig:"host"`
	Port     int    `yaml:"port" envconfig:"port"`
	User     string `yaml:"user" envconfig:"user"`
	Password string `yaml:"password" envconfig:"password"`
	Database string `yaml:"database" envconfig:"database"`
	SSLMode  string `yaml:"ssl_mode" envconfig:"ssl_mode"`
}

// Enabled reports whether a registry database is configured.
func (d DatabaseConfig) Enabled() bool { return d.Host != "" }

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		Quantizer: QuantizerConfig{
			Subspaces:  8,
			Centroids:  256,
			BatchSize:  1000,
			Iterations: 50,
			InitSize:   3000,
		},
		Training: TrainingConfig{
			SampleSize: 50000,
			Seed:       42,
		},
		Compress: CompressConfig{
			Format: "npy",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Job: "embedding_compressor",
		},
		Database: DatabaseConfig{
			Port:    5432,
			SSLMode: "disable",
		},
	}
}

// Load reads the configuration from the specified file path on top of the
// defaults, then applies environment overrides. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	return cfg, nil
}

// Config validation errors
var (
	ErrInvalidSubspaces  = errors.New("quantizer.subspaces must be positive")
	ErrInvalidCentroids  = errors.New("quantizer.centroids must be in [1, 256]")
	ErrInvalidDimensions = errors.New("quantizer.dimensions must be divisible by quantizer.subspaces")
	ErrInvalidBatchSize  = errors.New("quantizer.batch_size and quantizer.iterations must be positive")
	ErrInvalidSampleSize = errors.New("training.sample_size must not be negative")
	ErrInvalidFormat     = errors.New("compress.format must be 'npy' or 'parquet'")
	ErrInvalidLogFormat  = errors.New("logging.format must be 'json' or 'console'")
	ErrInvalidLogLevel   = errors.New("logging.level must be debug, info, warn, or error")
)

// Validate checks the configuration and returns the first problem found.
func Validate(cfg *Config) error {
	q := cfg.Quantizer
	if q.Subspaces <= 0 {
		return ErrInvalidSubspaces
	}
	if q.Centroids <= 0 || q.Centroids > 256 {
		return ErrInvalidCentroids
	}
	if q.Dimensions < 0 || q.Dimensions%q.Subspaces != 0 {
		return ErrInvalidDimensions
	}
	if q.BatchSize <= 0 || q.Iterations <= 0 {
		return ErrInvalidBatchSize
	}
	if cfg.Training.SampleSize < 0 {
		return ErrInvalidSampleSize
	}
	switch strings.ToLower(cfg.Compress.Format) {
	case "npy", "parquet":
	default:
		return ErrInvalidFormat
	}
	switch cfg.Logging.Format {
	case "json", "console", "text":
	default:
		return ErrInvalidLogFormat
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	return nil
}

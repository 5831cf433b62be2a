package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/yourusername/embedding-compressor/internal/config"
	"github.com/yourusername/embedding-compressor/internal/logging"
	"github.com/yourusername/embedding-compressor/internal/metrics"
	"github.com/yourusername/embedding-compressor/internal/pipeline"
	"github.com/yourusername/embedding-compressor/internal/storage"
	"go.uber.org/zap"
)

const (
	DefaultModelDir  = "data/models"
	DefaultOutputDir = "data/compressed"

	pushTimeout = 10 * time.Second
)

// app carries what the root command sets up for its subcommands.
type app struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *zap.Logger
	db     *sql.DB
	jobs   *pipeline.Jobs
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "compressor",
		Short: "Train quantizers and compress embedding matrices",
		Long: `compressor learns a product quantizer and an 8-bit scalar quantizer from an
embeddings file, then encodes whole batches into compact uint8 code arrays.

Examples:
  compressor train --embeddings data/embeddings.npy --output-dir data/models
  compressor compress --embeddings data/embeddings.npy --model-dir data/models
  compressor evaluate --embeddings data/embeddings.npy --samples 5000`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&a.logFormat, "log-format", "", "log format (json, console)")

	root.AddCommand(newTrainCmd(a), newCompressCmd(a), newEvaluateCmd(a))
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", a.envFile, err)
		}
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg

	a.logger, err = logging.NewLogger(logging.Config{
		Format: cfg.Logging.Format,
		Level:  cfg.Logging.Level,
	})
	if err != nil {
		return err
	}

	var recorder storage.RunRecorder = storage.NopRecorder{}
	if cfg.Database.Enabled() {
		a.db, err = storage.NewPostgresDB(cmd.Context(), cfg.Database)
		if err != nil {
			return fmt.Errorf("connecting to run registry: %w", err)
		}
		reg, err := storage.NewRegistry(cmd.Context(), a.db)
		if err != nil {
			return err
		}
		recorder = reg
		a.logger.Info("Recording runs to Postgres",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.Database))
	}

	a.jobs = pipeline.New(a.logger, recorder)
	return nil
}

// teardown only runs after a successful command.
func (a *app) teardown(ctx context.Context) error {
	if a.db != nil {
		defer a.db.Close()
	}
	if a.logger != nil {
		defer a.logger.Sync() //nolint:errcheck
	}

	if a.cfg.Metrics.PushGateway == "" {
		return nil
	}
	pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()
	if err := metrics.Push(pushCtx, a.cfg.Metrics.PushGateway, a.cfg.Metrics.Job); err != nil {
		a.logger.Warn("Failed to push metrics", zap.Error(err))
	}
	return nil
}

package main

import (
	"github.com/spf13/cobra"
	"github.com/yourusername/embedding-compressor/internal/pipeline"
)

func newTrainCmd(a *app) *cobra.Command {
	var (
		embeddings string
		outputDir  string
		samples    int
		seed       int64
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the product and scalar quantizers",
		Long: `Train fits a product quantizer on a random sample of the embeddings and a
scalar quantizer on every row, then saves pq_codebook.bin and
scalar_quantizer.bin into the output directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			if !flags.Changed("samples") {
				samples = a.cfg.Training.SampleSize
			}
			if !flags.Changed("seed") {
				seed = a.cfg.Training.Seed
			}
			if !flags.Changed("workers") {
				workers = a.cfg.Compress.Workers
			}

			_, err := a.jobs.Train(cmd.Context(), pipeline.TrainOptions{
				EmbeddingsPath: embeddings,
				OutputDir:      outputDir,
				SampleSize:     samples,
				Seed:           seed,
				Quantizer:      a.cfg.Quantizer,
				Workers:        workers,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&embeddings, "embeddings", "", "embeddings file (.npy or .parquet)")
	cmd.Flags().StringVar(&outputDir, "output-dir", DefaultModelDir, "directory to write model artifacts to")
	cmd.Flags().IntVar(&samples, "samples", 50000, "rows sampled for codebook training (0 uses all)")
	cmd.Flags().Int64Var(&seed, "seed", 42, "random seed for sampling and k-means")
	cmd.Flags().IntVar(&workers, "workers", 0, "subspaces trained concurrently (0 uses all CPUs)")
	_ = cmd.MarkFlagRequired("embeddings")

	return cmd
}

package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"github.com/yourusername/embedding-compressor/internal/pipeline"
)

func newEvaluateCmd(a *app) *cobra.Command {
	var (
		embeddings string
		modelDir   string
		samples    int
		seed       int64
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Report reconstruction error of the saved quantizers",
		Long: `Evaluate round-trips a sample of the embeddings through both quantizers and
prints MSE, MAE, mean cosine similarity and compression ratio as JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("seed") {
				seed = a.cfg.Training.Seed
			}
			res, err := a.jobs.Evaluate(cmd.Context(), pipeline.EvaluateOptions{
				EmbeddingsPath: embeddings,
				ModelDir:       modelDir,
				Samples:        samples,
				Seed:           seed,
				Workers:        a.cfg.Compress.Workers,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().StringVar(&embeddings, "embeddings", "", "embeddings file (.npy or .parquet)")
	cmd.Flags().StringVar(&modelDir, "model-dir", DefaultModelDir, "directory holding the trained models")
	cmd.Flags().IntVar(&samples, "samples", 10000, "rows evaluated (0 uses all)")
	cmd.Flags().Int64Var(&seed, "seed", 42, "random seed for row sampling")
	_ = cmd.MarkFlagRequired("embeddings")

	return cmd
}

package main

import (
	"github.com/spf13/cobra"
	"github.com/yourusername/embedding-compressor/internal/arrayio"
	"github.com/yourusername/embedding-compressor/internal/pipeline"
)

func newCompressCmd(a *app) *cobra.Command {
	var (
		embeddings string
		modelDir   string
		outputDir  string
		format     string
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "compress",
		Short: "Encode embeddings into PQ codes and int8 vectors",
		Long: `Compress loads both saved quantizers and writes pq_codes and int8_vectors
into the output directory. Row i of each output is row i of the input, and
neither file is written unless both can be.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("format") {
				format = a.cfg.Compress.Format
			}
			if !cmd.Flags().Changed("workers") {
				workers = a.cfg.Compress.Workers
			}
			f, err := arrayio.ParseFormat(format)
			if err != nil {
				return err
			}

			_, err = a.jobs.Compress(cmd.Context(), pipeline.CompressOptions{
				EmbeddingsPath: embeddings,
				ModelDir:       modelDir,
				OutputDir:      outputDir,
				Format:         f,
				Workers:        workers,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&embeddings, "embeddings", "", "embeddings file (.npy or .parquet)")
	cmd.Flags().StringVar(&modelDir, "model-dir", DefaultModelDir, "directory holding the trained models")
	cmd.Flags().StringVar(&outputDir, "output-dir", DefaultOutputDir, "directory to write codes to")
	cmd.Flags().StringVar(&format, "format", "npy", "output format (npy or parquet)")
	cmd.Flags().IntVar(&workers, "workers", 0, "encoding workers (0 uses all CPUs)")
	_ = cmd.MarkFlagRequired("embeddings")

	return cmd
}

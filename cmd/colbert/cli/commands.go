package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hankgalt/colbert/internal/pooling"
	"github.com/hankgalt/colbert/internal/tensor"
	"github.com/hankgalt/colbert/pkg/domain"
)

func newEncodeCmd(v *viper.Viper) *cobra.Command {
	var isQuery bool
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode sentences into token level embeddings",
		Long: `Encode reads {"sentences": [...], "batch_size": n} and writes
{"embeddings": [[[...]]]} shaped [sentences][tokens][dim].`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			var req domain.EncodeInput
			if err := readRequest(cmd, cfg.Input, &req); err != nil {
				return err
			}
			batchSize := cfg.BatchSize
			if req.BatchSize != nil {
				batchSize = *req.BatchSize
			}

			ctx := cmd.Context()
			model, err := openModel(ctx, cfg)
			if err != nil {
				return err
			}
			defer model.Close(ctx)

			emb, err := model.Encode(ctx, req.Sentences, isQuery, batchSize)
			if err != nil {
				return err
			}
			return writeResult(cmd, cfg.Output, domain.EncodeOutput{Embeddings: emb.Nested()})
		},
	}
	cmd.Flags().BoolVarP(&isQuery, "query", "q", false, "encode as queries instead of documents")
	return cmd
}

func newSimilarityCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "similarity",
		Short: "Score queries against documents with MaxSim",
		Long: `Similarity reads {"queries": [...], "documents": [...]} and writes
{"data": [[...]]} shaped [queries][documents].`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			var req domain.SimilarityInput
			if err := readRequest(cmd, cfg.Input, &req); err != nil {
				return err
			}

			ctx := cmd.Context()
			model, err := openModel(ctx, cfg)
			if err != nil {
				return err
			}
			defer model.Close(ctx)

			sims, err := model.ScoreTexts(ctx, req.Queries, req.Documents)
			if err != nil {
				return err
			}
			return writeResult(cmd, cfg.Output, sims)
		},
	}
}

func newRawSimilarityCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "raw-similarity",
		Short: "Token level similarity matrix with decoded tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			var req domain.SimilarityInput
			if err := readRequest(cmd, cfg.Input, &req); err != nil {
				return err
			}

			ctx := cmd.Context()
			model, err := openModel(ctx, cfg)
			if err != nil {
				return err
			}
			defer model.Close(ctx)

			out, err := model.RawSimilarityWithTokens(ctx, req.Queries, req.Documents)
			if err != nil {
				return err
			}
			return writeResult(cmd, cfg.Output, out)
		},
	}
}

// newPoolCmd needs no model: pooling works on embeddings alone.
func newPoolCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "pool",
		Short: "Reduce document tokens with hierarchical pooling",
		Long: `Pool reads {"embeddings": [[[...]]], "pool_factor": n} and writes
{"embeddings": [[[...]]]} with at most tokens/pool_factor rows per document.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			var req domain.PoolingInput
			if err := readRequest(cmd, cfg.Input, &req); err != nil {
				return err
			}
			if len(req.Embeddings) == 0 {
				return writeResult(cmd, cfg.Output, domain.EncodeOutput{Embeddings: [][][]float32{}})
			}

			docs, err := tensor.FromNested(req.Embeddings)
			if err != nil {
				return fmt.Errorf("invalid embeddings: %w", err)
			}
			pooled, err := pooling.Hierarchical{Workers: cfg.Model.Workers}.Pool(cmd.Context(), docs, req.PoolFactor)
			if err != nil {
				return err
			}
			return writeResult(cmd, cfg.Output, domain.EncodeOutput{Embeddings: pooled.Nested()})
		},
	}
}

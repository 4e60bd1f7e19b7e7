package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/comfforts/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "COLBERT"

// Execute runs the colbert command tree.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree around its own viper instance.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "colbert",
		Short: "ColBERT: late-interaction embeddings",
		Long: `colbert encodes queries and documents into token level embeddings with a
ColBERT model exported to ONNX, scores them with MaxSim and pools document
tokens.

Requests are read as JSON from --input (or stdin) and results are written as
JSON or YAML to stdout. Settings come from flags, COLBERT_* environment
variables or a YAML config file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initConfig(v, cfgFile); err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(logger.WithLogger(ctx, logger.GetSlogLogger()))
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.colbert.yaml)")
	flags.String("model-dir", "", "local model directory")
	flags.String("repo", "", "Hugging Face repository to download the model from")
	flags.String("device", "cpu", "execution device (cpu, cuda)")
	flags.Int("workers", 0, "max chunks encoded at once on cpu (0 = all cores)")
	flags.Int("intra-op-threads", 0, "ONNX Runtime intra-op threads (0 = runtime default)")
	flags.Int("batch-size", 0, "sentences per forward pass (0 = model default)")
	flags.StringP("input", "i", "-", "JSON request file, - for stdin")
	flags.StringP("output", "o", "json", "output format (json, yaml)")

	v.BindPFlag("model.model_dir", flags.Lookup("model-dir"))
	v.BindPFlag("hub.repo_id", flags.Lookup("repo"))
	v.BindPFlag("model.device", flags.Lookup("device"))
	v.BindPFlag("model.workers", flags.Lookup("workers"))
	v.BindPFlag("model.intra_op_threads", flags.Lookup("intra-op-threads"))
	v.BindPFlag("batch_size", flags.Lookup("batch-size"))
	v.BindPFlag("input", flags.Lookup("input"))
	v.BindPFlag("output", flags.Lookup("output"))

	rootCmd.AddCommand(
		newEncodeCmd(v),
		newSimilarityCmd(v),
		newRawSimilarityCmd(v),
		newPoolCmd(v),
	)
	return rootCmd
}

// initConfig reads the config file, if any, and environment variables.
func initConfig(v *viper.Viper, cfgFile string) error {
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEncodingEnv(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(home)
		}
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName(".colbert")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	fmt.Fprintln(os.Stderr, "Using config file:", v.ConfigFileUsed())
	return nil
}

package cli

import (
	"context"
	"fmt"

	"github.com/spf13/viper"

	"github.com/hankgalt/colbert"
	"github.com/hankgalt/colbert/pkg/domain"
)

// Config is the CLI configuration as loaded by viper.
type Config struct {
	Model     domain.ModelConfig `mapstructure:"model"`
	Hub       domain.HubConfig   `mapstructure:"hub"`
	BatchSize int                `mapstructure:"batch_size"`
	Input     string             `mapstructure:"input"`
	Output    string             `mapstructure:"output"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model.model_dir", "")
	v.SetDefault("model.model_file", domain.DefaultModelFile)
	v.SetDefault("model.output_name", domain.DefaultOutputName)
	v.SetDefault("model.runtime_lib_path", "")
	v.SetDefault("model.device", string(domain.DeviceCPU))
	v.SetDefault("model.workers", 0)
	v.SetDefault("model.intra_op_threads", 0)
	v.SetDefault("model.global_runtime", false)

	v.SetDefault("hub.repo_id", "")
	v.SetDefault("hub.auth_token", "")
	v.SetDefault("hub.cache_dir", "")

	v.SetDefault("batch_size", 0)
	v.SetDefault("input", "-")
	v.SetDefault("output", "json")
}

// loadConfig unmarshals the merged flag, env and file settings.
func loadConfig(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	switch cfg.Output {
	case "json", "yaml":
	default:
		return fmt.Errorf("unsupported output format %q", cfg.Output)
	}
	switch cfg.Model.Device {
	case "", domain.DeviceCPU, domain.DeviceCUDA:
	default:
		return fmt.Errorf("unsupported device %q", cfg.Model.Device)
	}
	return nil
}

// openModel builds the model from the hub when a repository is configured,
// otherwise from the local model directory.
func openModel(ctx context.Context, cfg *Config) (*colbert.ColBERT, error) {
	if cfg.Hub.RepoID != "" {
		return colbert.FromHub(ctx, cfg.Hub, cfg.Model)
	}
	if cfg.Model.ModelDir == "" {
		return nil, fmt.Errorf("either --model-dir or --repo is required")
	}
	return colbert.New(ctx, cfg.Model)
}

// encodingKeys are left unset unless provided, so the model's own
// sentence-transformers settings apply.
var encodingKeys = []string{
	"query_prefix",
	"document_prefix",
	"mask_token",
	"do_query_expansion",
	"attend_to_expansion_tokens",
	"query_length",
	"document_length",
	"batch_size",
}

// bindEncodingEnv exposes the encoding overrides as COLBERT_MODEL_ENCODING_*.
// It must run after the env prefix is set.
func bindEncodingEnv(v *viper.Viper) {
	for _, k := range encodingKeys {
		v.BindEnv("model.encoding." + k)
	}
}

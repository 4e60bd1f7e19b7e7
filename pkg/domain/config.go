package domain

const (
	DefaultQueryPrefix    = "[Q]"
	DefaultDocumentPrefix = "[D]"
	DefaultMaskToken      = "[MASK]"
	DefaultQueryLength    = 32
	DefaultDocumentLength = 180
	DefaultBatchSize      = 32
	DefaultModelFile      = "model.onnx"
	DefaultOutputName     = "last_hidden_state"
)

// Device selects where the forward pass runs. Chunks are encoded in
// parallel only on DeviceCPU.
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// EncodingConfig carries the ColBERT tokenization and batching settings.
// It is immutable once a model is built.
type EncodingConfig struct {
	QueryPrefix             string `json:"query_prefix"`
	DocumentPrefix          string `json:"document_prefix"`
	MaskToken               string `json:"mask_token"`
	MaskTokenID             int    `json:"mask_token_id"`
	DoQueryExpansion        bool   `json:"do_query_expansion"`
	AttendToExpansionTokens bool   `json:"attend_to_expansion_tokens"`
	QueryLength             int    `json:"query_length"`
	DocumentLength          int    `json:"document_length"`
	BatchSize               int    `json:"batch_size"`
}

// DefaultEncodingConfig returns the settings used when neither the caller nor
// the sentence-transformers config document provide a value.
func DefaultEncodingConfig() EncodingConfig {
	return EncodingConfig{
		QueryPrefix:             DefaultQueryPrefix,
		DocumentPrefix:          DefaultDocumentPrefix,
		MaskToken:               DefaultMaskToken,
		DoQueryExpansion:        true,
		AttendToExpansionTokens: false,
		QueryLength:             DefaultQueryLength,
		DocumentLength:          DefaultDocumentLength,
		BatchSize:               DefaultBatchSize,
	}
}

// Normalize returns a copy with derived invariants applied: expansion
// attendance is dropped when query expansion is off, and non-positive
// lengths fall back to their defaults.
func (c EncodingConfig) Normalize() EncodingConfig {
	if !c.DoQueryExpansion {
		c.AttendToExpansionTokens = false
	}
	if c.QueryLength <= 0 {
		c.QueryLength = DefaultQueryLength
	}
	if c.DocumentLength <= 0 {
		c.DocumentLength = DefaultDocumentLength
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// EncodingOverrides holds caller supplied values that take precedence over
// the model's sentence-transformers config. Nil fields are not overridden.
type EncodingOverrides struct {
	QueryPrefix             *string `json:"query_prefix,omitempty" mapstructure:"query_prefix"`
	DocumentPrefix          *string `json:"document_prefix,omitempty" mapstructure:"document_prefix"`
	MaskToken               *string `json:"mask_token,omitempty" mapstructure:"mask_token"`
	DoQueryExpansion        *bool   `json:"do_query_expansion,omitempty" mapstructure:"do_query_expansion"`
	AttendToExpansionTokens *bool   `json:"attend_to_expansion_tokens,omitempty" mapstructure:"attend_to_expansion_tokens"`
	QueryLength             *int    `json:"query_length,omitempty" mapstructure:"query_length"`
	DocumentLength          *int    `json:"document_length,omitempty" mapstructure:"document_length"`
	BatchSize               *int    `json:"batch_size,omitempty" mapstructure:"batch_size"`
}

// Apply layers the non-nil overrides on top of base.
func (o EncodingOverrides) Apply(base EncodingConfig) EncodingConfig {
	if o.QueryPrefix != nil {
		base.QueryPrefix = *o.QueryPrefix
	}
	if o.DocumentPrefix != nil {
		base.DocumentPrefix = *o.DocumentPrefix
	}
	if o.MaskToken != nil {
		base.MaskToken = *o.MaskToken
	}
	if o.DoQueryExpansion != nil {
		base.DoQueryExpansion = *o.DoQueryExpansion
	}
	if o.AttendToExpansionTokens != nil {
		base.AttendToExpansionTokens = *o.AttendToExpansionTokens
	}
	if o.QueryLength != nil {
		base.QueryLength = *o.QueryLength
	}
	if o.DocumentLength != nil {
		base.DocumentLength = *o.DocumentLength
	}
	if o.BatchSize != nil {
		base.BatchSize = *o.BatchSize
	}
	return base
}

type ModelConfig struct {
	// directory containing model.onnx, tokenizer.json, config.json and the Dense layers
	ModelDir string `mapstructure:"model_dir"`
	// defaults to model.onnx
	ModelFile string `mapstructure:"model_file"`
	// e.g. "last_hidden_state"
	OutputName string `mapstructure:"output_name"`
	// path to libonnxruntime; falls back to ONNXRUNTIME_SHARED_LIBRARY_PATH
	RuntimeLibPath string `mapstructure:"runtime_lib_path"`
	// cpu (default) or cuda
	Device Device `mapstructure:"device"`
	// max concurrent chunks on cpu, 0 means runtime.NumCPU()
	Workers int `mapstructure:"workers"`
	// ORT intra-op threads per session, 0 leaves the runtime default
	IntraOpThreads int `mapstructure:"intra_op_threads"`
	// if true, Close leaves the ONNX runtime environment running.
	// Set this when several models share one process.
	GlobalRuntime bool `mapstructure:"global_runtime"`
	// overrides for the sentence-transformers config
	Encoding EncodingOverrides `mapstructure:"encoding"`
}

// HubConfig controls where model files are fetched from.
type HubConfig struct {
	// e.g. "lightonai/GTE-ModernColBERT-v1"
	RepoID string `mapstructure:"repo_id"`
	// optional Hugging Face token; falls back to HF_TOKEN
	AuthToken string `mapstructure:"auth_token"`
	// optional cache directory; the hub default is used when empty
	CacheDir string `mapstructure:"cache_dir"`
}

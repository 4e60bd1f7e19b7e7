// Package colbert runs ColBERT late-interaction models exported to ONNX:
// token level query and document embeddings, MaxSim scoring and token
// pooling.
package colbert

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/comfforts/logger"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hankgalt/colbert/internal/hub"
	"github.com/hankgalt/colbert/internal/metrics"
	"github.com/hankgalt/colbert/internal/modelconfig"
	"github.com/hankgalt/colbert/internal/pipeline"
	"github.com/hankgalt/colbert/internal/pooling"
	"github.com/hankgalt/colbert/internal/tensor"
	"github.com/hankgalt/colbert/internal/transformer/dense"
	"github.com/hankgalt/colbert/internal/transformer/onnx"
	"github.com/hankgalt/colbert/pkg/domain"
)

const EnvONNXRuntimeLib = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

// Tensor3 holds embeddings shaped [batch, tokens, dim].
type Tensor3 = tensor.Tensor3

// Tensor4 holds raw scores shaped [queries, documents, query tokens, document tokens].
type Tensor4 = tensor.Tensor4

type LateInteractionModel interface {
	Encode(ctx context.Context, sentences []string, isQuery bool, batchSize int) (*Tensor3, error)
	Similarity(ctx context.Context, queries, documents *Tensor3) (domain.Similarities, error)
	Close(ctx context.Context) error
}

// vocabulary is a tokenizer that can also map between ids and tokens.
type vocabulary interface {
	pipeline.Tokenizer
	TokenToID(token string) (int, bool)
	IDToToken(id int) (string, bool)
}

type ColBERT struct {
	enc    *pipeline.Encoder
	tok    vocabulary
	pooler pooling.Pooler

	// nil when built from in-memory components
	base        onnx.BaseModel
	keepRuntime bool
	closeOnce   sync.Once
	closeErr    error
}

var _ LateInteractionModel = (*ColBERT)(nil)

type options struct {
	reg    prometheus.Registerer
	pooler pooling.Pooler
}

type Option func(*options)

// WithRegisterer registers encode metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithPooler replaces the default hierarchical pooler.
func WithPooler(p pooling.Pooler) Option {
	return func(o *options) { o.pooler = p }
}

// FromDir builds a model from a local model directory with default settings.
func FromDir(ctx context.Context, dir string, opts ...Option) (*ColBERT, error) {
	return New(ctx, domain.ModelConfig{ModelDir: dir}, opts...)
}

// FromHub downloads the model files of hubCfg.RepoID into the local cache and
// builds the model from there. cfg.ModelDir is ignored.
func FromHub(ctx context.Context, hubCfg domain.HubConfig, cfg domain.ModelConfig, opts ...Option) (*ColBERT, error) {
	l, err := logger.LoggerFromContext(ctx)
	if err != nil {
		l = logger.GetSlogLogger()
	}

	repo, err := hub.NewRepo(hubCfg)
	if err != nil {
		l.Error("FromHub - error opening repo", "repo", hubCfg.RepoID, "error", err.Error())
		return nil, err
	}
	dir, err := hub.Download(ctx, repo, cfg.ModelFile)
	if err != nil {
		l.Error("FromHub - error downloading model", "repo", hubCfg.RepoID, "error", err.Error())
		return nil, err
	}
	cfg.ModelDir = dir
	return New(ctx, cfg, opts...)
}

// New loads the tokenizer, Dense projection and ONNX base model found in
// cfg.ModelDir. Encoding settings come from the model's
// sentence-transformers config with cfg.Encoding layered on top.
func New(ctx context.Context, cfg domain.ModelConfig, opts ...Option) (*ColBERT, error) {
	l, err := logger.LoggerFromContext(ctx)
	if err != nil {
		l = logger.GetSlogLogger()
	}

	if cfg.ModelDir == "" {
		l.Error("New - missing model directory")
		return nil, domain.ConfigError("new colbert", "missing model directory")
	}
	if cfg.ModelFile == "" {
		cfg.ModelFile = domain.DefaultModelFile
	}
	dir := cfg.ModelDir

	baseCfg, err := modelconfig.LoadBase(filepath.Join(dir, modelconfig.ConfigFile))
	if err != nil {
		l.Error("New - error loading model config", "error", err.Error())
		return nil, err
	}
	arch, err := onnx.ParseArchitecture(baseCfg.Architecture)
	if err != nil {
		l.Error("New - unsupported architecture", "error", err.Error())
		return nil, err
	}

	encCfg, err := modelconfig.LoadEncoding(
		filepath.Join(dir, modelconfig.SentenceTransformersFile),
		filepath.Join(dir, modelconfig.SpecialTokensFile),
	)
	if err != nil {
		l.Error("New - error loading encoding config", "error", err.Error())
		return nil, err
	}
	encCfg = cfg.Encoding.Apply(encCfg)

	proj, err := loadProjection(dir)
	if err != nil {
		l.Error("New - error loading projection", "error", err.Error())
		return nil, err
	}

	tok, err := onnx.NewHFTokenizerFromLocal(filepath.Join(dir, modelconfig.TokenizerFile))
	if err != nil {
		l.Error("New - error loading tokenizer", "error", err.Error())
		return nil, domain.UpstreamError("load tokenizer", err)
	}

	libPath := cfg.RuntimeLibPath
	if libPath == "" {
		libPath = os.Getenv(EnvONNXRuntimeLib)
	}
	if libPath == "" {
		l.Error("New - missing path to onnxruntime")
		return nil, domain.ConfigError("new colbert", "missing path to onnxruntime, set %s", EnvONNXRuntimeLib)
	}
	if err := onnx.InitRuntime(libPath); err != nil {
		l.Error("New - error initializing onnxruntime", "error", err.Error())
		return nil, domain.UpstreamError("init runtime", err)
	}

	base, err := onnx.NewBaseModel(sessionConfig(cfg, baseCfg), arch)
	if err != nil {
		l.Error("New - error loading base model", "error", err.Error())
		return nil, errors.Join(err, closeRuntime(cfg.GlobalRuntime))
	}
	if base.HiddenSize() != proj.InDim() {
		err := domain.ConfigError("new colbert", "projection in_features %d != model hidden size %d", proj.InDim(), base.HiddenSize())
		l.Error("New - projection mismatch", "error", err.Error())
		return nil, errors.Join(err, onnx.CloseAll(base, cfg.GlobalRuntime))
	}

	c, err := newColBERT(tok, base, proj, encCfg, cfg, opts...)
	if err != nil {
		l.Error("New - error building encoder", "error", err.Error())
		return nil, errors.Join(err, onnx.CloseAll(base, cfg.GlobalRuntime))
	}
	c.base = base
	c.keepRuntime = cfg.GlobalRuntime

	l.Debug("New - model ready",
		"model_dir", dir,
		"architecture", string(arch),
		"hidden_size", base.HiddenSize(),
		"embedding_dim", proj.OutDim(),
		"query_length", c.enc.Config().QueryLength,
		"document_length", c.enc.Config().DocumentLength,
		"device", string(cfg.Device),
	)
	return c, nil
}

// newColBERT wires already loaded components. The mask token must be part
// of the tokenizer vocabulary.
func newColBERT(tok vocabulary, model pipeline.Model, proj pipeline.Projector, encCfg domain.EncodingConfig, cfg domain.ModelConfig, opts ...Option) (*ColBERT, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.pooler == nil {
		o.pooler = pooling.Hierarchical{Workers: cfg.Workers}
	}

	if tok == nil {
		return nil, domain.ConfigError("new colbert", "nil tokenizer")
	}
	maskID, ok := tok.TokenToID(encCfg.MaskToken)
	if !ok {
		return nil, domain.ConfigError("new colbert", "mask token %q not found in tokenizer vocabulary", encCfg.MaskToken)
	}
	encCfg.MaskTokenID = maskID

	var collector *metrics.Collector
	if o.reg != nil {
		c, err := metrics.NewCollector(o.reg)
		if err != nil {
			return nil, domain.ConfigError("new colbert", "register metrics: %w", err)
		}
		collector = c
	}

	enc, err := pipeline.NewEncoder(tok, model, proj, encCfg,
		pipeline.WithDevice(cfg.Device),
		pipeline.WithWorkers(cfg.Workers),
		pipeline.WithMetrics(collector),
	)
	if err != nil {
		return nil, err
	}
	return &ColBERT{enc: enc, tok: tok, pooler: o.pooler}, nil
}

// loadProjection stacks the Dense modules of a model directory.
func loadProjection(dir string) (dense.Stack, error) {
	dirs, err := modelconfig.DenseDirs(dir)
	if err != nil {
		return nil, err
	}
	layers := make([]*dense.Linear, 0, len(dirs))
	for _, d := range dirs {
		dc, err := modelconfig.LoadDense(filepath.Join(dir, d, modelconfig.ConfigFile))
		if err != nil {
			return nil, err
		}
		act, err := dense.ParseActivation(dc.Activation)
		if err != nil {
			return nil, domain.ConfigError("load projection", "%s: %w", d, err)
		}
		layer, err := dense.Load(filepath.Join(dir, d, modelconfig.DenseWeightsFile), dc.InFeatures, dc.OutFeatures, dc.Bias, act)
		if err != nil {
			return nil, domain.UpstreamError("load projection "+d, err)
		}
		layers = append(layers, layer)
	}
	stack, err := dense.NewStack(layers...)
	if err != nil {
		return nil, domain.ConfigError("load projection", "%w", err)
	}
	return stack, nil
}

// sessionConfig maps the model settings onto the ORT session.
func sessionConfig(cfg domain.ModelConfig, base modelconfig.Base) onnx.SessionConfig {
	modelFile := cfg.ModelFile
	if modelFile == "" {
		modelFile = domain.DefaultModelFile
	}
	return onnx.SessionConfig{
		ModelPath:      filepath.Join(cfg.ModelDir, modelFile),
		OutputName:     cfg.OutputName,
		HiddenSize:     base.HiddenSize,
		Device:         cfg.Device,
		IntraOpThreads: cfg.IntraOpThreads,
	}
}

func closeRuntime(keep bool) error {
	if keep {
		return nil
	}
	return onnx.DestroyRuntime()
}

// Config returns the effective encoding settings.
func (c *ColBERT) Config() domain.EncodingConfig {
	return c.enc.Config()
}

// Encode embeds sentences as queries or documents. batchSize <= 0 uses the
// configured batch size.
func (c *ColBERT) Encode(ctx context.Context, sentences []string, isQuery bool, batchSize int) (*Tensor3, error) {
	return c.enc.Encode(ctx, sentences, isQuery, batchSize)
}

// Pool reduces the token count of document embeddings by poolFactor.
func (c *ColBERT) Pool(ctx context.Context, documents *Tensor3, poolFactor int) (*Tensor3, error) {
	return c.pooler.Pool(ctx, documents, poolFactor)
}

// Close releases the ONNX session and, unless GlobalRuntime was set, the
// runtime environment. It is safe to call more than once.
func (c *ColBERT) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if c.base == nil {
			return
		}
		c.closeErr = onnx.CloseAll(c.base, c.keepRuntime)
		if c.closeErr != nil {
			l, err := logger.LoggerFromContext(ctx)
			if err != nil {
				l = logger.GetSlogLogger()
			}
			l.Error("ColBERT:Close - error closing model", "error", c.closeErr.Error())
		}
	})
	return c.closeErr
}

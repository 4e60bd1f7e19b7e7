package onnx

import (
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hankgalt/colbert/internal/tensor"
	"github.com/hankgalt/colbert/pkg/domain"
)

const (
	inputIDs      = "input_ids"
	attentionMask = "attention_mask"
	tokenTypeIDs  = "token_type_ids"
)

// Architecture names a supported encoder family.
type Architecture string

const (
	ArchBert       Architecture = "bert"
	ArchModernBert Architecture = "modernbert"
)

// ParseArchitecture maps the first entry of config.json "architectures".
func ParseArchitecture(name string) (Architecture, error) {
	switch name {
	case "ModernBertModel":
		return ArchModernBert, nil
	case "BertForMaskedLM", "BertModel":
		return ArchBert, nil
	default:
		return "", domain.ConfigError("parse architecture", "unsupported architecture: %s", name)
	}
}

// BaseModel is the forward pass shared by the encoder families: token ids,
// attention mask and type ids in, one hidden vector per token out.
// Forward is safe for concurrent use.
type BaseModel interface {
	Forward(batch *domain.TokenBatch) (*tensor.Tensor3, error)
	HiddenSize() int
	Architecture() Architecture
	Close() error
}

type SessionConfig struct {
	// path to model.onnx
	ModelPath string
	// e.g. "last_hidden_state"
	OutputName string
	// used when the model output does not fix the hidden dimension
	HiddenSize int
	Device     domain.Device
	// 0 leaves the runtime default
	IntraOpThreads int
}

var runtimeMu sync.Mutex

// InitRuntime initializes the process-wide ONNX Runtime environment once.
// libPath may be empty when the library is on the default search path.
func InitRuntime(libPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("init ORT env: %w", err)
	}
	return nil
}

// DestroyRuntime tears the ONNX Runtime environment down.
func DestroyRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// NewBaseModel opens an inference session for the given architecture. The
// runtime must already be initialized.
func NewBaseModel(cfg SessionConfig, arch Architecture) (BaseModel, error) {
	if cfg.ModelPath == "" {
		return nil, domain.ConfigError("new base model", "missing ModelPath")
	}
	if cfg.OutputName == "" {
		cfg.OutputName = domain.DefaultOutputName
	}

	infosIn, infosOut, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, domain.UpstreamError("new base model", fmt.Errorf("GetInputOutputInfo: %w", err))
	}

	names, err := selectInputs(infosIn, arch)
	if err != nil {
		return nil, err
	}
	hidden, err := resolveHiddenSize(infosOut, cfg.OutputName, cfg.HiddenSize)
	if err != nil {
		return nil, err
	}

	opts, err := sessionOptions(cfg)
	if err != nil {
		return nil, domain.UpstreamError("new base model", err)
	}
	defer opts.Destroy()

	sess, err := ort.NewDynamicAdvancedSession(cfg.ModelPath, names, []string{cfg.OutputName}, opts)
	if err != nil {
		return nil, domain.UpstreamError("new base model", fmt.Errorf("NewDynamicAdvancedSession: %w", err))
	}

	s := &session{sess: sess, inputNames: names, hiddenSize: hidden}
	switch arch {
	case ArchModernBert:
		return &modernBertModel{session: s}, nil
	default:
		return &bertModel{session: s, withTypeIDs: len(names) == 3}, nil
	}
}

func sessionOptions(cfg SessionConfig) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	if cfg.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("intra op threads: %w", err)
		}
	}
	if cfg.Device == domain.DeviceCUDA {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("cuda provider options: %w", err)
		}
		defer cuda.Destroy()
		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("cuda provider: %w", err)
		}
	}
	return opts, nil
}

// selectInputs returns the session input names for arch, in feed order.
// ModernBERT takes ids and mask; BERT also takes token type ids when the
// export declares them.
func selectInputs(infos []ort.InputOutputInfo, arch Architecture) ([]string, error) {
	have := make(map[string]bool, len(infos))
	for _, i := range infos {
		have[i.Name] = true
	}
	for _, name := range []string{inputIDs, attentionMask} {
		if !have[name] {
			return nil, domain.ConfigError("select inputs", "model missing required input %q", name)
		}
	}
	names := []string{inputIDs, attentionMask}
	if arch == ArchBert && have[tokenTypeIDs] {
		names = append(names, tokenTypeIDs)
	}
	return names, nil
}

// resolveHiddenSize reads H from a [B,T,H] output, falling back to the
// configured hidden size when the dimension is dynamic.
func resolveHiddenSize(infos []ort.InputOutputInfo, outputName string, fallback int) (int64, error) {
	var outInfo *ort.InputOutputInfo
	for i := range infos {
		if infos[i].Name == outputName {
			outInfo = &infos[i]
			break
		}
	}
	if outInfo == nil {
		return 0, domain.ConfigError("resolve hidden size", "output %q not found in model", outputName)
	}
	dims := outInfo.Dimensions
	if len(dims) != 3 {
		return 0, domain.ConfigError("resolve hidden size", "expected 3D output tensor, got %v", dims)
	}
	if dims[2] > 0 {
		return dims[2], nil
	}
	if fallback > 0 {
		return int64(fallback), nil
	}
	return 0, domain.ConfigError("resolve hidden size", "can't resolve H from dims %v", dims)
}

type session struct {
	sess       *ort.DynamicAdvancedSession
	inputNames []string
	hiddenSize int64
}

func (s *session) HiddenSize() int { return int(s.hiddenSize) }

// run feeds the given [B,T] int64 inputs and returns the [B,T,H] output.
func (s *session) run(batch *domain.TokenBatch, inputs ...[]int64) (*tensor.Tensor3, error) {
	if s.sess == nil {
		return nil, fmt.Errorf("session closed")
	}
	B, T := int64(batch.BatchSize), int64(batch.SeqLen)
	shape := ort.NewShape(B, T)

	values := make([]ort.Value, 0, len(inputs))
	defer func() {
		for _, v := range values {
			v.Destroy()
		}
	}()
	for i, data := range inputs {
		t, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, fmt.Errorf("%s tensor: %w", s.inputNames[i], err)
		}
		values = append(values, t)
	}

	out, err := ort.NewEmptyTensor[float32](ort.NewShape(B, T, s.hiddenSize))
	if err != nil {
		return nil, fmt.Errorf("alloc out tensor: %w", err)
	}
	defer out.Destroy()

	if err := s.sess.Run(values, []ort.Value{out}); err != nil {
		return nil, fmt.Errorf("ORT Run: %w", err)
	}

	// copy out before the tensor is destroyed
	src := out.GetData()
	data := make([]float32, len(src))
	copy(data, src)
	return tensor.From3(data, int(B), int(T), int(s.hiddenSize))
}

func (s *session) Close() error {
	if s.sess == nil {
		return nil
	}
	err := s.sess.Destroy()
	s.sess = nil
	return err
}

type bertModel struct {
	*session
	withTypeIDs bool
}

func (m *bertModel) Architecture() Architecture { return ArchBert }

func (m *bertModel) Forward(b *domain.TokenBatch) (*tensor.Tensor3, error) {
	if m.withTypeIDs {
		return m.run(b, b.InputIDs, b.AttentionMask, b.TokenTypeIDs)
	}
	return m.run(b, b.InputIDs, b.AttentionMask)
}

type modernBertModel struct {
	*session
}

func (m *modernBertModel) Architecture() Architecture { return ArchModernBert }

func (m *modernBertModel) Forward(b *domain.TokenBatch) (*tensor.Tensor3, error) {
	return m.run(b, b.InputIDs, b.AttentionMask)
}

// CloseAll closes the model and, unless keepRuntime is set, the runtime.
func CloseAll(m BaseModel, keepRuntime bool) error {
	var err error
	if m != nil {
		err = m.Close()
	}
	if keepRuntime {
		return err
	}
	if eErr := DestroyRuntime(); eErr != nil {
		if err != nil {
			return errors.Join(err, eErr)
		}
		return eErr
	}
	return err
}

// Package modelconfig reads the JSON descriptors that ship with a
// sentence-transformers style ColBERT model directory.
package modelconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hankgalt/colbert/pkg/domain"
)

const (
	ConfigFile               = "config.json"
	TokenizerFile            = "tokenizer.json"
	SentenceTransformersFile = "config_sentence_transformers.json"
	SpecialTokensFile        = "special_tokens_map.json"
	ModulesFile              = "modules.json"
	DenseWeightsFile         = "model.safetensors"

	denseModuleType = "sentence_transformers.models.Dense"
)

// DefaultDenseDirs is used when a model has no modules.json.
var DefaultDenseDirs = []string{"1_Dense", "2_Dense"}

// Base is the part of config.json the encoder needs.
type Base struct {
	Architecture string
	HiddenSize   int
}

// LoadBase reads config.json. The first "architectures" entry selects the
// encoder family.
func LoadBase(path string) (Base, error) {
	var raw struct {
		Architectures []string `json:"architectures"`
		HiddenSize    int      `json:"hidden_size"`
	}
	if err := readJSON(path, &raw); err != nil {
		return Base{}, err
	}
	if len(raw.Architectures) == 0 || raw.Architectures[0] == "" {
		return Base{}, domain.ConfigError("load base config", "missing or invalid 'architectures' in %s", filepath.Base(path))
	}
	return Base{Architecture: raw.Architectures[0], HiddenSize: raw.HiddenSize}, nil
}

// Dense is a Dense module config. Bias defaults to true as in
// sentence-transformers.
type Dense struct {
	InFeatures  int
	OutFeatures int
	Bias        bool
	Activation  string
}

// LoadDense reads a Dense config; in_features and out_features are required.
func LoadDense(path string) (Dense, error) {
	var raw struct {
		InFeatures  *int   `json:"in_features"`
		OutFeatures *int   `json:"out_features"`
		Bias        *bool  `json:"bias"`
		Activation  string `json:"activation_function"`
	}
	if err := readJSON(path, &raw); err != nil {
		return Dense{}, err
	}
	if raw.InFeatures == nil || *raw.InFeatures <= 0 {
		return Dense{}, domain.ConfigError("load dense config", "missing 'in_features' in %s", path)
	}
	if raw.OutFeatures == nil || *raw.OutFeatures <= 0 {
		return Dense{}, domain.ConfigError("load dense config", "missing 'out_features' in %s", path)
	}
	d := Dense{InFeatures: *raw.InFeatures, OutFeatures: *raw.OutFeatures, Bias: true, Activation: raw.Activation}
	if raw.Bias != nil {
		d.Bias = *raw.Bias
	}
	return d, nil
}

// DenseDirs lists the Dense module directories of a model in pipeline
// order, from modules.json when present. Directories that do not exist are
// skipped; at least one is required.
func DenseDirs(modelDir string) ([]string, error) {
	candidates := DefaultDenseDirs

	var modules []struct {
		Idx  int    `json:"idx"`
		Path string `json:"path"`
		Type string `json:"type"`
	}
	err := readJSON(filepath.Join(modelDir, ModulesFile), &modules)
	switch {
	case err == nil:
		sort.SliceStable(modules, func(i, j int) bool { return modules[i].Idx < modules[j].Idx })
		candidates = nil
		for _, m := range modules {
			if m.Type == denseModuleType || strings.HasSuffix(m.Path, "_Dense") {
				candidates = append(candidates, m.Path)
			}
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}

	var dirs []string
	for _, c := range candidates {
		if _, err := os.Stat(filepath.Join(modelDir, c, ConfigFile)); err == nil {
			dirs = append(dirs, c)
		}
	}
	if len(dirs) == 0 {
		return nil, domain.ConfigError("dense dirs", "no Dense module found in %s", modelDir)
	}
	return dirs, nil
}

// LoadEncoding builds the EncodingConfig from the sentence-transformers
// config and the special tokens map. Either file may be missing; absent
// keys keep their defaults. MaskTokenID is resolved later against the
// tokenizer vocabulary.
func LoadEncoding(stPath, specialTokensPath string) (domain.EncodingConfig, error) {
	cfg := domain.DefaultEncodingConfig()

	var st struct {
		QueryPrefix             *string `json:"query_prefix"`
		DocumentPrefix          *string `json:"document_prefix"`
		DoQueryExpansion        *bool   `json:"do_query_expansion"`
		AttendToExpansionTokens *bool   `json:"attend_to_expansion_tokens"`
		QueryLength             *int    `json:"query_length"`
		DocumentLength          *int    `json:"document_length"`
	}
	if err := readOptionalJSON(stPath, &st); err != nil {
		return cfg, err
	}
	cfg = domain.EncodingOverrides{
		QueryPrefix:             st.QueryPrefix,
		DocumentPrefix:          st.DocumentPrefix,
		DoQueryExpansion:        st.DoQueryExpansion,
		AttendToExpansionTokens: st.AttendToExpansionTokens,
		QueryLength:             st.QueryLength,
		DocumentLength:          st.DocumentLength,
	}.Apply(cfg)

	var special struct {
		MaskToken json.RawMessage `json:"mask_token"`
	}
	if err := readOptionalJSON(specialTokensPath, &special); err != nil {
		return cfg, err
	}
	if tok := tokenContent(special.MaskToken); tok != "" {
		cfg.MaskToken = tok
	}
	return cfg, nil
}

// tokenContent accepts either "[MASK]" or {"content": "[MASK]", ...}.
func tokenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Content
	}
	return ""
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.UpstreamError("read "+filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return domain.UpstreamError("parse "+filepath.Base(path), fmt.Errorf("JSON parsing error: %w", err))
	}
	return nil
}

func readOptionalJSON(path string, v any) error {
	if path == "" {
		return nil
	}
	err := readJSON(path, v)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Package dense loads the sentence-transformers Dense layers that project
// encoder hidden states to the ColBERT embedding dimension.
package dense

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/hankgalt/colbert/internal/tensor"
)

const (
	weightKey = "linear.weight"
	biasKey   = "linear.bias"
)

// Activation applied after the affine map.
type Activation int

const (
	Identity Activation = iota
	Tanh
)

// ParseActivation maps a sentence-transformers activation_function value.
// Empty means identity.
func ParseActivation(name string) (Activation, error) {
	switch {
	case name == "", strings.HasSuffix(name, "Identity"):
		return Identity, nil
	case strings.HasSuffix(name, "Tanh"):
		return Tanh, nil
	default:
		return Identity, fmt.Errorf("dense: unsupported activation %q", name)
	}
}

// Linear is a dense layer y = act(W x + b) with W stored row-major as
// [outDim, inDim]. bias may be nil.
type Linear struct {
	weights    []float32
	bias       []float32
	inDim      int
	outDim     int
	activation Activation
}

func NewLinear(weights, bias []float32, inDim, outDim int, act Activation) (*Linear, error) {
	if inDim <= 0 || outDim <= 0 {
		return nil, fmt.Errorf("dense: invalid shape [%d,%d]", outDim, inDim)
	}
	if len(weights) != inDim*outDim {
		return nil, fmt.Errorf("dense: %d weights do not match shape [%d,%d]", len(weights), outDim, inDim)
	}
	if bias != nil && len(bias) != outDim {
		return nil, fmt.Errorf("dense: bias length %d, want %d", len(bias), outDim)
	}
	return &Linear{weights: weights, bias: bias, inDim: inDim, outDim: outDim, activation: act}, nil
}

func (l *Linear) InDim() int  { return l.inDim }
func (l *Linear) OutDim() int { return l.outDim }

// Load reads a safetensors file holding "linear.weight" (and "linear.bias"
// when bias is set) of dtype F32 and checks it against the expected features.
func Load(path string, inFeatures, outFeatures int, bias bool, act Activation) (*Linear, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dense: %w", err)
	}
	tensors, err := parseSafetensors(data)
	if err != nil {
		return nil, err
	}

	w, ok := tensors[weightKey]
	if !ok {
		return nil, fmt.Errorf("dense: tensor %q not found in header", weightKey)
	}
	if len(w.shape) != 2 {
		return nil, fmt.Errorf("dense: expected 2D weight, got shape %v", w.shape)
	}
	if w.shape[0] != outFeatures || w.shape[1] != inFeatures {
		return nil, fmt.Errorf("dense: weight shape %v does not match out_features=%d in_features=%d",
			w.shape, outFeatures, inFeatures)
	}

	b, hasBias := tensors[biasKey]
	if bias != hasBias {
		return nil, fmt.Errorf("dense: config bias=%t but %q present=%t", bias, biasKey, hasBias)
	}
	return NewLinear(w.values, b.values, inFeatures, outFeatures, act)
}

type rawTensor struct {
	shape  []int
	values []float32
}

// parseSafetensors decodes the F32 tensors of a safetensors buffer: an 8-byte
// little endian header length, a JSON header, then the raw data.
func parseSafetensors(data []byte) (map[string]rawTensor, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("dense: file too small: %d bytes", len(data))
	}
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if uint64(len(data)) < 8+headerLen {
		return nil, fmt.Errorf("dense: header length %d exceeds file size", headerLen)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &header); err != nil {
		return nil, fmt.Errorf("dense: failed to parse header: %w", err)
	}

	base := int(8 + headerLen)
	out := make(map[string]rawTensor, len(header))
	for name, raw := range header {
		if name == "__metadata__" {
			continue
		}
		var meta struct {
			Dtype       string `json:"dtype"`
			Shape       []int  `json:"shape"`
			DataOffsets [2]int `json:"data_offsets"`
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("dense: failed to parse metadata for %q: %w", name, err)
		}
		if meta.Dtype != "F32" {
			return nil, fmt.Errorf("dense: tensor %q has dtype %s, want F32", name, meta.Dtype)
		}

		n := 1
		for _, s := range meta.Shape {
			if s < 0 {
				return nil, fmt.Errorf("dense: tensor %q has negative shape %v", name, meta.Shape)
			}
			n *= s
		}
		if meta.DataOffsets[0] < 0 || meta.DataOffsets[1] < meta.DataOffsets[0] {
			return nil, fmt.Errorf("dense: tensor %q has invalid data offsets %v", name, meta.DataOffsets)
		}
		start, end := base+meta.DataOffsets[0], base+meta.DataOffsets[1]
		if end-start != n*4 {
			return nil, fmt.Errorf("dense: tensor %q data size %d doesn't match shape %v", name, end-start, meta.Shape)
		}
		if start < base || end > len(data) {
			return nil, fmt.Errorf("dense: tensor %q range [%d:%d] exceeds file size %d", name, start, end, len(data))
		}

		values := make([]float32, n)
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[start+i*4:]))
		}
		out[name] = rawTensor{shape: meta.Shape, values: values}
	}
	return out, nil
}

// Apply projects one vector from inDim to outDim.
func (l *Linear) Apply(vec []float32) []float32 {
	out := make([]float32, l.outDim)
	l.applyInto(out, vec)
	return out
}

func (l *Linear) applyInto(out, vec []float32) {
	for i := 0; i < l.outDim; i++ {
		row := l.weights[i*l.inDim : (i+1)*l.inDim]
		var sum float32
		for j, w := range row {
			sum += w * vec[j]
		}
		if l.bias != nil {
			sum += l.bias[i]
		}
		if l.activation == Tanh {
			sum = float32(math.Tanh(float64(sum)))
		}
		out[i] = sum
	}
}

// Project applies the layer to every token vector.
func (l *Linear) Project(h *tensor.Tensor3) (*tensor.Tensor3, error) {
	if h.Dim != l.inDim {
		return nil, fmt.Errorf("dense: input dim %d, want %d", h.Dim, l.inDim)
	}
	out := tensor.New3(h.Batch, h.Tokens, l.outDim)
	for b := 0; b < h.Batch; b++ {
		for i := 0; i < h.Tokens; i++ {
			l.applyInto(out.Row(b, i), h.Row(b, i))
		}
	}
	return out, nil
}

// Stack chains Dense layers in order (1_Dense, 2_Dense, ...).
type Stack []*Linear

// NewStack checks that each layer's input matches the previous output.
func NewStack(layers ...*Linear) (Stack, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("dense: no layers")
	}
	for i := 1; i < len(layers); i++ {
		if layers[i].inDim != layers[i-1].outDim {
			return nil, fmt.Errorf("dense: layer %d in_features %d != layer %d out_features %d",
				i, layers[i].inDim, i-1, layers[i-1].outDim)
		}
	}
	return Stack(layers), nil
}

func (s Stack) InDim() int  { return s[0].inDim }
func (s Stack) OutDim() int { return s[len(s)-1].outDim }

func (s Stack) Project(h *tensor.Tensor3) (*tensor.Tensor3, error) {
	out := h
	for _, l := range s {
		var err error
		if out, err = l.Project(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

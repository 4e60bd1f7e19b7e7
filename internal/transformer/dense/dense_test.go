package dense

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hankgalt/colbert/internal/tensor"
)

type testTensor struct {
	name  string
	shape []int
	data  []float32
}

// writeSafetensors writes F32 tensors in safetensors layout.
func writeSafetensors(t *testing.T, tensors ...testTensor) string {
	t.Helper()
	header := map[string]any{}
	var body []byte
	for _, tt := range tensors {
		start := len(body)
		for _, v := range tt.data {
			body = binary.LittleEndian.AppendUint32(body, math.Float32bits(v))
		}
		header[tt.name] = map[string]any{
			"dtype":        "F32",
			"shape":        tt.shape,
			"data_offsets": []int{start, len(body)},
		}
	}
	hdr, err := json.Marshal(header)
	require.NoError(t, err)

	buf := binary.LittleEndian.AppendUint64(nil, uint64(len(hdr)))
	buf = append(buf, hdr...)
	buf = append(buf, body...)

	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeSafetensors(t, testTensor{
		name:  "linear.weight",
		shape: []int{2, 3},
		data:  []float32{1, 0, 0, 0, 1, 1},
	})

	l, err := Load(path, 3, 2, false, Identity)
	require.NoError(t, err)
	assert.Equal(t, 3, l.InDim())
	assert.Equal(t, 2, l.OutDim())
	assert.Equal(t, []float32{1, 5}, l.Apply([]float32{1, 2, 3}))
}

func TestLoadWithBias(t *testing.T) {
	path := writeSafetensors(t,
		testTensor{name: "linear.weight", shape: []int{1, 2}, data: []float32{1, 1}},
		testTensor{name: "linear.bias", shape: []int{1}, data: []float32{-1}},
	)
	l, err := Load(path, 2, 1, true, Identity)
	require.NoError(t, err)
	assert.Equal(t, []float32{2}, l.Apply([]float32{1, 2}))
}

func TestLoadErrors(t *testing.T) {
	path := writeSafetensors(t, testTensor{name: "linear.weight", shape: []int{2, 3}, data: make([]float32, 6)})

	_, err := Load(path, 4, 2, false, Identity)
	assert.Error(t, err, "feature mismatch")

	other := writeSafetensors(t, testTensor{name: "other", shape: []int{1}, data: []float32{1}})
	_, err = Load(other, 1, 1, false, Identity)
	assert.Error(t, err, "missing weight")

	_, err = Load(filepath.Join(t.TempDir(), "missing.safetensors"), 1, 1, false, Identity)
	assert.Error(t, err)

	short := filepath.Join(t.TempDir(), "short.safetensors")
	require.NoError(t, os.WriteFile(short, []byte{1, 2}, 0o644))
	_, err = Load(short, 1, 1, false, Identity)
	assert.Error(t, err)
}

func TestLoadBiasMustMatchConfig(t *testing.T) {
	noBias := writeSafetensors(t, testTensor{name: "linear.weight", shape: []int{1, 2}, data: []float32{1, 1}})
	_, err := Load(noBias, 2, 1, true, Identity)
	assert.Error(t, err)

	withBias := writeSafetensors(t,
		testTensor{name: "linear.weight", shape: []int{1, 2}, data: []float32{1, 1}},
		testTensor{name: "linear.bias", shape: []int{1}, data: []float32{-1}},
	)
	_, err = Load(withBias, 2, 1, false, Identity)
	assert.Error(t, err)
}

// writeHeader writes a safetensors file with a hand-written header and body.
func writeHeader(t *testing.T, header string, body []byte) string {
	t.Helper()
	buf := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
	buf = append(buf, header...)
	buf = append(buf, body...)
	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestParseSafetensorsMalformedHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"negative shape", `{"linear.weight":{"dtype":"F32","shape":[-1],"data_offsets":[4,0]}}`},
		{"negative dim pair", `{"linear.weight":{"dtype":"F32","shape":[-1,-1],"data_offsets":[0,4]}}`},
		{"reversed offsets", `{"linear.weight":{"dtype":"F32","shape":[0],"data_offsets":[4,4]},"x":{"dtype":"F32","shape":[1],"data_offsets":[8,4]}}`},
		{"negative offset", `{"linear.weight":{"dtype":"F32","shape":[1],"data_offsets":[-4,0]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeHeader(t, tt.header, make([]byte, 8))
			assert.NotPanics(t, func() {
				_, err := Load(path, 1, 1, false, Identity)
				assert.Error(t, err)
			})
		})
	}
}

func TestParseActivation(t *testing.T) {
	tests := []struct {
		in      string
		want    Activation
		wantErr bool
	}{
		{"", Identity, false},
		{"torch.nn.modules.linear.Identity", Identity, false},
		{"torch.nn.modules.activation.Tanh", Tanh, false},
		{"torch.nn.modules.activation.ReLU", Identity, true},
	}
	for _, tt := range tests {
		got, err := ParseActivation(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestStackProject(t *testing.T) {
	first, err := NewLinear([]float32{1, 0, 0, 1, 1, 1}, nil, 2, 3, Identity)
	require.NoError(t, err)
	second, err := NewLinear([]float32{1, 1, 1}, nil, 3, 1, Tanh)
	require.NoError(t, err)

	s, err := NewStack(first, second)
	require.NoError(t, err)
	assert.Equal(t, 2, s.InDim())
	assert.Equal(t, 1, s.OutDim())

	h, err := tensor.FromNested([][][]float32{{{0.1, 0.2}, {0, 0}}})
	require.NoError(t, err)
	out, err := s.Project(h)
	require.NoError(t, err)
	assert.Equal(t, [3]int{1, 2, 1}, out.Shape())
	assert.InDelta(t, math.Tanh(0.6), out.Row(0, 0)[0], 1e-6)
	assert.Equal(t, float32(0), out.Row(0, 1)[0])

	_, err = NewStack(second, first)
	assert.Error(t, err)

	_, err = first.Project(tensor.New3(1, 1, 5))
	assert.Error(t, err)
}

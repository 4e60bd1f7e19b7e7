// Package tensor holds the small dense float32 tensors passed between the
// encoder, post-processor and scorer. All data is row-major and every
// operation returns a new tensor.
package tensor

import (
	"fmt"
	"math"
)

// Tensor3 is a [Batch, Tokens, Dim] tensor.
type Tensor3 struct {
	Data   []float32
	Batch  int
	Tokens int
	Dim    int
}

// New3 allocates a zero tensor.
func New3(batch, tokens, dim int) *Tensor3 {
	return &Tensor3{
		Data:   make([]float32, batch*tokens*dim),
		Batch:  batch,
		Tokens: tokens,
		Dim:    dim,
	}
}

// From3 wraps data without copying after checking its length.
func From3(data []float32, batch, tokens, dim int) (*Tensor3, error) {
	t := &Tensor3{Data: data, Batch: batch, Tokens: tokens, Dim: dim}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks that the shape is non-negative and matches len(Data).
func (t *Tensor3) Validate() error {
	if t.Batch < 0 || t.Tokens < 0 || t.Dim < 0 {
		return fmt.Errorf("negative shape [%d,%d,%d]", t.Batch, t.Tokens, t.Dim)
	}
	if len(t.Data) != t.Batch*t.Tokens*t.Dim {
		return fmt.Errorf("data length %d does not match shape [%d,%d,%d]", len(t.Data), t.Batch, t.Tokens, t.Dim)
	}
	return nil
}

// Shape returns [Batch, Tokens, Dim].
func (t *Tensor3) Shape() [3]int {
	return [3]int{t.Batch, t.Tokens, t.Dim}
}

// Example returns the [Tokens*Dim] slice of example b. It aliases t.Data.
func (t *Tensor3) Example(b int) []float32 {
	stride := t.Tokens * t.Dim
	return t.Data[b*stride : (b+1)*stride]
}

// Row returns token vector (b, i). It aliases t.Data.
func (t *Tensor3) Row(b, i int) []float32 {
	off := (b*t.Tokens + i) * t.Dim
	return t.Data[off : off+t.Dim]
}

// Clone returns a deep copy.
func (t *Tensor3) Clone() *Tensor3 {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor3{Data: data, Batch: t.Batch, Tokens: t.Tokens, Dim: t.Dim}
}

// Nested converts to [batch][tokens][dim] for serialization.
func (t *Tensor3) Nested() [][][]float32 {
	out := make([][][]float32, t.Batch)
	for b := 0; b < t.Batch; b++ {
		out[b] = make([][]float32, t.Tokens)
		for i := 0; i < t.Tokens; i++ {
			row := make([]float32, t.Dim)
			copy(row, t.Row(b, i))
			out[b][i] = row
		}
	}
	return out
}

// FromNested builds a tensor from [batch][tokens][dim]. Every example must
// have the same token count and every row the same dim.
func FromNested(v [][][]float32) (*Tensor3, error) {
	if len(v) == 0 {
		return New3(0, 0, 0), nil
	}
	tokens := len(v[0])
	dim := 0
	if tokens > 0 {
		dim = len(v[0][0])
	}
	out := New3(len(v), tokens, dim)
	for b, ex := range v {
		if len(ex) != tokens {
			return nil, fmt.Errorf("example %d has %d tokens, want %d", b, len(ex), tokens)
		}
		for i, row := range ex {
			if len(row) != dim {
				return nil, fmt.Errorf("example %d token %d has dim %d, want %d", b, i, len(row), dim)
			}
			copy(out.Row(b, i), row)
		}
	}
	return out, nil
}

// PadTokens returns a copy of t with zero rows appended so every example has
// tokens rows. tokens must not be smaller than t.Tokens.
func (t *Tensor3) PadTokens(tokens int) (*Tensor3, error) {
	if tokens < t.Tokens {
		return nil, fmt.Errorf("cannot pad %d tokens down to %d", t.Tokens, tokens)
	}
	out := New3(t.Batch, tokens, t.Dim)
	for b := 0; b < t.Batch; b++ {
		copy(out.Example(b), t.Example(b))
	}
	return out, nil
}

// Concat stacks tensors along the batch axis. Tensors with fewer tokens are
// padded with zero rows to the longest one first. A single tensor is
// returned as is.
func Concat(ts []*Tensor3) (*Tensor3, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("concat: no tensors")
	}
	if len(ts) == 1 {
		return ts[0], nil
	}
	dim, tokens, batch := ts[0].Dim, 0, 0
	for i, t := range ts {
		if t.Dim != dim {
			return nil, fmt.Errorf("concat: tensor %d has dim %d, want %d", i, t.Dim, dim)
		}
		if t.Tokens > tokens {
			tokens = t.Tokens
		}
		batch += t.Batch
	}
	out := New3(batch, tokens, dim)
	off := 0
	for _, t := range ts {
		if t.Tokens < tokens {
			p, err := t.PadTokens(tokens)
			if err != nil {
				return nil, err
			}
			t = p
		}
		off += copy(out.Data[off:], t.Data)
	}
	return out, nil
}

// L2Normalize scales v to unit length in place. A zero vector stays zero.
func L2Normalize(v []float32) {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	if s == 0 {
		return
	}
	n := float32(1.0 / math.Sqrt(s))
	for i := range v {
		v[i] *= n
	}
}

// Norm returns the Euclidean norm of v.
func Norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

// Dot returns the dot product of two equal length vectors.
func Dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hankgalt/colbert/internal/tensor"
	"github.com/hankgalt/colbert/pkg/domain"
)

func TestFilterNormalizePad(t *testing.T) {
	// two examples, 3 tokens, dim 2
	emb, err := tensor.From3([]float32{
		3, 4, 0, 2, 9, 9,
		1, 0, 5, 5, 0, 0,
	}, 2, 3, 2)
	require.NoError(t, err)
	mask := []int64{
		1, 1, 0,
		1, 0, 0,
	}

	out, err := FilterNormalizePad(emb, mask)
	require.NoError(t, err)
	assert.Equal(t, [3]int{2, 2, 2}, out.Shape())

	assert.InDeltaSlice(t, []float32{0.6, 0.8}, out.Row(0, 0), 1e-6)
	assert.InDeltaSlice(t, []float32{0, 1}, out.Row(0, 1), 1e-6)
	assert.InDeltaSlice(t, []float32{1, 0}, out.Row(1, 0), 1e-6)
	assert.Equal(t, []float32{0, 0}, out.Row(1, 1))

	// input untouched
	assert.Equal(t, float32(3), emb.Row(0, 0)[0])
}

func TestFilterNormalizePadAllMasked(t *testing.T) {
	emb, err := tensor.From3([]float32{
		1, 1, 1, 1,
		2, 0, 0, 0,
	}, 2, 2, 2)
	require.NoError(t, err)

	out, err := FilterNormalizePad(emb, []int64{0, 0, 1, 0})
	require.NoError(t, err)
	assert.Equal(t, [3]int{2, 1, 2}, out.Shape())
	assert.Equal(t, []float32{0, 0}, out.Row(0, 0))
	assert.InDeltaSlice(t, []float32{1, 0}, out.Row(1, 0), 1e-6)

	out, err = FilterNormalizePad(emb, []int64{0, 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, [3]int{2, 1, 2}, out.Shape())
}

func TestFilterNormalizePadZeroVector(t *testing.T) {
	emb, err := tensor.From3([]float32{0, 0, 0, 0}, 1, 2, 2)
	require.NoError(t, err)
	out, err := FilterNormalizePad(emb, []int64{1, 1})
	require.NoError(t, err)
	for _, v := range out.Data {
		assert.False(t, v != v, "NaN in output")
		assert.Zero(t, v)
	}
}

func TestPostProcessErrors(t *testing.T) {
	_, err := FilterNormalizePad(tensor.New3(0, 0, 4), nil)
	assert.True(t, errors.Is(err, domain.ErrOperation))

	_, err = FilterNormalizePad(tensor.New3(1, 3, 4), []int64{1})
	assert.True(t, errors.Is(err, domain.ErrOperation))

	_, err = NormalizeAll(nil)
	assert.True(t, errors.Is(err, domain.ErrOperation))
}

func TestNormalizeAllKeepsEverySlot(t *testing.T) {
	emb, err := tensor.From3([]float32{0, 2, 3, 4, 0, 0}, 1, 3, 2)
	require.NoError(t, err)

	out, err := PostProcess(emb, []int64{1, 0, 0}, true)
	require.NoError(t, err)
	assert.Equal(t, [3]int{1, 3, 2}, out.Shape())
	assert.InDeltaSlice(t, []float32{0, 1}, out.Row(0, 0), 1e-6)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, out.Row(0, 1), 1e-6)
	assert.Equal(t, []float32{0, 0}, out.Row(0, 2))
}

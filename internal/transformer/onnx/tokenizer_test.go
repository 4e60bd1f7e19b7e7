package onnx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hankgalt/colbert/pkg/domain"
)

func skipIfNoTokenizer(t *testing.T) string {
	t.Helper()
	if testModelDir == "" {
		t.Skip("COLBERT_TEST_MODEL_DIR not set")
	}
	path := filepath.Join(testModelDir, "tokenizer.json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Skip("tokenizer.json not found")
	}
	return path
}

func TestBuildBatchLongest(t *testing.T) {
	rows := []encodedRow{
		{ids: []int{101, 7, 8, 102}, mask: []int{1, 1, 1, 1}, typeIDs: []int{0, 0, 0, 0}},
		{ids: []int{101, 9, 102}, mask: []int{1, 1, 1}, typeIDs: []int{0, 0, 0}},
	}
	b := buildBatch(rows, domain.PadBatchLongest, 180, 0)
	assert.Equal(t, 2, b.BatchSize)
	assert.Equal(t, 4, b.SeqLen)
	assert.Equal(t, []int64{101, 7, 8, 102, 101, 9, 102, 0}, b.InputIDs)
	assert.Equal(t, []int64{1, 1, 1, 1, 1, 1, 1, 0}, b.AttentionMask)
	assert.Len(t, b.TokenTypeIDs, 8)
}

func TestBuildBatchFixed(t *testing.T) {
	rows := []encodedRow{
		{ids: []int{101, 7, 102}},
	}
	b := buildBatch(rows, domain.PadFixed, 6, 103)
	assert.Equal(t, 6, b.SeqLen)
	assert.Equal(t, []int64{101, 7, 102, 103, 103, 103}, b.InputIDs)
	assert.Equal(t, []int64{1, 1, 1, 0, 0, 0}, b.AttentionMask)
}

func TestBuildBatchCutsLongRows(t *testing.T) {
	rows := []encodedRow{{ids: []int{1, 2, 3, 4, 5}}}
	b := buildBatch(rows, domain.PadBatchLongest, 3, 0)
	assert.Equal(t, 3, b.SeqLen)
	assert.Equal(t, []int64{1, 2, 3}, b.InputIDs)
}

func TestHFTokenizerPolicies(t *testing.T) {
	path := skipIfNoTokenizer(t)
	tok, err := NewHFTokenizerFromLocal(path)
	require.NoError(t, err)

	maskID, ok := tok.TokenToID("[MASK]")
	require.True(t, ok)

	q, err := tok.EncodeBatch([]string{"[Q]what is rust"}, domain.TokenizePolicy{
		MaxLength: 8, Padding: domain.PadFixed, PadID: maskID,
	})
	require.NoError(t, err)
	assert.Equal(t, 8, q.SeqLen)
	assert.Equal(t, int64(maskID), q.InputIDs[7])

	d, err := tok.EncodeBatch([]string{"[D]a", "[D]a much longer document about rust"}, domain.TokenizePolicy{MaxLength: 180})
	require.NoError(t, err)
	assert.Equal(t, 2, d.BatchSize)
	assert.Less(t, d.SeqLen, 180)
	assert.Equal(t, int64(0), d.Mask(0)[d.SeqLen-1])

	toks := tok.Tokens(q.IDs(0))
	assert.Equal(t, "[MASK]", toks[7])
}

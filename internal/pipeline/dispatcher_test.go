package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hankgalt/colbert/internal/metrics"
	"github.com/hankgalt/colbert/internal/scoring"
	"github.com/hankgalt/colbert/internal/tensor"
	"github.com/hankgalt/colbert/internal/testkit"
	"github.com/hankgalt/colbert/pkg/domain"
)

func testConfig() domain.EncodingConfig {
	cfg := domain.DefaultEncodingConfig()
	cfg.MaskTokenID = testkit.MaskID
	cfg.QueryLength = 8
	cfg.DocumentLength = 16
	return cfg
}

func newTestEncoder(t *testing.T, cfg domain.EncodingConfig, opts ...Option) *Encoder {
	t.Helper()
	e, err := NewEncoder(testkit.NewWordTokenizer(vocab...), &testkit.OneHotModel{Dim: 64, Scale: 3}, testkit.Identity{}, cfg, opts...)
	require.NoError(t, err)
	return e
}

var docs = []string{
	"rust is a language",
	"python is a language used for scripting and data work",
	"go",
	"the borrow checker",
	"goroutines and channels make concurrency simple",
	"short",
	"a much longer document about late interaction retrieval models",
}

var vocab = append([]string{"what is rust", "w0 w1 w2 w3 w4 w5 w6 w7 w8 w9"}, docs...)

func TestEncodeEmpty(t *testing.T) {
	e := newTestEncoder(t, testConfig())
	_, err := e.Encode(context.Background(), nil, false, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrOperation))
}

func TestEncodeEmptyCountedAsError(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := metrics.NewCollector(reg)
	require.NoError(t, err)
	e := newTestEncoder(t, testConfig(), WithMetrics(c))

	_, err = e.Encode(context.Background(), nil, false, 0)
	require.ErrorIs(t, err, domain.ErrOperation)

	expected := `
# HELP colbert_encode_calls_total Encode calls by input kind and outcome
# TYPE colbert_encode_calls_total counter
colbert_encode_calls_total{kind="document",status="error"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "colbert_encode_calls_total"))
}

func TestEncodeBatchLength(t *testing.T) {
	for _, bs := range []int{1, 2, 3, 7, 32} {
		t.Run(fmt.Sprintf("batch_%d", bs), func(t *testing.T) {
			e := newTestEncoder(t, testConfig())
			out, err := e.Encode(context.Background(), docs, false, bs)
			require.NoError(t, err)
			assert.Equal(t, len(docs), out.Batch)

			q, err := e.Encode(context.Background(), docs, true, bs)
			require.NoError(t, err)
			assert.Equal(t, len(docs), q.Batch)
			assert.Equal(t, 8, q.Tokens)
		})
	}
}

func TestDocumentRowsUnitOrZero(t *testing.T) {
	e := newTestEncoder(t, testConfig())
	out, err := e.Encode(context.Background(), docs, false, 3)
	require.NoError(t, err)
	for b := 0; b < out.Batch; b++ {
		for i := 0; i < out.Tokens; i++ {
			n := tensor.Norm(out.Row(b, i))
			assert.True(t, math.Abs(n-1) < 1e-5 || n == 0, "row (%d,%d) has norm %f", b, i, n)
		}
	}
}

func TestChunkedEqualsSingleChunk(t *testing.T) {
	single := newTestEncoder(t, testConfig())
	want, err := single.Encode(context.Background(), docs, false, len(docs))
	require.NoError(t, err)

	tests := []struct {
		name string
		opts []Option
		bs   int
	}{
		{"sequential_2", []Option{WithWorkers(1)}, 2},
		{"parallel_1", []Option{WithWorkers(4)}, 1},
		{"parallel_3", []Option{WithWorkers(3)}, 3},
		{"cuda_sequential", []Option{WithDevice(domain.DeviceCUDA)}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEncoder(t, testConfig(), tt.opts...)
			got, err := e.Encode(context.Background(), docs, false, tt.bs)
			require.NoError(t, err)
			assert.Equal(t, want.Shape(), got.Shape())
			assert.Equal(t, want.Data, got.Data)
		})
	}
}

func TestParallelPreservesOrder(t *testing.T) {
	words := make([]string, 10)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	e := newTestEncoder(t, testConfig(), WithWorkers(8))
	out, err := e.Encode(context.Background(), words, false, 1)
	require.NoError(t, err)
	require.Equal(t, len(words), out.Batch)

	seq := newTestEncoder(t, testConfig(), WithWorkers(1))
	want, err := seq.Encode(context.Background(), words, false, 1)
	require.NoError(t, err)
	assert.Equal(t, want.Data, out.Data)
}

func TestEncodeChunkFailureAborts(t *testing.T) {
	tok := testkit.NewWordTokenizer()
	// warm the vocabulary so "boom" has a known id
	_, err := tok.EncodeBatch([]string{"boom"}, domain.TokenizePolicy{MaxLength: 8})
	require.NoError(t, err)
	id, ok := tok.TokenToID("boom")
	require.True(t, ok)

	for _, workers := range []int{1, 4} {
		e, err := NewEncoder(tok, &testkit.OneHotModel{Dim: 64, FailOn: int64(id)}, testkit.Identity{}, testConfig(), WithWorkers(workers))
		require.NoError(t, err)
		out, err := e.Encode(context.Background(), []string{"fine", "also fine", "boom", "ok"}, false, 1)
		require.Error(t, err)
		assert.Nil(t, out)
		assert.True(t, errors.Is(err, domain.ErrUpstream))
	}
}

func TestEncodeCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := newTestEncoder(t, testConfig(), WithWorkers(1))
	_, err := e.Encode(ctx, docs, false, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestAttendWithoutExpansionHasNoEffect(t *testing.T) {
	base := testConfig()
	base.DoQueryExpansion = false

	attend := base
	attend.AttendToExpansionTokens = true

	e1 := newTestEncoder(t, base)
	e2 := newTestEncoder(t, attend)
	assert.False(t, e2.Config().AttendToExpansionTokens)

	queries := []string{"what is rust", "goroutines"}
	b1, err := e1.Tokenize(queries, true)
	require.NoError(t, err)
	b2, err := e2.Tokenize(queries, true)
	require.NoError(t, err)
	assert.Equal(t, b1.AttentionMask, b2.AttentionMask)

	q1, err := e1.Encode(context.Background(), queries, true, 0)
	require.NoError(t, err)
	q2, err := e2.Encode(context.Background(), queries, true, 0)
	require.NoError(t, err)
	assert.Equal(t, q1.Data, q2.Data)
}

func TestQueryTokenizationPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.AttendToExpansionTokens = true
	e := newTestEncoder(t, cfg)

	b, err := e.Tokenize([]string{"what is rust"}, true)
	require.NoError(t, err)
	assert.Equal(t, 8, b.SeqLen)
	// [CLS] [Q] what is rust [SEP] [MASK] [MASK]
	ids := b.IDs(0)
	assert.Equal(t, int64(testkit.ClsID), ids[0])
	assert.Equal(t, int64(testkit.MaskID), ids[6])
	assert.Equal(t, int64(testkit.MaskID), ids[7])
	for _, m := range b.Mask(0) {
		assert.Equal(t, int64(1), m)
	}

	cfg.AttendToExpansionTokens = false
	e = newTestEncoder(t, cfg)
	b, err = e.Tokenize([]string{"what is rust"}, true)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, 1, 1, 1, 1, 0, 0}, b.Mask(0))
}

func TestDocumentTokenizationPolicy(t *testing.T) {
	e := newTestEncoder(t, testConfig())
	b, err := e.Tokenize([]string{"go", "rust is a language"}, false)
	require.NoError(t, err)
	// batch longest: [CLS] [D] rust is a language [SEP]
	assert.Equal(t, 7, b.SeqLen)
	assert.Equal(t, []int64{1, 1, 1, 1, 0, 0, 0}, b.Mask(0))

	cfg := testConfig()
	cfg.DocumentLength = 4
	e = newTestEncoder(t, cfg)
	b, err = e.Tokenize([]string{"rust is a language"}, false)
	require.NoError(t, err)
	assert.Equal(t, 4, b.SeqLen)
	assert.Equal(t, int64(testkit.SepID), b.IDs(0)[3])
}

func TestWhatIsRustScenario(t *testing.T) {
	e := newTestEncoder(t, testConfig())
	q, err := e.Encode(context.Background(), []string{"what is rust"}, true, 0)
	require.NoError(t, err)
	d, err := e.Encode(context.Background(), []string{"rust is a language", "python is a language"}, false, 0)
	require.NoError(t, err)

	sims, err := scoring.MaxSim(q, d)
	require.NoError(t, err)
	require.Len(t, sims.Data, 1)
	require.Len(t, sims.Data[0], 2)
	assert.GreaterOrEqual(t, sims.Data[0][0], sims.Data[0][1])
	assert.InDelta(t, 4, sims.Data[0][0], 1e-5)
	assert.InDelta(t, 3, sims.Data[0][1], 1e-5)
}

func TestNewEncoderValidation(t *testing.T) {
	_, err := NewEncoder(nil, &testkit.OneHotModel{Dim: 4}, testkit.Identity{}, testConfig())
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
	_, err = NewEncoder(testkit.NewWordTokenizer(), nil, testkit.Identity{}, testConfig())
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
	_, err = NewEncoder(testkit.NewWordTokenizer(), &testkit.OneHotModel{Dim: 4}, nil, testConfig())
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}

func TestSplit(t *testing.T) {
	chunks := split([]string{"a", "b", "c", "d", "e"}, 2)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, chunks)
	assert.Len(t, split([]string{"a"}, 32), 1)
}

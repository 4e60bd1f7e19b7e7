package colbert

import (
	"context"

	"github.com/comfforts/logger"

	"github.com/hankgalt/colbert/internal/scoring"
	"github.com/hankgalt/colbert/pkg/domain"
)

// Similarity returns the MaxSim score of every query against every document.
func (c *ColBERT) Similarity(ctx context.Context, queries, documents *Tensor3) (domain.Similarities, error) {
	return scoring.MaxSim(queries, documents)
}

// RawSimilarity returns the unreduced token level dot products.
func (c *ColBERT) RawSimilarity(ctx context.Context, queries, documents *Tensor3) (*Tensor4, error) {
	return scoring.Raw(queries, documents)
}

// ScoreTexts encodes both sides and returns their MaxSim scores.
func (c *ColBERT) ScoreTexts(ctx context.Context, queries, documents []string) (domain.Similarities, error) {
	q, d, err := c.encodePair(ctx, queries, documents)
	if err != nil {
		return domain.Similarities{}, err
	}
	return scoring.MaxSim(q, d)
}

// RawSimilarityWithTokens encodes both sides and returns the raw score
// tensor together with the token strings behind each embedding row.
// Document tokens and non-expanded query tokens only cover attended
// positions; expanded queries list every position including [MASK] slots.
func (c *ColBERT) RawSimilarityWithTokens(ctx context.Context, queries, documents []string) (domain.RawSimilarityOutput, error) {
	l, err := logger.LoggerFromContext(ctx)
	if err != nil {
		l = logger.GetSlogLogger()
	}

	q, d, err := c.encodePair(ctx, queries, documents)
	if err != nil {
		return domain.RawSimilarityOutput{}, err
	}
	raw, err := scoring.Raw(q, d)
	if err != nil {
		return domain.RawSimilarityOutput{}, err
	}

	qTokens, err := c.decode(queries, true)
	if err != nil {
		l.Error("ColBERT:RawSimilarityWithTokens - error decoding query tokens", "error", err.Error())
		return domain.RawSimilarityOutput{}, err
	}
	dTokens, err := c.decode(documents, false)
	if err != nil {
		l.Error("ColBERT:RawSimilarityWithTokens - error decoding document tokens", "error", err.Error())
		return domain.RawSimilarityOutput{}, err
	}

	return domain.RawSimilarityOutput{
		SimilarityMatrix: raw.Nested(),
		QueryTokens:      qTokens,
		DocumentTokens:   dTokens,
	}, nil
}

func (c *ColBERT) encodePair(ctx context.Context, queries, documents []string) (*Tensor3, *Tensor3, error) {
	q, err := c.Encode(ctx, queries, true, 0)
	if err != nil {
		return nil, nil, err
	}
	d, err := c.Encode(ctx, documents, false, 0)
	if err != nil {
		return nil, nil, err
	}
	return q, d, nil
}

// decode re-tokenizes texts with the same policy Encode uses and maps the
// ids that produced embedding rows back to tokens.
func (c *ColBERT) decode(texts []string, isQuery bool) ([][]string, error) {
	batch, err := c.enc.Tokenize(texts, isQuery)
	if err != nil {
		return nil, err
	}
	all := isQuery && c.enc.Config().DoQueryExpansion

	out := make([][]string, batch.BatchSize)
	for i := 0; i < batch.BatchSize; i++ {
		ids, mask := batch.IDs(i), batch.Mask(i)
		tokens := make([]string, 0, len(ids))
		for j, id := range ids {
			if !all && mask[j] == 0 {
				continue
			}
			tok, ok := c.tok.IDToToken(int(id))
			if !ok {
				return nil, domain.OperationError("decode tokens", "unknown token id %d", id)
			}
			tokens = append(tokens, tok)
		}
		out[i] = tokens
	}
	return out, nil
}

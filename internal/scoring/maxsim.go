// Package scoring implements ColBERT late-interaction scoring.
package scoring

import (
	"github.com/hankgalt/colbert/internal/tensor"
	"github.com/hankgalt/colbert/pkg/domain"
)

func checkShapes(op string, queries, documents *tensor.Tensor3) error {
	if queries == nil || documents == nil {
		return domain.OperationError(op, "nil embeddings")
	}
	if err := queries.Validate(); err != nil {
		return domain.OperationError(op, "queries: %w", err)
	}
	if err := documents.Validate(); err != nil {
		return domain.OperationError(op, "documents: %w", err)
	}
	if queries.Dim != documents.Dim {
		return domain.OperationError(op, "query dim %d != document dim %d", queries.Dim, documents.Dim)
	}
	return nil
}

// Raw returns the dot product of every query token against every document
// token, shaped [queries, documents, query tokens, document tokens].
func Raw(queries, documents *tensor.Tensor3) (*tensor.Tensor4, error) {
	if err := checkShapes("raw similarity", queries, documents); err != nil {
		return nil, err
	}
	out := tensor.New4(queries.Batch, documents.Batch, queries.Tokens, documents.Tokens)
	for q := 0; q < queries.Batch; q++ {
		for d := 0; d < documents.Batch; d++ {
			m := out.Matrix(q, d)
			for i := 0; i < queries.Tokens; i++ {
				qv := queries.Row(q, i)
				for j := 0; j < documents.Tokens; j++ {
					m[i*documents.Tokens+j] = tensor.Dot(qv, documents.Row(d, j))
				}
			}
		}
	}
	return out, nil
}

// MaxSim reduces the raw scores: for each query token keep its best
// document token score, then sum over query tokens. The result is not
// symmetric in its arguments.
func MaxSim(queries, documents *tensor.Tensor3) (domain.Similarities, error) {
	raw, err := Raw(queries, documents)
	if err != nil {
		return domain.Similarities{}, err
	}
	return Reduce(raw), nil
}

// Reduce applies max over document tokens then sum over query tokens.
func Reduce(raw *tensor.Tensor4) domain.Similarities {
	data := make([][]float32, raw.Queries)
	for q := 0; q < raw.Queries; q++ {
		data[q] = make([]float32, raw.Documents)
		for d := 0; d < raw.Documents; d++ {
			m := raw.Matrix(q, d)
			var sum float32
			for i := 0; i < raw.QueryTokens; i++ {
				row := m[i*raw.DocumentTokens : (i+1)*raw.DocumentTokens]
				if len(row) == 0 {
					continue
				}
				best := row[0]
				for _, v := range row[1:] {
					if v > best {
						best = v
					}
				}
				sum += best
			}
			data[q][d] = sum
		}
	}
	return domain.Similarities{Data: data}
}

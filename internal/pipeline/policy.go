package pipeline

import (
	"github.com/hankgalt/colbert/internal/tensor"
	"github.com/hankgalt/colbert/pkg/domain"
)

// Tokenizer turns raw strings into a padded TokenBatch using the policy it
// is given. Implementations must not keep the policy between calls.
type Tokenizer interface {
	EncodeBatch(texts []string, policy domain.TokenizePolicy) (*domain.TokenBatch, error)
}

// Model is the base encoder forward pass. It must be safe for concurrent use.
type Model interface {
	Forward(batch *domain.TokenBatch) (*tensor.Tensor3, error)
}

// Projector maps hidden states to the retrieval dimension.
type Projector interface {
	Project(hidden *tensor.Tensor3) (*tensor.Tensor3, error)
}

type inputPolicy struct {
	prefix    string
	attendAll bool
	tokenize  domain.TokenizePolicy
}

// policyFor builds the per-call policy. Queries are fixed-padded with the
// mask token so expansion slots exist; documents pad to the batch longest.
func policyFor(cfg domain.EncodingConfig, isQuery bool) inputPolicy {
	if isQuery {
		return inputPolicy{
			prefix:    cfg.QueryPrefix,
			attendAll: cfg.AttendToExpansionTokens,
			tokenize: domain.TokenizePolicy{
				MaxLength: cfg.QueryLength,
				Padding:   domain.PadFixed,
				PadID:     cfg.MaskTokenID,
			},
		}
	}
	return inputPolicy{
		prefix: cfg.DocumentPrefix,
		tokenize: domain.TokenizePolicy{
			MaxLength: cfg.DocumentLength,
			Padding:   domain.PadBatchLongest,
		},
	}
}

// Tokenize prefixes texts and tokenizes them with the policy for the input
// kind, then applies the expansion attention override for queries.
func Tokenize(tok Tokenizer, cfg domain.EncodingConfig, texts []string, isQuery bool) (*domain.TokenBatch, error) {
	if len(texts) == 0 {
		return nil, domain.OperationError("tokenize", "input sentences cannot be empty")
	}
	p := policyFor(cfg, isQuery)

	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = p.prefix + t
	}

	batch, err := tok.EncodeBatch(prefixed, p.tokenize)
	if err != nil {
		return nil, domain.UpstreamError("tokenize", err)
	}
	if err := checkBatch(batch, len(texts)); err != nil {
		return nil, err
	}

	if isQuery && p.attendAll {
		mask := make([]int64, len(batch.AttentionMask))
		for i := range mask {
			mask[i] = 1
		}
		out := *batch
		out.AttentionMask = mask
		return &out, nil
	}
	return batch, nil
}

func checkBatch(b *domain.TokenBatch, n int) error {
	if b == nil {
		return domain.OperationError("tokenize", "tokenizer returned no batch")
	}
	if b.BatchSize != n {
		return domain.OperationError("tokenize", "tokenizer returned %d rows for %d texts", b.BatchSize, n)
	}
	size := b.BatchSize * b.SeqLen
	if len(b.InputIDs) != size || len(b.AttentionMask) != size || len(b.TokenTypeIDs) != size {
		return domain.OperationError("tokenize", "token batch buffers do not match shape [%d,%d]", b.BatchSize, b.SeqLen)
	}
	return nil
}

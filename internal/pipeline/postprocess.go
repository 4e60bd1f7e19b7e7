package pipeline

import (
	"github.com/hankgalt/colbert/internal/tensor"
	"github.com/hankgalt/colbert/pkg/domain"
)

// FilterNormalizePad drops token rows whose mask is not 1, L2 normalizes the
// rest and zero-pads every example to the longest surviving length in the
// batch. An example with no surviving rows becomes a single zero row.
//
// The zero padding rows score 0 against any query vector, so they only win
// a MaxSim reduction when every real token scores below 0.
func FilterNormalizePad(emb *tensor.Tensor3, mask []int64) (*tensor.Tensor3, error) {
	if emb == nil || emb.Batch == 0 {
		return nil, domain.OperationError("filter and pad", "empty embedding batch")
	}
	if len(mask) != emb.Batch*emb.Tokens {
		return nil, domain.OperationError("filter and pad", "mask length %d does not match shape [%d,%d]", len(mask), emb.Batch, emb.Tokens)
	}

	kept := make([][]int, emb.Batch)
	maxLen := 0
	for b := 0; b < emb.Batch; b++ {
		row := mask[b*emb.Tokens : (b+1)*emb.Tokens]
		for i, m := range row {
			if m == 1 {
				kept[b] = append(kept[b], i)
			}
		}
		n := len(kept[b])
		if n == 0 {
			n = 1
		}
		if n > maxLen {
			maxLen = n
		}
	}

	out := tensor.New3(emb.Batch, maxLen, emb.Dim)
	for b, rows := range kept {
		for j, i := range rows {
			dst := out.Row(b, j)
			copy(dst, emb.Row(b, i))
			tensor.L2Normalize(dst)
		}
	}
	return out, nil
}

// NormalizeAll L2 normalizes every token row, padding and expansion slots
// included.
func NormalizeAll(emb *tensor.Tensor3) (*tensor.Tensor3, error) {
	if emb == nil || emb.Batch == 0 {
		return nil, domain.OperationError("normalize", "empty embedding batch")
	}
	out := emb.Clone()
	for b := 0; b < out.Batch; b++ {
		for i := 0; i < out.Tokens; i++ {
			tensor.L2Normalize(out.Row(b, i))
		}
	}
	return out, nil
}

// PostProcess picks the path for the input kind: expanded queries keep
// every slot, everything else is filtered by the attention mask.
func PostProcess(emb *tensor.Tensor3, mask []int64, expandedQuery bool) (*tensor.Tensor3, error) {
	if expandedQuery {
		return NormalizeAll(emb)
	}
	return FilterNormalizePad(emb, mask)
}

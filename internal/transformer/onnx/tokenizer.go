package onnx

import (
	"fmt"
	"sync"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/hankgalt/colbert/pkg/domain"
)

const defaultMaxLen = 512

// HFTokenizer wraps a HuggingFace tokenizer.json. The underlying tokenizer
// keeps its truncation setting as mutable state, so every encode call holds
// mu while it configures and runs it. Padding is applied here from the
// per-call policy and never stored on the tokenizer.
type HFTokenizer struct {
	mu    sync.Mutex
	tok   *tk.Tokenizer
	padID int
}

// NewHFTokenizerFromLocal loads a tokenizer from a local tokenizer.json file.
func NewHFTokenizerFromLocal(path string) (*HFTokenizer, error) {
	tok, err := pretrained.FromFile(path) // loads tokenizer.json
	if err != nil {
		return nil, err
	}

	return &HFTokenizer{tok: tok, padID: idOrDefault(tok, "[PAD]", 0)}, nil
}

// idOrDefault returns the token ID for a given token or a default if not found.
func idOrDefault(t *tk.Tokenizer, token string, def int) int {
	id, ok := t.TokenToId(token)
	if !ok {
		return def
	}
	return int(id)
}

// TokenToID looks a token up in the vocabulary.
func (h *HFTokenizer) TokenToID(token string) (int, bool) {
	id, ok := h.tok.TokenToId(token)
	return int(id), ok
}

// IDToToken maps an id back to its surface token.
func (h *HFTokenizer) IDToToken(id int) (string, bool) {
	return h.tok.IdToToken(id)
}

type encodedRow struct {
	ids, mask, typeIDs []int
}

// EncodeBatch tokenizes texts with special tokens, truncated to
// policy.MaxLength and padded per policy.Padding.
func (h *HFTokenizer) EncodeBatch(texts []string, policy domain.TokenizePolicy) (*domain.TokenBatch, error) {
	if h.tok == nil {
		return nil, fmt.Errorf("tokenizer nil")
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts to tokenize")
	}
	maxLen := policy.MaxLength
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}

	rows, err := h.encodeRows(texts, maxLen)
	if err != nil {
		return nil, err
	}

	padID := h.padID
	if policy.Padding == domain.PadFixed {
		padID = policy.PadID
	}
	return buildBatch(rows, policy.Padding, maxLen, padID), nil
}

func (h *HFTokenizer) encodeRows(texts []string, maxLen int) ([]encodedRow, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.tok.WithTruncation(&tk.TruncationParams{
		MaxLength: maxLen,
		Strategy:  tk.LongestFirst,
		Stride:    0,
	})
	h.tok.WithPadding(nil)

	rows := make([]encodedRow, 0, len(texts))
	for _, s := range texts {
		enc, err := h.tok.EncodeSingle(s, true)
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", s, err)
		}
		rows = append(rows, encodedRow{ids: enc.Ids, mask: enc.AttentionMask, typeIDs: enc.TypeIds})
	}
	return rows, nil
}

// buildBatch right-pads rows to the batch longest row or to maxLen and
// flattens them. Rows longer than maxLen are cut.
func buildBatch(rows []encodedRow, padding domain.PaddingStrategy, maxLen, padID int) *domain.TokenBatch {
	T := 0
	if padding == domain.PadFixed {
		T = maxLen
	} else {
		for _, r := range rows {
			if len(r.ids) > T {
				T = len(r.ids)
			}
		}
		if T > maxLen {
			T = maxLen
		}
	}
	B := len(rows)

	b := &domain.TokenBatch{
		InputIDs:      make([]int64, B*T),
		AttentionMask: make([]int64, B*T),
		TokenTypeIDs:  make([]int64, B*T),
		BatchSize:     B,
		SeqLen:        T,
	}
	for i, r := range rows {
		L := len(r.ids)
		if L > T {
			L = T
		}
		off := i * T
		for t := 0; t < L; t++ {
			b.InputIDs[off+t] = int64(r.ids[t])
			b.AttentionMask[off+t] = 1
			if len(r.mask) == len(r.ids) {
				b.AttentionMask[off+t] = int64(r.mask[t])
			}
			if len(r.typeIDs) == len(r.ids) {
				b.TokenTypeIDs[off+t] = int64(r.typeIDs[t])
			}
		}
		// ids -> pad id, mask and type ids stay 0
		for t := L; t < T; t++ {
			b.InputIDs[off+t] = int64(padID)
		}
	}
	return b
}

// Tokens maps ids back to token strings; unknown ids become "".
func (h *HFTokenizer) Tokens(ids []int64) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i], _ = h.IDToToken(int(id))
	}
	return out
}
